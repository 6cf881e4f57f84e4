// Package runtime provides the objects compiled code addresses directly.
//
// Every object owns a byte slab whose address is fixed for its lifetime,
// so the relocation resolver can embed absolute pointers to it:
//
//	Memory      linear memory, one slab of Pages*PageSize bytes
//	Globals     8 bytes per global, little endian
//	Table       a refs slab (code address per slot), a sigs slab
//	            (canonical type index per slot, -1 when null) and a
//	            size word
//	ExitMarker  the host-visible exit-type word, initialised to Magic
//	Stack       the native stack compiled code runs on
//
// # Host Functions
//
// Imports resolve against a HostRegistry:
//
//	reg := runtime.NewHostRegistry()
//	reg.RegisterFunc("env", "add", func(a, b int32) int32 { return a + b })
//
//	// Or a whole namespace; methods become snake_case imports
//	reg.RegisterHost(myHost) // LogValue -> log_value
//
// Handlers take and return integers. An optional leading context.Context
// and a trailing error result are supported.
package runtime
