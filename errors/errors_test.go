package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseRelocate,
				Kind:   KindInvariant,
				Path:   []string{"func[1]", "unit[4]"},
				Detail: "unit out of range",
			},
			contains: []string{"[relocate]", "invariant", "func[1].unit[4]", "unit out of range"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseDecode,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[decode]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseAllocate,
				Kind:   KindExhausted,
				Detail: "region full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[allocate]", "exhausted", "region full", "caused by: underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q missing %q", msg, s)
				}
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err := Exhausted(PhaseAllocate, 128, 64)
	if !errors.Is(err, &Error{Phase: PhaseAllocate, Kind: KindExhausted}) {
		t.Error("expected match on phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseLayout, Kind: KindExhausted}) {
		t.Error("unexpected match on different phase")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(PhaseEmulate, KindTrap, cause, "ud2")
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestBuilder(t *testing.T) {
	err := New(PhaseCompile, KindUnresolved).
		Path(FuncPath(3), "node[2]").
		Value(2).
		Detail("target %d pending", 1).
		Build()

	if err.Phase != PhaseCompile || err.Kind != KindUnresolved {
		t.Fatalf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if got := strings.Join(err.Path, "."); got != "func[3].node[2]" {
		t.Errorf("path = %q", got)
	}
	if err.Detail != "target 1 pending" {
		t.Errorf("detail = %q", err.Detail)
	}
	if err.Value != 2 {
		t.Errorf("value = %v", err.Value)
	}
}

func TestUnrecognizedPatternPreview(t *testing.T) {
	tail := make([]byte, 40)
	err := UnrecognizedPattern(PhasePass, nil, tail)
	if got := len(err.Value.([]byte)); got != 16 {
		t.Errorf("preview length = %d, want 16", got)
	}
}

func TestRecover(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err)
		Fatal(Invariant(PhaseCompile, nil, "boom"))
		return nil
	}
	err := run()
	if err == nil {
		t.Fatal("expected recovered error")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindInvariant {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRecoverRepanicsForeignValues(t *testing.T) {
	defer func() {
		if r := recover(); r != "foreign" {
			t.Fatalf("recover() = %v", r)
		}
	}()
	func() {
		var err error
		defer Recover(&err)
		panic("foreign")
	}()
}
