package errclass

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(PathFileTransfer, StageFinalize, CodeHashMismatch, base)
	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to find base error")
	}
	code, ok := CodeOf(err)
	if !ok || code != CodeHashMismatch {
		t.Fatalf("got (%q, %v), want (%q, true)", code, ok, CodeHashMismatch)
	}
}

func TestCodeOfThroughWrappedStdlibError(t *testing.T) {
	err := fmt.Errorf("context: %w", Wrap(PathSession, StageConnect, CodeTransportFailure, nil))
	code, ok := CodeOf(err)
	if !ok || code != CodeTransportFailure {
		t.Fatalf("got (%q, %v)", code, ok)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code Code
		want Kind
	}{
		{CodeUnknownSession, KindValidation},
		{CodeAmbiguousTarget, KindValidation},
		{CodeHashMismatch, KindTool},
		{CodeTimeout, KindTool},
	}
	for _, tc := range cases {
		err := Wrap(PathToolSurface, StageValidate, tc.code, nil)
		if got := Classify(err); got != tc.want {
			t.Fatalf("Classify(%q) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestClassifyUnannotatedError(t *testing.T) {
	if got := Classify(errors.New("plain")); got != KindTool {
		t.Fatalf("got %q, want %q", got, KindTool)
	}
}

func TestErrorStringNilSafe(t *testing.T) {
	var e *Error
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil> string for nil receiver")
	}
}
