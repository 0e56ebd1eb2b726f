package kernel

import (
	"testing"

	"github.com/pkg/errors"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	wrapped := errors.Wrap(err, "while doing bar")
	if got := errors.Cause(wrapped); got != err {
		t.Fatalf("expected errors.Cause to unwrap the original *Error; got %v", got)
	}

	if exp, got := "while doing bar: error message", wrapped.Error(); got != exp {
		t.Fatalf("expected wrapped message to be %q; got %q", exp, got)
	}
}
