package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessagesAndUnwrap(t *testing.T) {
	base := errors.New("decode failed")
	e := InputInvalid(base)
	if e.Error() != "decode failed" || !errors.Is(e, base) {
		t.Fatalf("e=%v", e)
	}
	if GraphInvalid(422, "", nil).Error() != CodeGraphInvalid {
		t.Fatalf("code should be the fallback message")
	}
	if (&Error{Status: 502}).Error() != "api error (502)" {
		t.Fatalf("status fallback")
	}
	var nilErr *Error
	if nilErr.Error() != "" {
		t.Fatalf("nil error should be empty")
	}
}

func TestAsFindsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("stage 4: %w", GraphInvalid(400, "structural parse failed", []string{"acyclic"}))
	e, ok := As(wrapped)
	if !ok || e.Status != 400 || len(e.Violations) != 1 {
		t.Fatalf("e=%+v ok=%v", e, ok)
	}
	if _, ok := As(errors.New("plain")); ok {
		t.Fatalf("plain error matched")
	}
}
