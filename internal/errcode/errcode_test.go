package errcode

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesWrappedCode(t *testing.T) {
	err := fmt.Errorf("set turns: %w", New(Frozen, "params.Set", "PARAMETERS.CONFIG.TURNS already assigned"))

	if !errors.Is(err, Frozen) {
		t.Fatalf("errors.Is(%v, Frozen) = false", err)
	}
	if errors.Is(err, NotFound) {
		t.Fatalf("errors.Is(%v, NotFound) = true", err)
	}
	if got := Of(err); got != Frozen {
		t.Errorf("Of = %q, want %q", got, Frozen)
	}
}

func TestOfBareCodeAndUnknown(t *testing.T) {
	if got := Of(fmt.Errorf("boom: %w", InvalidTransition)); got != InvalidTransition {
		t.Errorf("Of(bare) = %q", got)
	}
	if got := Of(errors.New("plain")); got != Error {
		t.Errorf("Of(plain) = %q, want %q", got, Error)
	}
	if got := Of(nil); got != "" {
		t.Errorf("Of(nil) = %q, want empty", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(IOError, "configure", cause)

	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}
	if err.Error() != "configure: io_error: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		NotFound:          http.StatusNotFound,
		Frozen:            http.StatusConflict,
		RecipeMismatch:    http.StatusPreconditionFailed,
		IOError:           http.StatusBadGateway,
		ShapeMismatch:     http.StatusUnprocessableEntity,
		Error:             http.StatusInternalServerError,
		DuplicateIdentity: http.StatusConflict,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
