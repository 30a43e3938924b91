package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error identifier shared by every device contract
// component. It is a comparable string newtype and implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	NotFound            Code = "not_found"
	TypeMismatch        Code = "type_mismatch"
	NotLeaf             Code = "not_leaf"
	Frozen              Code = "frozen"
	ShapeMismatch       Code = "shape_mismatch"
	DegenerateTransform Code = "degenerate_transform"
	RecipeMismatch      Code = "recipe_mismatch"
	IOError             Code = "io_error"
	InvalidTransition   Code = "invalid_transition"
	NotConfigured       Code = "not_configured"
	DuplicateIdentity   Code = "duplicate_identity"

	Error Code = "error" // generic fallback
)

// E keeps the failing operation and an optional cause next to the code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.Frozen) match a wrapped *E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New builds an *E with a formatted message.
func New(c Code, op, format string, args ...any) *E {
	return &E{C: c, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to a lower level error.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// HTTPStatus maps a code to the status the REST surface answers with.
func HTTPStatus(c Code) int {
	switch c {
	case NotFound:
		return http.StatusNotFound
	case TypeMismatch, NotLeaf, ShapeMismatch, DegenerateTransform:
		return http.StatusUnprocessableEntity
	case Frozen, InvalidTransition, NotConfigured, DuplicateIdentity:
		return http.StatusConflict
	case RecipeMismatch:
		return http.StatusPreconditionFailed
	case IOError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
