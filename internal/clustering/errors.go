package clustering

import (
	"context"
	"errors"
	"fmt"

	"github.com/thebtf/clusterd/pkg/similarity"
)

// Kind classifies engine failures.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindPersistence          Kind = "persistence_error"
	KindClusterNotFound      Kind = "cluster_not_found"
	KindInvalidArguments     Kind = "invalid_arguments"
	KindDimensionMismatch    Kind = "dimension_mismatch"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrPersistence          = errors.New("persistence error")
	ErrClusterNotFound      = errors.New("cluster not found")
	ErrInvalidArguments     = errors.New("invalid arguments")
	ErrDimensionMismatch    = similarity.ErrDimensionMismatch

	ErrTextTooShort = fmt.Errorf("%w: text too short", ErrInvalidInput)
	ErrTextTooLong  = fmt.Errorf("%w: text too long", ErrInvalidInput)
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindEmbeddingUnavailable:
		return ErrEmbeddingUnavailable
	case KindClusterNotFound:
		return ErrClusterNotFound
	case KindInvalidArguments:
		return ErrInvalidArguments
	case KindDimensionMismatch:
		return ErrDimensionMismatch
	default:
		return ErrPersistence
	}
}

// Error is returned by every engine operation. errors.Is matches both the
// kind sentinel and the underlying cause.
type Error struct {
	Op   string
	Kind Kind
	Err  error
	// Transient marks failures the caller may retry unchanged.
	Transient bool
}

// NewError builds an Error whose Transient flag follows the kind.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{
		Op:        op,
		Kind:      kind,
		Err:       err,
		Transient: kind == KindEmbeddingUnavailable || kind == KindPersistence,
	}
}

func (e *Error) Error() string {
	sentinel := e.Kind.sentinel()
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, sentinel)
	case errors.Is(e.Err, sentinel):
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, sentinel, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the kind of err, or "" when err did not come from the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// storeError classifies an error returned from the Store.
func storeError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			cp := *e
			cp.Op = op
			return &cp
		}
		return e
	}
	switch {
	case errors.Is(err, ErrClusterNotFound):
		return NewError(op, KindClusterNotFound, err)
	case errors.Is(err, ErrDimensionMismatch):
		return NewError(op, KindDimensionMismatch, err)
	case errors.Is(err, context.Canceled):
		pe := NewError(op, KindPersistence, err)
		pe.Transient = false
		return pe
	default:
		return NewError(op, KindPersistence, err)
	}
}
