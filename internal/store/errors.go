package store

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure so callers can map it onto their own protocol.
type Kind string

const (
	// KindNotFound reports that a required project, fragment, event or revision is absent.
	KindNotFound Kind = "not_found"
	// KindConflict reports a uniqueness violation such as a duplicate fragment path.
	KindConflict Kind = "conflict"
	// KindValidation reports rejected input; nothing was written.
	KindValidation Kind = "validation_failed"
	// KindRetryable reports a transient busy or serialization failure; the transaction rolled back.
	KindRetryable Kind = "retryable"
	// KindInternal reports an unexpected failure; the transaction rolled back.
	KindInternal Kind = "internal"
)

var (
	// ErrNotFound matches every ServiceError of KindNotFound.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches every ServiceError of KindConflict.
	ErrConflict = errors.New("conflict")
	// ErrValidation matches every ServiceError of KindValidation.
	ErrValidation = errors.New("validation failed")
	// ErrRetryable matches every ServiceError of KindRetryable.
	ErrRetryable = errors.New("retryable")
	// ErrInternal matches every ServiceError of KindInternal.
	ErrInternal = errors.New("internal")
)

var kindSentinels = map[Kind]error{
	KindNotFound:   ErrNotFound,
	KindConflict:   ErrConflict,
	KindValidation: ErrValidation,
	KindRetryable:  ErrRetryable,
	KindInternal:   ErrInternal,
}

// ServiceError carries a stable "<operation>.<reason>" code and a Kind alongside the cause.
type ServiceError struct {
	code string
	kind Kind
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is lets errors.Is match the kind sentinels without losing the wrapped cause.
func (e *ServiceError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.kind]
	return ok && sentinel == target
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() Kind {
	return e.kind
}

// NewError builds a ServiceError coded as "<operation>.<reason>".
func NewError(operation, reason string, kind Kind, cause error) error {
	if kind == "" {
		kind = KindInternal
	}
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// KindOf reports the Kind of the first ServiceError in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	if IsRetryable(err) {
		return KindRetryable
	}
	return KindInternal
}

// CodeOf reports the code of the first ServiceError in the chain, or an empty string.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}
