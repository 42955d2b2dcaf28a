// Package errs is the error taxonomy shared by billing services and HTTP handlers.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	// KindUpstream means the provider rejected the call. Nothing local was
	// mutated before the call, so the caller may retry.
	KindUpstream Kind = "upstream_rejected"
	// KindApplyFailed means the provider already moved money or state but the
	// local write failed. These need manual reconciliation, never a silent retry.
	KindApplyFailed Kind = "apply_failed"
	KindInternal    Kind = "internal"
)

// Error carries a stable machine code and a user facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels survive Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause, optionally overriding the message.
func (e *Error) Wrap(cause error, message string) *Error {
	cp := *e
	cp.Err = cause
	if message != "" {
		cp.Message = message
	}
	return &cp
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }
func NotFound(code, message string) *Error   { return New(KindNotFound, code, message) }
func Upstream(code, message string) *Error   { return New(KindUpstream, code, message) }
func ApplyFailed(code, message string) *Error {
	return New(KindApplyFailed, code, message)
}
func Internal(code, message string) *Error { return New(KindInternal, code, message) }

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrUnauthorized = New(KindUnauthorized, "unauthorized", "로그인이 필요합니다.")
	ErrInvalidInput = Validation("invalid_input", "입력값이 올바르지 않습니다.")
	ErrInternal     = Internal("internal_error", "요청을 처리하지 못했습니다.")
)
