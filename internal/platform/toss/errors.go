package toss

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const codeMethodNotAllowed = "METHOD_NOT_ALLOWED"

// ProviderError is returned for every non-2xx provider response.
// Payload is the decoded body, empty when the body was not JSON.
type ProviderError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Payload map[string]any
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("toss %s: %d %s: %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("toss %s: %d: %s", e.Op, e.Status, e.Message)
}

// MethodNotAllowed reports whether the provider refused the HTTP method of
// the route rather than the request itself. Only the status and the error
// code decide; messages are localized and not stable.
func (e *ProviderError) MethodNotAllowed() bool {
	if e == nil {
		return false
	}
	return e.Status == http.StatusMethodNotAllowed || strings.EqualFold(e.Code, codeMethodNotAllowed)
}

func (e *ProviderError) NotFound() bool {
	return e != nil && e.Status == http.StatusNotFound
}

func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// PayloadOf returns the provider payload carried by err, or an empty map.
func PayloadOf(err error) map[string]any {
	if pe, ok := AsProviderError(err); ok && pe.Payload != nil {
		return pe.Payload
	}
	return map[string]any{}
}

// MessageOf returns the provider's own message when err carries one.
func MessageOf(err error) string {
	if pe, ok := AsProviderError(err); ok {
		return pe.Message
	}
	return ""
}
