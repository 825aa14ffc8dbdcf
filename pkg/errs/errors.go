// Package errs defines the error taxonomy shared by the resolver, the gateway,
// the service clients and the election coordinator.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNoAvailableTarget  = errors.New("no available target")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrInvalidManifest    = errors.New("invalid manifest")
	ErrInvalidDefinition  = errors.New("invalid definition")
)

// NoAvailableTargetError is returned when every configured endpoint of a
// service is unreachable.
type NoAvailableTargetError struct {
	Service   string
	Endpoints []string
}

func (e *NoAvailableTargetError) Error() string {
	return fmt.Sprintf("could not find an available %s endpoint (tried: %s)",
		e.Service, strings.Join(e.Endpoints, ", "))
}

func (e *NoAvailableTargetError) Is(target error) bool { return target == ErrNoAvailableTarget }

func (e *NoAvailableTargetError) HTTPStatus() int { return http.StatusServiceUnavailable }

// RequestInfo describes the request that produced an UnexpectedResponseError.
type RequestInfo struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Body   []byte `json:"body,omitempty"`
}

// UnexpectedResponseError wraps transport failures, non-2xx statuses and
// bodies that could not be decoded or validated. Status is 0 when no
// response was received.
type UnexpectedResponseError struct {
	Status  int
	Reason  string
	Body    []byte
	Request *RequestInfo
	Cause   error
}

func (e *UnexpectedResponseError) Error() string {
	var b strings.Builder
	b.WriteString("unexpected response")
	if e.Request != nil {
		fmt.Fprintf(&b, " from %s %s", e.Request.Method, e.Request.URL)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": %d %s", e.Status, e.Reason)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *UnexpectedResponseError) Is(target error) bool { return target == ErrUnexpectedResponse }

func (e *UnexpectedResponseError) Unwrap() error { return e.Cause }

func (e *UnexpectedResponseError) HTTPStatus() int { return http.StatusBadGateway }

// Transport reports whether the request never produced a response.
func (e *UnexpectedResponseError) Transport() bool { return e.Status == 0 }

// InvalidManifestError carries the mediator's validation verdict.
type InvalidManifestError struct {
	Message string
	Details json.RawMessage
}

func (e *InvalidManifestError) Error() string {
	if e.Message == "" {
		return "manifest rejected by mediator"
	}
	return "manifest rejected by mediator: " + e.Message
}

func (e *InvalidManifestError) Is(target error) bool { return target == ErrInvalidManifest }

func (e *InvalidManifestError) HTTPStatus() int { return http.StatusUnprocessableEntity }

// InvalidDefinitionError is a local structural failure detected before any I/O.
type InvalidDefinitionError struct {
	Field   string
	Message string
}

func (e *InvalidDefinitionError) Error() string {
	if e.Field == "" {
		return "invalid definition: " + e.Message
	}
	return fmt.Sprintf("invalid definition: %s: %s", e.Field, e.Message)
}

func (e *InvalidDefinitionError) Is(target error) bool { return target == ErrInvalidDefinition }

func (e *InvalidDefinitionError) HTTPStatus() int { return http.StatusBadRequest }

// Definition is a shorthand constructor for InvalidDefinitionError.
func Definition(field, format string, args ...any) error {
	return &InvalidDefinitionError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps an error from the taxonomy to an HTTP status code.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return http.StatusInternalServerError
}
