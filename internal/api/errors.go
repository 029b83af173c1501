package api

import (
	"fmt"
)

// APIError represents a non-2xx response from the dashboard backend.
type APIError struct {
	StatusCode int            `json:"-"`
	Detail     string         `json:"detail,omitempty"`
	Raw        map[string]any `json:"-"`
	RequestID  string         `json:"-"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		if e.RequestID != "" {
			return fmt.Sprintf("api error: status=%d request_id=%s detail=%s", e.StatusCode, e.RequestID, e.Detail)
		}
		return fmt.Sprintf("api error: status=%d detail=%s", e.StatusCode, e.Detail)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("api error: status=%d request_id=%s", e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("api error: status=%d", e.StatusCode)
}

// AuthError indicates rejected credentials, a duplicate account or an
// invalid token. Error returns the server's detail verbatim so it can be
// shown next to the auth form.
type AuthError struct{ *APIError }

func (e *AuthError) Error() string { return e.Detail }

// RemoteError indicates any other non-2xx response carrying a detail.
type RemoteError struct{ *APIError }

func (e *RemoteError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("remote error: %s", e.APIError.Error())
}

// ValidationError is raised before any request is sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// TransportError indicates the backend could not be reached or answered
// with a payload that could not be decoded.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "transport error"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
