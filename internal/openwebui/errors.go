package openwebui

import "fmt"

// AuthError covers 401/403 from the server: the API key is wrong or revoked.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("openwebui: authentication rejected (status %d)", e.Status)
}

// UpstreamError covers network failures and any other non-2xx status.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("openwebui: upstream request failed: %v", e.Err)
	}
	return fmt.Sprintf("openwebui: upstream status %d", e.Status)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ParseError covers response bodies that are not valid JSON or lack the
// fields the caller needs. Raw keeps the offending payload for diagnostics.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return "openwebui: " + e.Reason
}
