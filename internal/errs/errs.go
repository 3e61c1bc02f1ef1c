package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrMediaNotFound   = errors.New("media not found")

	// ErrRequestFailed wraps any request rejected by the API or the network.
	ErrRequestFailed = errors.New("request failed")
	// ErrInvalidResponse means a payload failed boundary validation.
	ErrInvalidResponse = errors.New("invalid response")

	ErrMicrophoneUnavailable = errors.New("microphone unavailable: permission denied or no input device")
	ErrNotConnected          = errors.New("realtime: not connected")
	ErrEmptyMessage          = errors.New("message body and media are both empty")
	ErrNoTicketSelected      = errors.New("no ticket selected")
	ErrNoRecording           = errors.New("no finished recording")
	ErrInvalidStatus         = errors.New("invalid ticket status")
	ErrMediaTooLarge         = errors.New("media exceeds size limit")
	ErrEmptyMedia            = errors.New("empty media upload")
)

// APIError carries the HTTP status and server message of a rejected request.
// It matches ErrRequestFailed with errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool { return target == ErrRequestFailed }

type ValidationIssue struct{ Field, Reason string }

// ValidationError collects every problem found in a response payload.
type ValidationError struct {
	Endpoint string
	Issues   []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidResponse, e.Endpoint, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidResponse }

func (e *ValidationError) Add(field, reason string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: field, Reason: reason})
}

// Err returns nil when no issues were recorded.
func (e *ValidationError) Err() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
