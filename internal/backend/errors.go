package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnavailable matches API errors caused by an unreachable or restarting backend.
var ErrUnavailable = errors.New("backend unavailable")

// APIError describes a failed call to the backend API.
type APIError struct {
	Op         string
	StatusCode int    // 0 when no response was received
	Message    string // server-provided message, if any
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: backend returned status %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool {
	if target != ErrUnavailable {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == http.StatusBadGateway || e.StatusCode == http.StatusServiceUnavailable
}

// UserMessage maps the error to the message shown to the user. Client errors surface
// the server message verbatim.
func (e *APIError) UserMessage() string {
	switch {
	case e.StatusCode == http.StatusBadGateway || e.StatusCode == http.StatusServiceUnavailable:
		return "Our service is temporarily unavailable. Please try again in a few minutes."
	case e.StatusCode == 0:
		return "Unable to connect to our servers. Please check your internet connection and try again."
	case e.StatusCode >= 500:
		return "A server error occurred. Please try again later."
	case e.Message != "":
		return e.Message
	default:
		return "There was an issue with your request."
	}
}

// UserMessage returns the user-facing message for err, falling back to fallback when
// err is not an API error.
func UserMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.UserMessage()
	}
	return fallback
}

// serverMessage extracts the human readable message from an error body. FastAPI uses
// "detail", other handlers "message" or "error".
func serverMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"message", "detail", "error"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return ""
}
