package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// maxBodyInMessage bounds how much of a non-JSON error body ends up in the message.
const maxBodyInMessage = 256

// APIError is returned when the OpenPond backend answers with a non-success
// status. The status and the backend's message are preserved verbatim.
type APIError struct {
	baseError
	status int
}

// NewAPIError creates an APIError for the given HTTP status and backend message.
func NewAPIError(status int, message string) *APIError {
	code := CodeAPIError
	switch status {
	case http.StatusNotFound:
		code = CodeNotFound
	case http.StatusConflict:
		code = CodeConflict
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{
		baseError: baseError{
			code:     code,
			message:  message,
			category: CategoryAPI,
			severity: GetErrorCodeSeverity(code),
			context:  &Context{Timestamp: time.Now()},
		},
		status: status,
	}
}

// APIErrorFromBody builds an APIError from a response body. It understands
// the backend's {"status", "message"} shape and the older {"error"} shape and
// falls back to the raw text.
func APIErrorFromBody(status int, body []byte) *APIError {
	var payload struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		message = payload.Message
		if message == "" {
			message = payload.Error
		}
	} else {
		message = strings.TrimSpace(string(body))
		if len(message) > maxBodyInMessage {
			message = message[:maxBodyInMessage]
		}
	}
	return NewAPIError(status, message)
}

// Error implements the error interface
func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error: %d - %s", e.status, e.message)
	if e.details != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.details)
	}
	return msg
}

// Status returns the HTTP status code reported by the backend.
func (e *APIError) Status() int {
	return e.status
}

// Retryable reports whether the status indicates a transient condition.
func (e *APIError) Retryable() bool {
	return e.status >= 500 || e.status == http.StatusTooManyRequests || e.status == http.StatusRequestTimeout
}

func (e *APIError) WithContext(ctx *Context) SDKError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

func (e *APIError) WithDetail(detail string) SDKError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *APIError) WithData(data interface{}) SDKError {
	newErr := *e
	newErr.data = data
	return &newErr
}

func (e *APIError) ToJSON() map[string]interface{} {
	result := e.baseError.ToJSON()
	result["status"] = e.status
	return result
}

// MarshalJSON implements json.Marshaler
func (e *APIError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// AsAPIError finds the first APIError in err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the backend.
func IsConflict(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.status == http.StatusConflict
}
