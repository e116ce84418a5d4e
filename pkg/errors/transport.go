package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Operation  string        `json:"operation,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Connected  bool          `json:"connected"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// ConnectionErrorData contains structured data for connection-related errors
type ConnectionErrorData struct {
	Endpoint  string        `json:"endpoint,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Retryable bool          `json:"retryable"`
	Reason    string        `json:"reason,omitempty"`
}

func reason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func host(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// TransportError creates a generic transport error for a failed request.
// The network never produced a usable response, so the call may be retried.
func TransportError(operation, endpoint string, cause error) SDKError {
	message := "transport error"
	if operation != "" {
		message = fmt.Sprintf("transport error during %s", operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return newCoded(CodeTransportError, cause, message).WithData(&TransportErrorData{
		Operation: operation,
		Endpoint:  endpoint,
		Retryable: true,
		Reason:    reason(cause),
	})
}

// ConnectionFailed creates an error for connection failures
func ConnectionFailed(endpoint string, cause error) SDKError {
	message := "failed to connect"
	if endpoint != "" {
		message = fmt.Sprintf("failed to connect to %s", host(endpoint))
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return newCoded(CodeConnectionFailed, cause, message).WithData(&ConnectionErrorData{
		Endpoint:  host(endpoint),
		Retryable: true,
		Reason:    reason(cause),
	})
}

// ConnectionLost creates an error for a stream that ended unexpectedly
func ConnectionLost(endpoint string, cause error) SDKError {
	message := "connection lost"
	if endpoint != "" {
		message = fmt.Sprintf("lost connection to %s", host(endpoint))
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return newCoded(CodeConnectionLost, cause, message).WithData(&ConnectionErrorData{
		Endpoint:  host(endpoint),
		Retryable: true,
		Reason:    reason(cause),
	})
}

// ConnectionTimeout creates an error for connections that timed out or
// stayed silent longer than allowed.
func ConnectionTimeout(endpoint string, timeout time.Duration) SDKError {
	message := "connection timeout"
	if endpoint != "" {
		message = fmt.Sprintf("connection timeout to %s", host(endpoint))
	}
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}

	return newCoded(CodeConnectionTimeout, nil, message).WithData(&ConnectionErrorData{
		Endpoint:  host(endpoint),
		Timeout:   timeout,
		Retryable: true,
		Reason:    "timeout",
	})
}

// EventSourceError creates an error for Server-Sent Events issues
func EventSourceError(endpoint, why string, cause error) SDKError {
	message := fmt.Sprintf("event source error: %s", why)
	if endpoint != "" {
		message = fmt.Sprintf("event source error for %s: %s", host(endpoint), why)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return newCoded(CodeEventSourceError, cause, message).WithData(&TransportErrorData{
		Operation: "event_stream",
		Endpoint:  endpoint,
		Retryable: true,
		Reason:    why,
	})
}

// OperationCancelled creates an error for operations aborted by their context
func OperationCancelled(operation string, cause error) SDKError {
	return newCoded(CodeOperationCancelled, cause, fmt.Sprintf("%s cancelled", operation))
}
