package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// SerializationError is returned when a payload cannot be encoded or a
// response cannot be decoded.
func SerializationError(what string, cause error) SDKError {
	message := fmt.Sprintf("failed to decode %s", what)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return newCoded(CodeSerializationError, cause, message)
}

// CallbackErrorData identifies the callback that failed.
type CallbackErrorData struct {
	Callback  string      `json:"callback"`
	MessageID string      `json:"message_id,omitempty"`
	Panic     interface{} `json:"panic,omitempty"`
}

// CallbackError wraps an error returned by a user callback.
func CallbackError(callback, messageID string, cause error) SDKError {
	return newCoded(CodeCallbackFailed, cause,
		fmt.Sprintf("%s callback failed: %s", callback, reason(cause)),
	).WithData(&CallbackErrorData{
		Callback:  callback,
		MessageID: messageID,
	})
}

// CallbackPanic wraps a value recovered from a panicking user callback.
func CallbackPanic(callback, messageID string, recovered interface{}) SDKError {
	return newCoded(CodeCallbackFailed, nil,
		fmt.Sprintf("%s callback panicked: %v", callback, recovered),
	).WithData(&CallbackErrorData{
		Callback:  callback,
		MessageID: messageID,
		Panic:     recovered,
	})
}

// FromContextError converts a context error into an SDKError, so callers
// can test for cancellation with IsCategory.
func FromContextError(operation string, err error) SDKError {
	if sdkErr, ok := AsSDKError(err); ok {
		return sdkErr
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return OperationCancelled(operation, err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, CodeConnectionTimeout,
			fmt.Sprintf("%s timed out", operation), CategoryTimeout, SeverityError)
	default:
		return WrapError(err, CodeInternalError,
			fmt.Sprintf("%s failed: %s", operation, reason(err)), CategoryInternal, SeverityError)
	}
}
