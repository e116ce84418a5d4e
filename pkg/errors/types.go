// Package errors provides structured error handling for the OpenPond SDK.
// Every error returned by the SDK implements SDKError, which carries a numeric
// code, a category used for retry and routing decisions, and optional context
// about the operation that failed.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category represents the type/category of an error for classification and handling
type Category string

const (
	CategoryConfig        Category = "config"
	CategoryAuth          Category = "auth"
	CategoryTransport     Category = "transport"
	CategoryAPI           Category = "api"
	CategorySerialization Category = "serialization"
	CategoryCallback      Category = "callback"
	CategoryTimeout       Category = "timeout"
	CategoryCancelled     Category = "cancelled"
	CategoryInternal      Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	RequestID  string                 `json:"request_id,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Component  string                 `json:"component,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
}

// SDKError defines the interface for all OpenPond SDK errors
type SDKError interface {
	error

	// Code returns the SDK error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	Category() Category
	Severity() Severity
	Context() *Context

	// WithContext returns a new error with the provided context
	WithContext(ctx *Context) SDKError

	// WithDetail returns a new error with additional detail
	WithDetail(detail string) SDKError

	// WithData returns a new error with structured data
	WithData(data interface{}) SDKError

	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

// Error implements the error interface
func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int {
	return e.code
}

func (e *baseError) Message() string {
	return e.message
}

func (e *baseError) Details() string {
	return e.details
}

func (e *baseError) Data() interface{} {
	return e.data
}

func (e *baseError) Category() Category {
	return e.category
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) Context() *Context {
	return e.context
}

func (e *baseError) WithContext(ctx *Context) SDKError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

func (e *baseError) WithDetail(detail string) SDKError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *baseError) WithData(data interface{}) SDKError {
	newErr := *e
	newErr.data = data
	return &newErr
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// MarshalJSON implements json.Marshaler for baseError
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewError creates a new SDKError with the specified parameters
func NewError(code int, message string, category Category, severity Severity) SDKError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// NewErrorf creates a new SDKError with formatted message
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) SDKError {
	return NewError(code, fmt.Sprintf(format, args...), category, severity)
}

// WrapError wraps an existing error as an SDKError
func WrapError(err error, code int, message string, category Category, severity Severity) SDKError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// WrapErrorf wraps an existing error as an SDKError with formatted message
func WrapErrorf(err error, code int, category Category, severity Severity, format string, args ...interface{}) SDKError {
	return WrapError(err, code, fmt.Sprintf(format, args...), category, severity)
}

// AsSDKError finds the first SDKError in err's chain.
func AsSDKError(err error) (SDKError, bool) {
	if err == nil {
		return nil, false
	}
	var sdkErr SDKError
	if stderrors.As(err, &sdkErr) {
		return sdkErr, true
	}
	return nil, false
}

// IsSDKError checks if an error is an SDKError
func IsSDKError(err error) bool {
	_, ok := AsSDKError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if sdkErr, ok := AsSDKError(err); ok {
		return sdkErr.Category() == category
	}
	return false
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code int) bool {
	if sdkErr, ok := AsSDKError(err); ok {
		return sdkErr.Code() == code
	}
	return false
}

// IsRetryable reports whether repeating the operation that produced err
// may succeed. Transport failures and API errors for 408, 429 and 5xx are
// retryable; everything else is not.
func IsRetryable(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Retryable()
	}
	sdkErr, ok := AsSDKError(err)
	if !ok {
		return false
	}
	switch sdkErr.Category() {
	case CategoryTransport, CategoryTimeout:
		return true
	default:
		return false
	}
}
