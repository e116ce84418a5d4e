package errors

// SDK error codes, grouped by the component that raises them.
const (
	// Configuration Errors (1000 to 1099)
	CodeConfigError      int = 1000 // Generic configuration error
	CodeMissingParameter int = 1001 // Required parameter missing
	CodeInvalidParameter int = 1002 // Parameter has invalid value
	CodeConfigFile       int = 1003 // Configuration file unreadable or malformed

	// Authentication Errors (1100 to 1199)
	CodeMissingCredential int = 1100 // Neither private key nor API key supplied
	CodeInvalidCredential int = 1101 // Credential could not be parsed
	CodeSigningFailed     int = 1102 // Request signing failed

	// Transport Errors (1200 to 1299)
	CodeTransportError    int = 1200 // Generic transport error
	CodeConnectionFailed  int = 1201 // Failed to establish connection
	CodeConnectionLost    int = 1202 // Connection lost during operation
	CodeConnectionTimeout int = 1203 // Connection timed out or went silent
	CodeEventSourceError  int = 1204 // Event stream could not be read

	// API Errors (1300 to 1399)
	CodeAPIError int = 1300 // Backend answered with a non-success status
	CodeNotFound int = 1301 // Backend answered 404
	CodeConflict int = 1302 // Backend answered 409

	// Serialization Errors (1400 to 1499)
	CodeSerializationError int = 1400 // Payload could not be encoded or decoded

	// Delivery Errors (1500 to 1599)
	CodeCallbackFailed     int = 1500 // A user callback returned an error or panicked
	CodeOperationCancelled int = 1501 // Operation was cancelled
	CodeInternalError      int = 1502 // Unexpected internal failure
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeConfigError:      {CodeConfigError, "ConfigError", "Invalid configuration", CategoryConfig, SeverityCritical},
	CodeMissingParameter: {CodeMissingParameter, "MissingParameter", "Required parameter missing", CategoryConfig, SeverityCritical},
	CodeInvalidParameter: {CodeInvalidParameter, "InvalidParameter", "Invalid parameter value", CategoryConfig, SeverityCritical},
	CodeConfigFile:       {CodeConfigFile, "ConfigFile", "Configuration file error", CategoryConfig, SeverityCritical},

	CodeMissingCredential: {CodeMissingCredential, "MissingCredential", "No credential supplied", CategoryAuth, SeverityCritical},
	CodeInvalidCredential: {CodeInvalidCredential, "InvalidCredential", "Credential could not be parsed", CategoryAuth, SeverityCritical},
	CodeSigningFailed:     {CodeSigningFailed, "SigningFailed", "Request signing failed", CategoryAuth, SeverityError},

	CodeTransportError:    {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeConnectionFailed:  {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryTransport, SeverityError},
	CodeConnectionLost:    {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryTransport, SeverityWarning},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timeout", CategoryTransport, SeverityWarning},
	CodeEventSourceError:  {CodeEventSourceError, "EventSourceError", "Event stream error", CategoryTransport, SeverityError},

	CodeAPIError: {CodeAPIError, "APIError", "API error", CategoryAPI, SeverityError},
	CodeNotFound: {CodeNotFound, "NotFound", "Resource not found", CategoryAPI, SeverityError},
	CodeConflict: {CodeConflict, "Conflict", "Resource already exists", CategoryAPI, SeverityWarning},

	CodeSerializationError: {CodeSerializationError, "SerializationError", "Serialization error", CategorySerialization, SeverityError},

	CodeCallbackFailed:     {CodeCallbackFailed, "CallbackFailed", "Callback failed", CategoryCallback, SeverityError},
	CodeOperationCancelled: {CodeOperationCancelled, "OperationCancelled", "Operation cancelled", CategoryCancelled, SeverityInfo},
	CodeInternalError:      {CodeInternalError, "InternalError", "Internal error", CategoryInternal, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// ListErrorCodes returns all registered error codes
func ListErrorCodes() []ErrorCodeInfo {
	codes := make([]ErrorCodeInfo, 0, len(errorCodeRegistry))
	for _, info := range errorCodeRegistry {
		codes = append(codes, info)
	}
	return codes
}

// newCoded builds an error whose category and severity come from the registry.
func newCoded(code int, cause error, message string) SDKError {
	return WrapError(cause, code, message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
}
