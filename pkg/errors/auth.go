package errors

import "fmt"

// MissingCredential is returned when neither a private key nor an API key
// was supplied and anonymous access is not enabled.
func MissingCredential() SDKError {
	return newCoded(CodeMissingCredential, nil,
		"no credential supplied: set a private key or an API key")
}

// InvalidCredential is returned when a supplied credential cannot be used.
func InvalidCredential(kind string, cause error) SDKError {
	message := fmt.Sprintf("invalid %s", kind)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return newCoded(CodeInvalidCredential, cause, message)
}

// SigningFailed is returned when a request could not be signed.
func SigningFailed(cause error) SDKError {
	return newCoded(CodeSigningFailed, cause, fmt.Sprintf("request signing failed: %s", reason(cause)))
}
