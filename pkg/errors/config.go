package errors

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ParameterErrorData contains structured data for parameter-related errors
type ParameterErrorData struct {
	Parameter string      `json:"parameter"`
	Value     interface{} `json:"value,omitempty"`
	Required  bool        `json:"required,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// InvalidParameter creates an error for a configuration value that is present
// but unusable.
func InvalidParameter(param string, value interface{}, why string) SDKError {
	return newCoded(CodeInvalidParameter, nil,
		fmt.Sprintf("invalid configuration '%s': %s", param, why),
	).WithData(&ParameterErrorData{
		Parameter: param,
		Value:     value,
		Reason:    why,
	})
}

// MissingParameter creates an error for missing required parameters
func MissingParameter(param string) SDKError {
	return newCoded(CodeMissingParameter, nil,
		fmt.Sprintf("missing required configuration '%s'", param),
	).WithData(&ParameterErrorData{
		Parameter: param,
		Required:  true,
		Reason:    "required",
	})
}

// ConfigFileError creates an error for an unreadable or malformed config file.
func ConfigFileError(path string, cause error) SDKError {
	return newCoded(CodeConfigFile, cause, fmt.Sprintf("config file %s: %s", path, reason(cause)))
}

// CombineConfigErrors folds the problems found while validating a
// configuration into one ConfigError. It returns nil when errs is empty
// and the single error unchanged when there is only one.
func CombineConfigErrors(errs ...error) SDKError {
	combined := multierr.Combine(errs...)
	if combined == nil {
		return nil
	}

	all := multierr.Errors(combined)
	if len(all) == 1 {
		if sdkErr, ok := AsSDKError(all[0]); ok {
			return sdkErr
		}
	}

	messages := make([]string, len(all))
	data := make([]interface{}, len(all))
	for i, err := range all {
		messages[i] = err.Error()
		if sdkErr, ok := AsSDKError(err); ok {
			data[i] = sdkErr.Data()
		}
	}

	return WrapError(
		combined,
		CodeConfigError,
		fmt.Sprintf("invalid configuration: %s", strings.Join(messages, "; ")),
		CategoryConfig,
		SeverityCritical,
	).WithData(map[string]interface{}{
		"errors": data,
		"count":  len(all),
	})
}
