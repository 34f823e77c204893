package verifier

import "fmt"

// ConfigurationError indicates an invalid session setup: missing key for a
// signed/encrypted flow, no flow selected, or DC API URL misuse. It aborts
// session creation before any session exists.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func newConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError indicates a malformed declarative query. It aborts session
// creation before any session exists.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProtocolError is a fatal condition during response handling. Code is a
// machine-readable error code surfaced to the wallet.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	ErrMissingStateParameter = &ProtocolError{
		Code:    "missing_state_parameter",
		Message: "direct_post response received without 'state' parameter",
	}
	ErrInvalidStateParameter = &ProtocolError{
		Code:    "invalid_state_parameter",
		Message: "no verification session for the received state",
	}
	ErrStateMismatch = &ProtocolError{
		Code:    "state_mismatch",
		Message: "received state does not match the session's state",
	}
	ErrMalformedVPToken = &ProtocolError{
		Code:    "malformed_vp_token",
		Message: "vp_token is not a JSON object of query id to presentation list",
	}
	ErrSessionAlreadyProcessed = &ProtocolError{
		Code:    "session_already_processed",
		Message: "verification session already reached a final status",
	}
	ErrReattemptNotAllowed = &ProtocolError{
		Code:    "reattempt_not_allowed",
		Message: "verification session does not allow a second presentation",
	}
	ErrPresentationValidationFailed = &ProtocolError{
		Code:    "presentation_validation_failed",
		Message: "one or more presentations in vp_token failed validation",
	}
	ErrRequiredCredentialsNotProvided = &ProtocolError{
		Code:    "required_credentials_not_provided",
		Message: "the validated presentations do not fulfill the dcql query",
	}
)
