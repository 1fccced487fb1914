package pennant

import (
	"fmt"
)

// Error types that may be returned by Pennant operations.

// ConfigError indicates invalid client configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

// EvaluationError represents a failure while evaluating a flag. It is
// returned when neither local nor remote evaluation could produce a
// result, never for a flag that merely evaluates to false.
type EvaluationError struct {
	FlagKey string
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error for flag %s: %v", e.FlagKey, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// QuotaLimitedError indicates the remote service refused the request
// because the feature-flag quota is exhausted.
type QuotaLimitedError struct{}

func (e *QuotaLimitedError) Error() string {
	return "feature flags quota limited"
}
