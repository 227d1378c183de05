package sequence

import "errors"

// ConfigurationError reports a malformed or incomplete sequence
// configuration: a missing condition parameter, an out-of-range skip target,
// a malformed time window. It is never coerced to a boolean outcome and is
// never retried automatically; the enrollment stays at its current step until
// the configuration is corrected.
type ConfigurationError struct {
	ConditionID string
	Detail      string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ErrNotDue is returned when an enrollment is asked to advance before its
// scheduled wake time.
var ErrNotDue = errors.New("enrollment not due yet")

// ErrConflict is returned by the store when a compare-and-set advance loses a
// race with another worker.
var ErrConflict = errors.New("enrollment advanced concurrently")
