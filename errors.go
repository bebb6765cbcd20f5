package launchdarkly

import (
	"errors"
	"fmt"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
)

var errMissingMobileKey = domain.NewInvalidArgumentError(ArgMobileKey, "must not be empty")

// ConfigError indicates invalid configuration.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error [%s]: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
