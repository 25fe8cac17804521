package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags plus cross-field rules.
// Errors carry actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateScannerWorker(); err != nil {
		return err
	}
	return nil
}

// validateScannerWorker enforces the full/lite contract: full mode needs a
// worker command, lite mode must not configure one.
func (c *Config) validateScannerWorker() error {
	switch c.Scanner.Mode {
	case ScannerModeFull:
		if len(c.Scanner.WorkerCommand) == 0 {
			return errors.New("scanner.worker_command is required in full mode (or set scanner.mode: lite)")
		}
	case ScannerModeLite:
		if len(c.Scanner.WorkerCommand) > 0 {
			return errors.New("scanner.worker_command must be empty in lite mode")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a friendly message for one error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
