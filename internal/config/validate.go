package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	errs = appendDurationErrors(errs, "POLL_INTERVAL", cfg.PollIntervalStr)
	errs = appendDurationErrors(errs, "LEASE_TTL", cfg.LeaseTTLStr)
	errs = appendDurationErrors(errs, "DISPATCH_TIMEOUT", cfg.DispatchTimeoutStr)
	errs = appendDurationErrors(errs, "DOCTOR_INTERVAL", cfg.DoctorIntervalStr)

	// A lease shorter than the dispatch timeout can expire mid-dispatch and
	// let a second worker fire the same occurrence.
	if cfg.LeaseTTL > 0 && cfg.DispatchTimeout > 0 && cfg.LeaseTTL < cfg.DispatchTimeout {
		errs = append(errs, ValidationError{
			Field:   "LEASE_TTL",
			Message: fmt.Sprintf("must be >= DISPATCH_TIMEOUT (%s), got %s", cfg.DispatchTimeoutStr, cfg.LeaseTTLStr),
		})
	}

	// ANALYTICS_ENABLED and a Redis-backed lease both need REDIS_ADDR
	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when ANALYTICS_ENABLED=true",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationErrors(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
