package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "lease_duration_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.LeaseDurationSeconds <= 0 {
		errs = append(errs, ValidationError{"lease_duration_seconds", c.LeaseDurationSeconds, "must be positive"})
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		errs = append(errs, ValidationError{"heartbeat_interval_seconds", c.HeartbeatIntervalSeconds, "must be positive"})
	}
	if c.WarningThresholdSeconds < 0 {
		errs = append(errs, ValidationError{"warning_threshold_seconds", c.WarningThresholdSeconds, "must not be negative"})
	} else if c.LeaseDurationSeconds > 0 && c.WarningThresholdSeconds >= c.LeaseDurationSeconds {
		errs = append(errs, ValidationError{"warning_threshold_seconds", c.WarningThresholdSeconds, "must be below lease_duration_seconds"})
	}
	if c.AutoReleaseOnIdle && c.IdleTimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{"idle_timeout_seconds", c.IdleTimeoutSeconds, "must be positive when auto_release_on_idle is set"})
	}
	if c.SweepIntervalSeconds <= 0 {
		errs = append(errs, ValidationError{"sweep_interval_seconds", c.SweepIntervalSeconds, "must be positive"})
	}
	if strings.TrimSpace(c.EventTopic) == "" {
		errs = append(errs, ValidationError{"event_topic", c.EventTopic, "must not be empty"})
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.LogLevel)) {
		errs = append(errs, ValidationError{"log_level", c.LogLevel, "must be one of: " + strings.Join(ValidLogLevels(), ", ")})
	}
	if c.Redis.DB < 0 {
		errs = append(errs, ValidationError{"redis.db", c.Redis.DB, "must not be negative"})
	}
	return errs
}
