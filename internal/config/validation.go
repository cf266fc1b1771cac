package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate reports every problem of the configuration at once.
func (c *JobConfig) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if u, err := url.Parse(c.Broker.URL); c.Broker.URL == "" || err != nil || u.Host == "" {
		add("broker.url", "must be an absolute http(s) URL")
	}
	if c.Storage.URL == "" {
		add("storage.url", "is required")
	} else if u, err := url.Parse(c.Storage.URL); err != nil || (u.Scheme != "file" && u.Scheme != "s3") {
		add("storage.url", "scheme must be file or s3")
	}
	if strings.Contains(c.WorkDir(), "..") {
		add("storage.work_dir", "must not contain '..'")
	}

	if c.Auth.Enabled {
		if c.Auth.Principal == "" {
			add("auth.principal", "is required when auth is enabled")
		}
		if c.Auth.Keytab == "" {
			add("auth.keytab", "is required when auth is enabled")
		}
	}

	if strings.TrimSpace(c.App.Name) == "" {
		add("app.name", "is required")
	}
	if c.App.Queue == "" {
		add("app.queue", "is required")
	}
	if c.App.CheckStatusInterval <= 0 {
		add("app.check_status_interval", "must be positive")
	}
	if c.App.CompletionPollInterval <= 0 {
		add("app.completion_poll_interval", "must be positive")
	}

	if c.Coordinator.MemoryMB <= 0 {
		add("coordinator.memory_mb", "must be positive")
	}
	if c.Coordinator.VCores <= 0 {
		add("coordinator.vcores", "must be positive")
	}
	if c.Task.MemoryMB <= 0 {
		add("task.memory_mb", "must be positive")
	}
	if c.Task.VCores <= 0 {
		add("task.vcores", "must be positive")
	}
	if c.Task.Count < 0 {
		add("task.count", "must not be negative")
	}

	if c.Runnable.Path == "" {
		add("runnable.path", "is required")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
