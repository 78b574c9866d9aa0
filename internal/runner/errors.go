package runner

import (
	"errors"
	"fmt"
)

// ExitCodeError propagates the exact exit status of the agent process that ran
// inside the container. Main unwraps it so the CLI can exit with that status.
type ExitCodeError struct {
	code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func (e *ExitCodeError) ExitCode() int {
	return e.code
}

// ConfigError reports an invalid launch request. It is always returned before
// any container runtime command runs.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ExitCode is 2 for every configuration error.
func (e *ConfigError) ExitCode() int {
	return 2
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by this package to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return 1
}
