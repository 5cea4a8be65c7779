package authkernel

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePlugin is returned when a plugin name is registered twice.
	ErrDuplicatePlugin = errors.New("plugin already registered")
	// ErrPluginNotFound is returned when an operation names an unregistered plugin.
	ErrPluginNotFound = errors.New("plugin not registered")
	// ErrInvalidPlugin is returned when a nil plugin or a plugin without a name is registered.
	ErrInvalidPlugin = errors.New("invalid plugin")
	// ErrPluginInstall is the sentinel matched by every InstallError.
	ErrPluginInstall = errors.New("plugin install failed")
	// ErrRefreshTokenMissing is returned when a refresh is requested with no refresh token held.
	ErrRefreshTokenMissing = errors.New("no refresh token available")
	// ErrRefreshFuncMissing is returned when a refresh is requested before a refresh function was set.
	ErrRefreshFuncMissing = errors.New("refresh function not configured")
	// ErrRefreshFailed is the sentinel matched by every RefreshError.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrCapabilityUnavailable is returned when no installed plugin provides a capability.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	// ErrInvalidTokenSet is returned when a token set has no access token.
	ErrInvalidTokenSet = errors.New("invalid token set")
	// ErrKernelDestroyed is returned by every operation after Destroy.
	ErrKernelDestroyed = errors.New("kernel destroyed")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid config")
)

// ConfigurationError reports a plugin registry misuse.
type ConfigurationError struct {
	Plugin string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("authkernel: plugin %q: %v", e.Plugin, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// InstallError reports a plugin whose Install returned an error or panicked.
type InstallError struct {
	Plugin string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("authkernel: install plugin %q: %v", e.Plugin, e.Err)
}

func (e *InstallError) Unwrap() []error {
	return []error{ErrPluginInstall, e.Err}
}

// RefreshError is returned when every refresh attempt failed.
type RefreshError struct {
	Attempts int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("authkernel: token refresh failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() []error {
	return []error{ErrRefreshFailed, e.Err}
}

func configError(plugin string, err error) error {
	return &ConfigurationError{Plugin: plugin, Err: err}
}
