package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrProbeTimeout means the probe did not complete within its timeout.
	ErrProbeTimeout = errors.New("probe timeout")
	// ErrProbeRefused means the node could not be reached.
	ErrProbeRefused = errors.New("probe refused")
	// ErrProbeStatus means the node answered with a non-2xx status.
	ErrProbeStatus = errors.New("probe bad status")
	// ErrConfigInvalid is wrapped by every ConfigError.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrNoBackendsAvailable describes a decision that only holds remote fallbacks.
	ErrNoBackendsAvailable = errors.New("no GPU-backed backend available; remote fallback only")
	// ErrUnknownNode is returned when a node name is not in the registry.
	ErrUnknownNode = errors.New("unknown node")
)

// ConfigError names the configuration entry that failed validation.
type ConfigError struct {
	Entry  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Entry, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfigInvalid }

// ProbeReason returns a short label for a probe error, suitable for metrics.
func ProbeReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProbeTimeout):
		return "timeout"
	case errors.Is(err, ErrProbeRefused):
		return "refused"
	case errors.Is(err, ErrProbeStatus):
		return "status"
	}
	return "other"
}
