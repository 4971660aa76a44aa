package engine

import "fmt"

// The six error kinds are spec §7's closed taxonomy: every failure
// the core can produce is one of these, each wrapping an optional
// underlying cause with %w so callers can still inspect it, and none
// of them ever triggers a panic/exit inside the core — only
// cmd/llamast maps a returned error to an exit code.

// ConfigError reports a malformed or inconsistent run configuration:
// an unknown model_ident, a missing path, a sampler hyperparameter
// that could not be reconciled.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string { return wrapMsg("config", e.Msg, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// ModelError reports a checkpoint that failed to load: a config.json
// mismatch, a missing or malformed tensor, a failed post-load
// validation check.
type ModelError struct {
	Msg string
	Err error
}

func (e *ModelError) Error() string { return wrapMsg("model", e.Msg, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// NumericError reports a weight value out of range for its on-load
// conversion target (see Build), or a failure returned by the
// transformer's forward pass (see Engine.Forward). NaN logits are
// logged by the sampler, never returned as an error.
type NumericError struct {
	Msg string
	Err error
}

func (e *NumericError) Error() string { return wrapMsg("numeric", e.Msg, e.Err) }
func (e *NumericError) Unwrap() error { return e.Err }

// CapabilityError reports a hardware/configuration capability
// mismatch severe enough to abort — e.g. a CPU missing the minimum
// SSE4.2 baseline. An over-requested SIMD level is NOT reported this
// way: per spec §7 it is auto-truncated and logged as a warning
// instead (see Build).
type CapabilityError struct {
	Msg string
	Err error
}

func (e *CapabilityError) Error() string { return wrapMsg("capability", e.Msg, e.Err) }
func (e *CapabilityError) Unwrap() error { return e.Err }

// IoError reports a filesystem failure: an unreadable checkpoint
// shard, tokenizer file, or run configuration.
type IoError struct {
	Msg string
	Err error
}

func (e *IoError) Error() string { return wrapMsg("io", e.Msg, e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// CapacityError reports a full KV cache with no configured compactor
// to reclaim room. Forward itself tolerates this (returning an
// EOT-logits vector per spec §7's "no exception is raised" policy),
// and no Engine method returns it.
type CapacityError struct {
	Msg string
	Err error
}

func (e *CapacityError) Error() string { return wrapMsg("capacity", e.Msg, e.Err) }
func (e *CapacityError) Unwrap() error { return e.Err }

func wrapMsg(kind, msg string, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %s: %v", kind, msg, err)
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}
