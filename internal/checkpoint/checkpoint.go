// Package checkpoint loads a decoder-only transformer checkpoint off
// disk: the HuggingFace-style config.json (spec §4.B "checkpoint
// config"), the safetensors-style container format (8-byte header
// length, JSON tensor index, raw payload), and an optional legacy
// PyTorch pickle fallback. Grounded on
// original_source/src/model/load/load_transformer.c.
package checkpoint

import "fmt"

// Error reports a malformed config.json, a corrupt or mismatched
// safetensors container, or a failed post-load validation check —
// grounded on load_transformer.c's msg_error calls, which abort the
// whole load on any inconsistency.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("checkpoint: %s", e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func errCk(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

func wrapCk(err error, format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...), Err: err}
}
