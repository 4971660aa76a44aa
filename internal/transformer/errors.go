package transformer

import "fmt"

// Error reports a transformer-level fault: Forward returns one when
// the Compactor fails to make room in a full KV cache (a full cache
// with no compactor yields EOT logits, not an error). engine.Forward
// wraps it, like every Forward error, in engine.NumericError.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("transformer: %s", e.Msg) }

func errTransformer(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}
