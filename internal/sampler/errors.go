package sampler

import "fmt"

// Error reports an invalid sampler configuration, grounded on
// build_sampler's msg_error calls.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("sampler: %s", e.Msg) }

func errSampler(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}
