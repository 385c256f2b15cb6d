package hostexec

import "errors"

var (
	// ErrNotFound is returned when the executable does not exist on the host
	ErrNotFound = errors.New("command not found")

	// ErrNonZeroExit is returned when the command ran but exited with a non-zero status
	ErrNonZeroExit = errors.New("command exited with non-zero status")

	// ErrTimeout is returned when the command exceeded its deadline and was killed
	ErrTimeout = errors.New("command timed out")

	// ErrOutputLimit is returned when the command produced more output than allowed
	ErrOutputLimit = errors.New("command output exceeded limit")
)
