package daemon

import "errors"

// Sentinel errors returned by the daemon's internal components. These map
// directly onto the "[ERR] ..." wire replies the protocol dispatcher writes;
// see protocol.go.
var (
	ErrTaskNotFound      = errors.New("exec cannot find task")
	ErrNoFreeSlot        = errors.New("exec out space for tasks")
	ErrForkFailed        = errors.New("exec process fork failed")
	ErrNoFreeConnection  = errors.New("too many client connections")
	ErrInvalidTaskNumber = errors.New("invalid task number")
	ErrTaskNotRunning    = errors.New("task not running")
	ErrMissingArgument   = errors.New("missing argument")
	ErrUnknownRequest    = errors.New("unknown request")
	ErrTasksStillRunning = errors.New("tasks are still running")
	ErrRequestTooLong    = errors.New("request exceeds maximum length")
)
