package domain

import "errors"

// Caller-facing and safety errors. Engine and store code wraps these with
// context; callers match with errors.Is.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrInvalidState = errors.New("operation not valid for current run status")
	ErrGateMismatch = errors.New("decision does not match pending gate")
	ErrRunBusy      = errors.New("run is being mutated by another caller")

	ErrNotAllowed     = errors.New("command not in allowlist")
	ErrPathViolation  = errors.New("write path outside allowed roots")
	ErrFileTooLarge   = errors.New("file exceeds configured size cap")
	ErrLimitsExceeded = errors.New("proposed diff exceeds configured limits")

	ErrPlanRefused = errors.New("plan generator refused")
	ErrPatchApply  = errors.New("patch could not be applied")
)
