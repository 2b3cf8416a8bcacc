package extraction

import "errors"

// Error kinds. Callers classify with errors.Is; wrapped errors keep the cause.
var (
	// ErrValidation marks malformed input rejected before the store is touched.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStorageUnavailable marks a transient failure talking to the store.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound marks a lookup that does not auto-create.
	ErrNotFound = errors.New("not found")
)
