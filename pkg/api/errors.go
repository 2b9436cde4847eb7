package api

import "errors"

var (
	// ErrTaskNotFound is returned when a task name is not registered.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyRegistered is returned when a task name is registered twice.
	ErrTaskAlreadyRegistered = errors.New("task already registered")

	// ErrNilTask is returned when applying a signature that has no task.
	ErrNilTask = errors.New("signature has no task")

	// ErrEmptyChain is returned when applying a chain without signatures.
	ErrEmptyChain = errors.New("cannot apply empty chain")

	// ErrEmptyChord is returned when applying a chord whose header has no signatures.
	ErrEmptyChord = errors.New("cannot apply chord with empty header")

	// ErrReservedKwarg is returned when user-supplied kwargs or declared task
	// parameters use the reserved key prefix.
	ErrReservedKwarg = errors.New("kwarg name uses reserved prefix")

	// ErrMalformedMetadata is returned when workflow metadata embedded in a job
	// payload is incomplete or cannot be decoded.
	ErrMalformedMetadata = errors.New("malformed workflow metadata")

	// ErrUnsupportedDescriptorVersion is returned when a task descriptor was
	// written with a newer schema than this build understands.
	ErrUnsupportedDescriptorVersion = errors.New("unsupported task descriptor version")

	// ErrBarrierNotFound is returned by BarrierStore.GetBarrier for unknown chords.
	ErrBarrierNotFound = errors.New("chord barrier not found")

	// ErrChordNotClosed is returned when finalizing a chord whose header jobs
	// have not all completed.
	ErrChordNotClosed = errors.New("chord barrier not closed")
)
