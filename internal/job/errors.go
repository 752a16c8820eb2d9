package job

import "errors"

var (
	// ErrSerialization is returned when an envelope or payload cannot be encoded or decoded
	ErrSerialization = errors.New("job serialization failed")

	// ErrInvalidTransition is returned when a status change would break monotonicity
	ErrInvalidTransition = errors.New("invalid job status transition")
)
