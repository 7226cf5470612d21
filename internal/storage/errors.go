package storage

import "errors"

var (
	// ErrAlreadyExists is returned when a Create call targets an id that
	// is already present (producers are created once via self-registration).
	ErrAlreadyExists = errors.New("record already exists")

	// ErrSerializationFailed wraps json (un)marshal failures against a
	// stored record.
	ErrSerializationFailed = errors.New("serialization failed")
)
