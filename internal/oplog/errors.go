package oplog

import "errors"

var (
	// ErrUnauthorized is returned when the access controller refuses a writer.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrIncompleteCausalChain is returned when a joined entry names a parent
	// that is neither in the log nor in the same batch.
	ErrIncompleteCausalChain = errors.New("incomplete causal chain")

	ErrNotFound = errors.New("entry not found")
)

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsIncompleteCausalChain(err error) bool {
	return errors.Is(err, ErrIncompleteCausalChain)
}
