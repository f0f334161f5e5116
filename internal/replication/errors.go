package replication

import (
	"errors"
	"fmt"
)

// FetchError reports a causal-closure fetch that could not be completed.
// The log is never modified by a failed fetch.
type FetchError struct {
	Address  string
	Hash     string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("failed to fetch %s for %s after %d attempts: %v", e.Hash, e.Address, e.Attempts, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s for %s: %v", e.Hash, e.Address, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func IsFetchFailure(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

func AsFetchError(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}
