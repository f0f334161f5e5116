package verify

import (
	"errors"
	"fmt"
)

// IntegrityError reports a block that does not hold what its address
// promises.
type IntegrityError struct {
	Hash    string
	Reason  string
	Message string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("INTEGRITY VIOLATION: block %s: %s: %s", e.Hash, e.Reason, e.Message)
}

func NewIntegrityError(hash, reason, message string) *IntegrityError {
	return &IntegrityError{
		Hash:    hash,
		Reason:  reason,
		Message: message,
	}
}

func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

func AsIntegrityError(err error) *IntegrityError {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}
