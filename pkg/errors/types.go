package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a local file changed size while it was being
// uploaded.
var ErrFileChanged = New("file contents changed during sync")

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ContractViolation is returned when a caller breaks an invariant of the
// backup database, such as removing a directory that still has children.
// These errors signal a bug or an integrity problem and can't be recovered
// from by retrying.
type ContractViolation struct {
	Reason string
}

func (err ContractViolation) Error() string {
	return fmt.Sprintf("contract violation: %s", err.Reason)
}

// IsContractViolation returns whether `err` was caused by a ContractViolation.
func IsContractViolation(err error) bool {
	var cv ContractViolation
	return As(err, &cv)
}
