package taskstore

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when no state record exists for a run id
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidRunID is returned for run ids that are not safe file names
	ErrInvalidRunID = errors.New("invalid run id")
	// ErrLockConflict is returned when another holder owns an unexpired run lock
	ErrLockConflict = errors.New("run is locked")
	// ErrLockNotHeld is returned by Update when the caller's token no longer owns the lock
	ErrLockNotHeld = errors.New("run lock not held")
)

// LockConflictError carries the current holder of a contested lock
type LockConflictError struct {
	RunID     string
	HeldBy    string
	ExpiresAt string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("run %s is locked by %s until %s", e.RunID, e.HeldBy, e.ExpiresAt)
}

// Is makes errors.Is(err, ErrLockConflict) match
func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}
