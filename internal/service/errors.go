package service

import (
	"errors"
	"fmt"
)

var (
	ErrPeerUnreachable = errors.New("peer is not reachable")
	ErrServiceStopped  = errors.New("replication service stopped")
)

// PersistError reports a failed save. The in-memory state has already been
// rolled back when it is returned.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
