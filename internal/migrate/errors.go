package migrate

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownUnit       = errors.New("applied unit is not in the registry")
	ErrNoReverse         = errors.New("unit has no reverse batch")
	ErrNothingToRollback = errors.New("no applied units to roll back")
)

// StatementError reports the statement that stopped a run. Index is the
// 1-based position of the statement within its batch.
type StatementError struct {
	Unit      string
	Index     int
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("unit %s statement %d: %v", e.Unit, e.Index, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }
