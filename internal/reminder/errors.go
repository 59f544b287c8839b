package reminder

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("active instance already exists")
	ErrConflict          = errors.New("instance was modified concurrently")
	ErrInvalidDefinition = errors.New("invalid reminder definition")
)

// DataError reports a case property that could not be interpreted.
// It is logged and the step is skipped; it never aborts a tick.
type DataError struct {
	CaseID   string
	Property string
	Value    any
	Reason   string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("case %s: property %q (%v): %s", e.CaseID, e.Property, e.Value, e.Reason)
}

// IsDataError reports whether err carries a DataError.
func IsDataError(err error) bool {
	var e *DataError
	return errors.As(err, &e)
}
