package refresher

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrRunInProgress = errors.Base("a run is already in progress")
	ErrRootNotFound  = errors.Base("root folder does not exist")
)

// FileError records why one workbook could not be refreshed.
type FileError struct {
	Path  string
	Stage string // "open", "save", "close"
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
