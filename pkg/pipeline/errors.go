package pipeline

import "fmt"

// StageTransformError is raised by a stage that could not transform a file (i.e. a malformed
// stylesheet or a corrupt image).
type StageTransformError struct {
	Task  string
	Stage string
	Path  string
	Err   error
}

func (e *StageTransformError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s: %v", e.Task, e.Stage, e.Path, e.Err)
}

func (e *StageTransformError) Unwrap() error { return e.Err }

// FileSystemError wraps a failed read or write.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

func fsError(op, path string, err error) error {
	return &FileSystemError{Op: op, Path: path, Err: err}
}
