package buildsys

import (
	"fmt"
	"strings"
)

// DuplicateTaskError is returned when a task or watch session name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s is already registered", e.Name)
}

// UnknownDependencyError is returned at registration when a dependency hasn't been registered.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.Task, e.Dependency)
}

// MissingTaskError is returned at run time when a requested task (or one of its dependencies)
// doesn't exist.
type MissingTaskError struct {
	Name       string
	RequiredBy string
}

func (e *MissingTaskError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("task %s not found (required by %s)", e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("task %s not found", e.Name)
}

// CycleError is returned when the dependencies of a task lead back to itself.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// TaskError is returned when a task's action fails.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
