package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleRejected is returned when an edge would close a cycle, including a self edge
	ErrCycleRejected = errors.New("dependency would create a cycle")
	ErrUnknownTask   = errors.New("task not in project graph")
	ErrTaskExists    = errors.New("task already in project graph")
	ErrEdgeExists    = errors.New("dependency already exists")
	ErrEdgeNotFound  = errors.New("dependency not found")
	// ErrCorruptGraph is returned when stored tasks describe an invalid graph
	ErrCorruptGraph = errors.New("corrupt dependency graph")
)

// GraphError wraps a graph failure with detail; errors.Is matches Kind.
type GraphError struct {
	Kind error
	Msg  string
	// Path is the cycle witness for ErrCycleRejected, first and last element equal
	Path []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func unknownTask(id string) error {
	return &GraphError{Kind: ErrUnknownTask, Msg: id}
}

func cycleError(path []string) error {
	return &GraphError{
		Kind: ErrCycleRejected,
		Msg:  strings.Join(path, " -> "),
		Path: path,
	}
}
