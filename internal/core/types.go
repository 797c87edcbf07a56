package core

import (
	"errors"

	"taskflow/internal/graph"
	"taskflow/pkg"
)

var (
	// ErrInvalidInput is returned for malformed mutation requests
	ErrInvalidInput = errors.New("invalid input")
	// ErrProjectNotEmpty is returned when deleting a project that still has tasks
	ErrProjectNotEmpty = errors.New("project still has tasks")
	// ErrCrossProject is returned for a dependency between tasks of different projects
	ErrCrossProject = errors.New("dependency crosses projects")
)

// MutationKind names one kind of accepted state change
type MutationKind string

const (
	KindCreateProject    MutationKind = "create_project"
	KindDeleteProject    MutationKind = "delete_project"
	KindCreateTask       MutationKind = "create_task"
	KindUpdateTask       MutationKind = "update_task"
	KindDeleteTask       MutationKind = "delete_task"
	KindChangeStatus     MutationKind = "change_status"
	KindAddDependency    MutationKind = "add_dependency"
	KindRemoveDependency MutationKind = "remove_dependency"
	KindAddComment       MutationKind = "add_comment"
)

// Mutation is the input of the mutation pipeline. Which fields matter depends on Kind.
type Mutation struct {
	Kind        MutationKind
	WorkspaceID string
	Actor       string

	ProjectID   string
	ProjectName string

	TaskID      string
	Title       *string
	Description *string
	Status      pkg.TaskStatus

	BlockerID string

	Body string
}

// MutationResult is what the pipeline returns for an accepted mutation
type MutationResult struct {
	Project   *pkg.Project
	Task      *pkg.Task
	Comment   *pkg.Comment
	Envelopes []pkg.EventEnvelope
}

// mutationState flows through the pipeline nodes. A domain failure is kept in
// err instead of being returned to the graph runner, so callers can match it
// with errors.Is.
type mutationState struct {
	Mutation

	task    *pkg.Task // the task the mutation targets, reloaded under the project lock
	project *graph.Project
	release func()

	err error
}

func (s *mutationState) fail(err error) *mutationState {
	s.err = err
	return s
}
