package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskflow/internal/events"
	"taskflow/internal/graph"
	"taskflow/internal/metrics"
	"taskflow/internal/storage"
	"taskflow/pkg"
)

// Service applies task-tracking mutations. Every mutation runs under its
// project's graph lock; the store write, the graph update and the envelope
// emission happen together inside the encoder's workspace commit, so no
// viewer can observe a blocked flag that contradicts the statuses it has seen.
type Service struct {
	store   storage.Store
	graphs  *graph.Manager
	encoder *events.Encoder
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string
	proc    *Processor
}

type Option func(*Service)

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides entity id generation
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(ctx context.Context, store storage.Store, encoder *events.Encoder, log zerolog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		store:   store,
		graphs:  graph.NewManager(store, log.With().Str("component", "graph").Logger()),
		encoder: encoder,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	proc, err := NewProcessor(ctx, s)
	if err != nil {
		return nil, err
	}
	s.proc = proc
	return s, nil
}

// CreateWorkspace seeds a workspace. Membership administration lives outside
// this service; this exists for bootstrapping.
func (s *Service) CreateWorkspace(ctx context.Context, ws *pkg.Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now()
	}
	return s.store.CreateWorkspace(ctx, ws)
}

func (s *Service) CreateProject(ctx context.Context, actor, workspaceID, name string) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{Kind: KindCreateProject, Actor: actor, WorkspaceID: workspaceID, ProjectName: name})
}

func (s *Service) DeleteProject(ctx context.Context, actor, workspaceID, projectID string) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{Kind: KindDeleteProject, Actor: actor, WorkspaceID: workspaceID, ProjectID: projectID})
}

// CreateTaskInput describes a new task. Status defaults to todo.
type CreateTaskInput struct {
	ProjectID   string
	Title       string
	Description string
	Status      pkg.TaskStatus
}

func (s *Service) CreateTask(ctx context.Context, actor, workspaceID string, in CreateTaskInput) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{
		Kind:        KindCreateTask,
		Actor:       actor,
		WorkspaceID: workspaceID,
		ProjectID:   in.ProjectID,
		Title:       &in.Title,
		Description: &in.Description,
		Status:      in.Status,
	})
}

// UpdateTaskInput carries the editable fields of a task; nil means unchanged.
// Status moves through ChangeStatus, blocked state is never editable.
type UpdateTaskInput struct {
	Title       *string
	Description *string
}

func (s *Service) UpdateTask(ctx context.Context, actor, workspaceID, taskID string, in UpdateTaskInput) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{
		Kind:        KindUpdateTask,
		Actor:       actor,
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		Title:       in.Title,
		Description: in.Description,
	})
}

func (s *Service) DeleteTask(ctx context.Context, actor, workspaceID, taskID string) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{Kind: KindDeleteTask, Actor: actor, WorkspaceID: workspaceID, TaskID: taskID})
}

func (s *Service) ChangeStatus(ctx context.Context, actor, workspaceID, taskID string, status pkg.TaskStatus) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{Kind: KindChangeStatus, Actor: actor, WorkspaceID: workspaceID, TaskID: taskID, Status: status})
}

// AddDependency makes dependent wait for blocker
func (s *Service) AddDependency(ctx context.Context, actor, workspaceID, dependent, blocker string) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{Kind: KindAddDependency, Actor: actor, WorkspaceID: workspaceID, TaskID: dependent, BlockerID: blocker})
}

func (s *Service) RemoveDependency(ctx context.Context, actor, workspaceID, dependent, blocker string) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{Kind: KindRemoveDependency, Actor: actor, WorkspaceID: workspaceID, TaskID: dependent, BlockerID: blocker})
}

func (s *Service) AddComment(ctx context.Context, actor, workspaceID, taskID, body string) (*MutationResult, error) {
	return s.proc.Execute(ctx, Mutation{Kind: KindAddComment, Actor: actor, WorkspaceID: workspaceID, TaskID: taskID, Body: body})
}

// GetTask returns a task of the workspace
func (s *Service) GetTask(ctx context.Context, workspaceID, taskID string) (*pkg.Task, error) {
	return s.loadTask(ctx, workspaceID, taskID)
}

// Snapshot reads every collection of a workspace as of one sequence number
func (s *Service) Snapshot(ctx context.Context, workspaceID string) (*pkg.WorkspaceSnapshot, error) {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	snap := &pkg.WorkspaceSnapshot{WorkspaceID: workspaceID}
	err := s.encoder.Snapshot(ctx, workspaceID, func(ctx context.Context, seq uint64) error {
		var err error
		snap.Seq = seq
		if snap.Projects, err = s.store.ListProjects(ctx, workspaceID); err != nil {
			return err
		}
		if snap.Tasks, err = s.store.ListTasks(ctx, workspaceID); err != nil {
			return err
		}
		if snap.Comments, err = s.store.ListComments(ctx, workspaceID); err != nil {
			return err
		}
		if snap.Notifications, err = s.store.ListNotifications(ctx, workspaceID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot workspace %s: %w", workspaceID, err)
	}
	return snap, nil
}

// validate checks the request and resolves the project it belongs to
func (s *Service) validate(ctx context.Context, st *mutationState) *mutationState {
	if st.WorkspaceID == "" {
		return st.fail(fmt.Errorf("%w: workspace is required", ErrInvalidInput))
	}

	switch st.Kind {
	case KindCreateProject:
		st.ProjectName = strings.TrimSpace(st.ProjectName)
		if st.ProjectName == "" {
			return st.fail(fmt.Errorf("%w: project name is required", ErrInvalidInput))
		}
		if _, err := s.store.GetWorkspace(ctx, st.WorkspaceID); err != nil {
			return st.fail(err)
		}
		st.ProjectID = s.newID()

	case KindDeleteProject:
		if _, err := s.loadProject(ctx, st.WorkspaceID, st.ProjectID); err != nil {
			return st.fail(err)
		}

	case KindCreateTask:
		if st.Title == nil || strings.TrimSpace(*st.Title) == "" {
			return st.fail(fmt.Errorf("%w: title is required", ErrInvalidInput))
		}
		if st.Status == "" {
			st.Status = pkg.StatusTodo
		}
		if !st.Status.IsValid() {
			return st.fail(fmt.Errorf("%w: unknown status %q", ErrInvalidInput, st.Status))
		}
		if _, err := s.loadProject(ctx, st.WorkspaceID, st.ProjectID); err != nil {
			return st.fail(err)
		}
		st.TaskID = s.newID()

	case KindUpdateTask, KindDeleteTask, KindChangeStatus, KindAddComment, KindAddDependency, KindRemoveDependency:
		task, err := s.loadTask(ctx, st.WorkspaceID, st.TaskID)
		if err != nil {
			return st.fail(err)
		}
		st.ProjectID = task.ProjectID

		switch st.Kind {
		case KindUpdateTask:
			if st.Title == nil && st.Description == nil {
				return st.fail(fmt.Errorf("%w: nothing to update", ErrInvalidInput))
			}
			if st.Title != nil && strings.TrimSpace(*st.Title) == "" {
				return st.fail(fmt.Errorf("%w: title cannot be empty", ErrInvalidInput))
			}
		case KindChangeStatus:
			if !st.Status.IsValid() {
				return st.fail(fmt.Errorf("%w: unknown status %q", ErrInvalidInput, st.Status))
			}
		case KindAddComment:
			if strings.TrimSpace(st.Body) == "" {
				return st.fail(fmt.Errorf("%w: comment body is required", ErrInvalidInput))
			}
		case KindAddDependency:
			blocker, err := s.loadTask(ctx, st.WorkspaceID, st.BlockerID)
			if err != nil {
				return st.fail(err)
			}
			if blocker.ProjectID != task.ProjectID {
				return st.fail(fmt.Errorf("%w: %s is in project %s, %s in %s",
					ErrCrossProject, task.ID, task.ProjectID, blocker.ID, blocker.ProjectID))
			}
		case KindRemoveDependency:
			if st.BlockerID == "" {
				return st.fail(fmt.Errorf("%w: blocker is required", ErrInvalidInput))
			}
		}

	default:
		return st.fail(fmt.Errorf("%w: unknown mutation %q", ErrInvalidInput, st.Kind))
	}
	return st
}

// acquire takes the project lock and reloads the target entities under it
func (s *Service) acquire(ctx context.Context, st *mutationState) *mutationState {
	project, release, err := s.graphs.Acquire(ctx, st.ProjectID)
	if err != nil {
		return st.fail(err)
	}
	st.project = project
	st.release = release

	switch st.Kind {
	case KindCreateProject:
		return st
	case KindDeleteProject, KindCreateTask:
		// the project may have been deleted since validate
		if _, err := s.loadProject(ctx, st.WorkspaceID, st.ProjectID); err != nil {
			return st.fail(err)
		}
		return st
	}

	task, err := s.loadTask(ctx, st.WorkspaceID, st.TaskID)
	if err != nil {
		return st.fail(err)
	}
	st.task = task
	return st
}

func (s *Service) commit(ctx context.Context, st *mutationState) (*MutationResult, error) {
	res := &MutationResult{}
	envs, err := s.encoder.Commit(ctx, st.WorkspaceID, st.Actor, func(ctx context.Context) ([]events.Change, error) {
		switch st.Kind {
		case KindCreateProject:
			return s.applyCreateProject(ctx, st, res)
		case KindDeleteProject:
			return s.applyDeleteProject(ctx, st, res)
		case KindCreateTask:
			return s.applyCreateTask(ctx, st, res)
		case KindUpdateTask:
			return s.applyUpdateTask(ctx, st, res)
		case KindDeleteTask:
			return s.applyDeleteTask(ctx, st, res)
		case KindChangeStatus:
			return s.applyChangeStatus(ctx, st, res)
		case KindAddDependency:
			return s.applyAddDependency(ctx, st, res)
		case KindRemoveDependency:
			return s.applyRemoveDependency(ctx, st, res)
		case KindAddComment:
			return s.applyAddComment(ctx, st, res)
		}
		return nil, fmt.Errorf("%w: unknown mutation %q", ErrInvalidInput, st.Kind)
	})
	res.Envelopes = envs
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("kind", string(st.Kind)).
		Str("workspace", st.WorkspaceID).
		Int("envelopes", len(envs)).
		Msg("mutation committed")
	return res, nil
}

func (s *Service) applyCreateProject(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	p := &pkg.Project{ID: st.ProjectID, WorkspaceID: st.WorkspaceID, Name: st.ProjectName, CreatedAt: s.now()}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	res.Project = p
	return []events.Change{{
		Type:      pkg.EventProjectCreated,
		EntityIDs: []string{p.ID},
		Payload:   pkg.EventPayload{Project: p},
	}}, nil
}

func (s *Service) applyDeleteProject(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	if st.project.Len() > 0 {
		return nil, fmt.Errorf("%w: %s has %d tasks", ErrProjectNotEmpty, st.ProjectID, st.project.Len())
	}
	p, err := s.loadProject(ctx, st.WorkspaceID, st.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteProject(ctx, p.ID); err != nil {
		return nil, err
	}
	s.graphs.Forget(p.ID)
	res.Project = p
	return []events.Change{{
		Type:      pkg.EventProjectDeleted,
		EntityIDs: []string{p.ID},
		Payload:   pkg.EventPayload{Project: p},
	}}, nil
}

func (s *Service) applyCreateTask(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	now := s.now()
	t := &pkg.Task{
		ID:          st.TaskID,
		WorkspaceID: st.WorkspaceID,
		ProjectID:   st.ProjectID,
		Title:       strings.TrimSpace(*st.Title),
		Status:      st.Status,
		DependsOn:   []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if st.Description != nil {
		t.Description = *st.Description
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if err := st.project.AddTask(t.ID, t.Status); err != nil {
		s.graphs.Forget(st.ProjectID)
		return nil, err
	}
	res.Task = t
	return []events.Change{{
		Type:      pkg.EventTaskCreated,
		EntityIDs: []string{t.ID},
		Payload:   pkg.EventPayload{Task: t},
	}}, nil
}

func (s *Service) applyUpdateTask(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	t := st.task
	if st.Title != nil {
		t.Title = strings.TrimSpace(*st.Title)
	}
	if st.Description != nil {
		t.Description = *st.Description
	}
	s.derive(st.project, t)
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	res.Task = t
	return []events.Change{{
		Type:      pkg.EventTaskUpdated,
		EntityIDs: []string{t.ID},
		Payload:   pkg.EventPayload{Task: t},
	}}, nil
}

// applyChangeStatus emits task.status_changed first, then one envelope per
// direct dependent whose blocked flag flipped: dependency.unblocked when the
// task became done, dependency.blocked when it was reopened. The task, its
// flipped dependents and their notifications are written in one batch.
func (s *Service) applyChangeStatus(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	t := st.task
	prev := t.Status
	res.Task = t
	if prev == st.Status {
		return nil, nil
	}

	flips, err := st.project.OnStatusChange(t.ID, st.Status)
	if err != nil {
		return nil, err
	}

	t.Status = st.Status
	t.UpdatedAt = s.now()
	s.derive(st.project, t)

	batch := storage.Batch{UpdateTasks: []*pkg.Task{t}}
	changes := []events.Change{{
		Type:      pkg.EventTaskStatusChanged,
		EntityIDs: []string{t.ID},
		Payload:   pkg.EventPayload{Task: t, PreviousStatus: prev},
	}}
	for _, flip := range flips {
		c, err := s.flipChange(ctx, st, &batch, flip, t.ID)
		if err != nil {
			s.graphs.Forget(st.ProjectID)
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := s.store.WriteBatch(ctx, batch); err != nil {
		s.graphs.Forget(st.ProjectID)
		return nil, err
	}

	s.log.Info().
		Str("task", t.ID).
		Str("from", string(prev)).
		Str("to", string(t.Status)).
		Int("flipped", len(flips)).
		Msg("status changed")
	return changes, nil
}

func (s *Service) applyAddDependency(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	t := st.task
	flip, err := st.project.AddDependency(t.ID, st.BlockerID)
	if err != nil {
		if errors.Is(err, graph.ErrCycleRejected) {
			metrics.CycleRejections.Inc()
			s.log.Info().Err(err).Str("task", t.ID).Str("blocker", st.BlockerID).Msg("dependency rejected")
		}
		return nil, err
	}

	s.derive(st.project, t)
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		s.graphs.Forget(st.ProjectID)
		return nil, err
	}
	res.Task = t

	s.log.Debug().Str("task", t.ID).Str("blocker", st.BlockerID).Bool("blocked", flip.Now).Msg("dependency added")
	return []events.Change{{
		Type:      pkg.EventDependencyAdded,
		EntityIDs: []string{t.ID, st.BlockerID},
		Payload:   pkg.EventPayload{Task: t, Edge: s.edge(st, t.ID, st.BlockerID)},
	}}, nil
}

func (s *Service) applyRemoveDependency(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	t := st.task
	flip, err := st.project.RemoveDependency(t.ID, st.BlockerID)
	if err != nil {
		return nil, err
	}

	s.derive(st.project, t)
	t.UpdatedAt = s.now()
	batch := storage.Batch{UpdateTasks: []*pkg.Task{t}}

	edge := s.edge(st, t.ID, st.BlockerID)
	changes := []events.Change{{
		Type:      pkg.EventDependencyRemoved,
		EntityIDs: []string{t.ID, st.BlockerID},
		Payload:   pkg.EventPayload{Task: t, Edge: edge},
	}}
	if flip.Unblocked() {
		n := s.unblockNotice(t)
		batch.Notifications = append(batch.Notifications, n)
		changes = append(changes, events.Change{
			Type:      pkg.EventDependencyUnblocked,
			EntityIDs: []string{t.ID, st.BlockerID},
			Payload:   pkg.EventPayload{Task: t, Edge: edge, Notification: n},
		})
	}
	if err := s.store.WriteBatch(ctx, batch); err != nil {
		s.graphs.Forget(st.ProjectID)
		return nil, err
	}
	res.Task = t
	return changes, nil
}

// applyDeleteTask emits task.deleted, then for every former dependent a
// dependency.removed and, when that freed it, a dependency.unblocked. The
// task's comments go with it.
func (s *Service) applyDeleteTask(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	t := st.task
	comments, err := s.taskComments(ctx, t)
	if err != nil {
		return nil, err
	}
	flips, err := st.project.RemoveTask(t.ID)
	if err != nil {
		return nil, err
	}

	batch := storage.Batch{DeleteTask: t, DeleteComments: comments}
	changes := []events.Change{{
		Type:      pkg.EventTaskDeleted,
		EntityIDs: []string{t.ID},
		Payload:   pkg.EventPayload{Task: t},
	}}
	for _, flip := range flips {
		dep, err := s.stage(ctx, st, &batch, flip.TaskID)
		if err != nil {
			s.graphs.Forget(st.ProjectID)
			return nil, err
		}
		edge := s.edge(st, dep.ID, t.ID)
		changes = append(changes, events.Change{
			Type:      pkg.EventDependencyRemoved,
			EntityIDs: []string{dep.ID, t.ID},
			Payload:   pkg.EventPayload{Task: dep, Edge: edge},
		})
		if flip.Unblocked() {
			n := s.unblockNotice(dep)
			batch.Notifications = append(batch.Notifications, n)
			changes = append(changes, events.Change{
				Type:      pkg.EventDependencyUnblocked,
				EntityIDs: []string{dep.ID, t.ID},
				Payload:   pkg.EventPayload{Task: dep, Edge: edge, Notification: n},
			})
		}
	}
	if err := s.store.WriteBatch(ctx, batch); err != nil {
		s.graphs.Forget(st.ProjectID)
		return nil, err
	}
	res.Task = t
	return changes, nil
}

func (s *Service) applyAddComment(ctx context.Context, st *mutationState, res *MutationResult) ([]events.Change, error) {
	c := &pkg.Comment{
		ID:          s.newID(),
		WorkspaceID: st.WorkspaceID,
		TaskID:      st.TaskID,
		Author:      st.Actor,
		Body:        st.Body,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, err
	}
	res.Comment = c
	return []events.Change{{
		Type:      pkg.EventCommentCreated,
		EntityIDs: []string{c.ID, c.TaskID},
		Payload:   pkg.EventPayload{Comment: c},
	}}, nil
}

// flipChange stages the new blocked flag of a dependent of blocker and
// builds the envelope describing the flip
func (s *Service) flipChange(ctx context.Context, st *mutationState, b *storage.Batch, flip graph.Flip, blocker string) (events.Change, error) {
	dep, err := s.stage(ctx, st, b, flip.TaskID)
	if err != nil {
		return events.Change{}, err
	}
	edge := s.edge(st, dep.ID, blocker)

	if !flip.Unblocked() {
		return events.Change{
			Type:      pkg.EventDependencyBlocked,
			EntityIDs: []string{dep.ID, blocker},
			Payload:   pkg.EventPayload{Task: dep, Edge: edge},
		}, nil
	}

	n := s.unblockNotice(dep)
	b.Notifications = append(b.Notifications, n)
	return events.Change{
		Type:      pkg.EventDependencyUnblocked,
		EntityIDs: []string{dep.ID, blocker},
		Payload:   pkg.EventPayload{Task: dep, Edge: edge, Notification: n},
	}, nil
}

// stage reloads a task, rewrites its derived fields from the graph and adds
// it to the batch
func (s *Service) stage(ctx context.Context, st *mutationState, b *storage.Batch, taskID string) (*pkg.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependent %s: %w", taskID, err)
	}
	s.derive(st.project, t)
	t.UpdatedAt = s.now()
	b.UpdateTasks = append(b.UpdateTasks, t)
	return t, nil
}

func (s *Service) unblockNotice(t *pkg.Task) *pkg.Notification {
	return &pkg.Notification{
		ID:          s.newID(),
		WorkspaceID: t.WorkspaceID,
		TaskID:      t.ID,
		Kind:        pkg.NotificationTaskUnblocked,
		Message:     fmt.Sprintf("%q is no longer blocked", t.Title),
		CreatedAt:   s.now(),
	}
}

func (s *Service) taskComments(ctx context.Context, t *pkg.Task) ([]pkg.Comment, error) {
	all, err := s.store.ListComments(ctx, t.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	var out []pkg.Comment
	for _, c := range all {
		if c.TaskID == t.ID {
			out = append(out, c)
		}
	}
	return out, nil
}

// derive copies the graph-owned fields onto t
func (s *Service) derive(p *graph.Project, t *pkg.Task) {
	t.DependsOn = p.Dependencies(t.ID)
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	t.IsBlocked = p.IsBlocked(t.ID)
}

func (s *Service) edge(st *mutationState, dependent, blocker string) *pkg.DependencyEdge {
	return &pkg.DependencyEdge{ProjectID: st.ProjectID, Dependent: dependent, Blocker: blocker}
}

func (s *Service) loadTask(ctx context.Context, workspaceID, taskID string) (*pkg.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidInput)
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}
	return t, nil
}

func (s *Service) loadProject(ctx context.Context, workspaceID, projectID string) (*pkg.Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidInput)
	}
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("project %s: %w", projectID, storage.ErrNotFound)
	}
	return p, nil
}
