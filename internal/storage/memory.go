package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"taskflow/pkg"
)

// MemoryStore is an in-memory Store for development and tests
type MemoryStore struct {
	mu            sync.RWMutex
	workspaces    map[string]pkg.Workspace
	projects      map[string]pkg.Project
	tasks         map[string]*pkg.Task
	comments      map[string]pkg.Comment
	notifications map[string]pkg.Notification
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:    make(map[string]pkg.Workspace),
		projects:      make(map[string]pkg.Project),
		tasks:         make(map[string]*pkg.Task),
		comments:      make(map[string]pkg.Comment),
		notifications: make(map[string]pkg.Notification),
	}
}

func (m *MemoryStore) CreateWorkspace(ctx context.Context, ws *pkg.Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("workspace ID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workspaces[ws.ID]; exists {
		return fmt.Errorf("workspace %s: %w", ws.ID, ErrAlreadyExists)
	}
	w := *ws
	w.Members = slices.Clone(ws.Members)
	m.workspaces[ws.ID] = w
	return nil
}

func (m *MemoryStore) GetWorkspace(ctx context.Context, id string) (*pkg.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, exists := m.workspaces[id]
	if !exists {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	w.Members = slices.Clone(w.Members)
	return &w, nil
}

func (m *MemoryStore) CreateProject(ctx context.Context, p *pkg.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[p.ID]; exists {
		return fmt.Errorf("project %s: %w", p.ID, ErrAlreadyExists)
	}
	m.projects[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id string) (*pkg.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, exists := m.projects[id]
	if !exists {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryStore) ListProjects(ctx context.Context, workspaceID string) ([]pkg.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []pkg.Project{}
	for _, p := range m.projects {
		if p.WorkspaceID == workspaceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[id]; !exists {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	delete(m.projects, id)
	return nil
}

func (m *MemoryStore) CreateTask(ctx context.Context, t *pkg.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*pkg.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, exists := m.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t *pkg.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; !exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[id]; !exists {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, workspaceID string) ([]pkg.Task, error) {
	return m.listTasks(func(t *pkg.Task) bool { return t.WorkspaceID == workspaceID }), nil
}

func (m *MemoryStore) ListProjectTasks(ctx context.Context, projectID string) ([]pkg.Task, error) {
	return m.listTasks(func(t *pkg.Task) bool { return t.ProjectID == projectID }), nil
}

func (m *MemoryStore) listTasks(match func(*pkg.Task) bool) []pkg.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []pkg.Task{}
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) CreateComment(ctx context.Context, c *pkg.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.comments[c.ID]; exists {
		return fmt.Errorf("comment %s: %w", c.ID, ErrAlreadyExists)
	}
	m.comments[c.ID] = *c
	return nil
}

func (m *MemoryStore) ListComments(ctx context.Context, workspaceID string) ([]pkg.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []pkg.Comment{}
	for _, c := range m.comments {
		if c.WorkspaceID == workspaceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *pkg.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s: %w", n.ID, ErrAlreadyExists)
	}
	m.notifications[n.ID] = *n
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, workspaceID string) ([]pkg.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []pkg.Notification{}
	for _, n := range m.notifications {
		if n.WorkspaceID == workspaceID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) WriteBatch(ctx context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range b.UpdateTasks {
		if _, exists := m.tasks[t.ID]; !exists {
			return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
	}
	if b.DeleteTask != nil {
		if _, exists := m.tasks[b.DeleteTask.ID]; !exists {
			return fmt.Errorf("task %s: %w", b.DeleteTask.ID, ErrNotFound)
		}
	}
	for _, n := range b.Notifications {
		if _, exists := m.notifications[n.ID]; exists {
			return fmt.Errorf("notification %s: %w", n.ID, ErrAlreadyExists)
		}
	}

	for _, t := range b.UpdateTasks {
		m.tasks[t.ID] = t.Clone()
	}
	if b.DeleteTask != nil {
		delete(m.tasks, b.DeleteTask.ID)
	}
	for _, c := range b.DeleteComments {
		delete(m.comments, c.ID)
	}
	for _, n := range b.Notifications {
		m.notifications[n.ID] = *n
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
