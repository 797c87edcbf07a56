package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"taskflow/pkg"
)

// Loader reads the tasks of a project from the entity store
type Loader interface {
	ListProjectTasks(ctx context.Context, projectID string) ([]pkg.Task, error)
}

type projectEntry struct {
	sem     chan struct{}
	project *Project
}

// Manager owns one graph per project and serializes every mutation of a
// project behind a single lock. Graphs are hydrated from the Loader the first
// time a project is acquired.
type Manager struct {
	loader Loader
	log    zerolog.Logger

	mu       sync.Mutex
	projects map[string]*projectEntry
}

// NewManager creates a graph manager backed by loader
func NewManager(loader Loader, log zerolog.Logger) *Manager {
	return &Manager{
		loader:   loader,
		log:      log,
		projects: make(map[string]*projectEntry),
	}
}

func (m *Manager) entry(projectID string) *projectEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.projects[projectID]
	if !ok {
		e = &projectEntry{sem: make(chan struct{}, 1)}
		m.projects[projectID] = e
	}
	return e
}

// Acquire locks the project and returns its graph together with the release
// func. The caller must call release exactly once; extra calls are ignored.
func (m *Manager) Acquire(ctx context.Context, projectID string) (*Project, func(), error) {
	e := m.entry(projectID)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("failed to lock project %s: %w", projectID, ctx.Err())
	}

	var once sync.Once
	release := func() { once.Do(func() { <-e.sem }) }

	if e.project == nil {
		tasks, err := m.loader.ListProjectTasks(ctx, projectID)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
		}
		p, err := Load(projectID, tasks)
		if err != nil {
			release()
			return nil, nil, err
		}
		e.project = p
		m.log.Debug().Str("project", projectID).Int("tasks", p.Len()).Msg("graph hydrated")
	}

	return e.project, release, nil
}

// Forget drops the cached graph of a project. Call it while holding the
// project lock, after the project is deleted.
func (m *Manager) Forget(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.projects[projectID]; ok {
		e.project = nil
	}
}
