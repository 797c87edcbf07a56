package storage

import (
	"context"
	"errors"

	"taskflow/pkg"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("entity not found")
	// ErrAlreadyExists is returned when creating an entity whose id is taken
	ErrAlreadyExists = errors.New("entity already exists")
)

// Store is the CRUD interface over the durable entity store. It is the source of
// truth for full refetches; it knows nothing about graphs or events.
type Store interface {
	CreateWorkspace(ctx context.Context, ws *pkg.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*pkg.Workspace, error)

	CreateProject(ctx context.Context, p *pkg.Project) error
	GetProject(ctx context.Context, id string) (*pkg.Project, error)
	ListProjects(ctx context.Context, workspaceID string) ([]pkg.Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateTask(ctx context.Context, t *pkg.Task) error
	GetTask(ctx context.Context, id string) (*pkg.Task, error)
	UpdateTask(ctx context.Context, t *pkg.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, workspaceID string) ([]pkg.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]pkg.Task, error)

	CreateComment(ctx context.Context, c *pkg.Comment) error
	ListComments(ctx context.Context, workspaceID string) ([]pkg.Comment, error)

	CreateNotification(ctx context.Context, n *pkg.Notification) error
	ListNotifications(ctx context.Context, workspaceID string) ([]pkg.Notification, error)

	// WriteBatch applies every write of b or none of them
	WriteBatch(ctx context.Context, b Batch) error

	Ping(ctx context.Context) error
	Close() error
}

// Batch groups the task writes of one cascade. Updated tasks must exist,
// new notifications must not.
type Batch struct {
	UpdateTasks    []*pkg.Task
	DeleteTask     *pkg.Task
	DeleteComments []pkg.Comment
	Notifications  []*pkg.Notification
}
