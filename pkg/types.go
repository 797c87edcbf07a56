package pkg

import (
	"slices"
	"time"
)

// Task tracking core types shared by the server, the wire protocol and the client cache.

// TaskStatus is the workflow status of a task
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusInReview   TaskStatus = "in-review"
	StatusDone       TaskStatus = "done"
)

// IsValid reports whether s is one of the known statuses
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone:
		return true
	}
	return false
}

// Workspace is the isolation boundary for projects, tasks and event channels
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether principal belongs to the workspace
func (w *Workspace) HasMember(principal string) bool {
	return slices.Contains(w.Members, principal)
}

// Project groups tasks; the dependency graph is scoped per project
type Project struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Task is a unit of work. IsBlocked is derived from DependsOn and never accepted as input.
type Task struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	DependsOn   []string   `json:"dependsOn"`
	IsBlocked   bool       `json:"isBlocked"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	if c.DependsOn == nil {
		c.DependsOn = []string{}
	}
	return &c
}

// DependencyEdge means Dependent cannot be unblocked until Blocker is done
type DependencyEdge struct {
	ProjectID string `json:"projectId"`
	Dependent string `json:"dependent"`
	Blocker   string `json:"blocker"`
}

// Comment is a message attached to a task
type Comment struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	TaskID      string    `json:"taskId"`
	Author      string    `json:"author"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notification kinds
const (
	NotificationTaskUnblocked = "task.unblocked"
)

// Notification is a workspace-visible notice produced by a side effect
type Notification struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	TaskID      string    `json:"taskId"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EventType identifies what an envelope describes
type EventType string

const (
	EventProjectCreated      EventType = "project.created"
	EventProjectDeleted      EventType = "project.deleted"
	EventTaskCreated         EventType = "task.created"
	EventTaskUpdated         EventType = "task.updated"
	EventTaskDeleted         EventType = "task.deleted"
	EventTaskStatusChanged   EventType = "task.status_changed"
	EventDependencyAdded     EventType = "dependency.added"
	EventDependencyRemoved   EventType = "dependency.removed"
	EventDependencyUnblocked EventType = "dependency.unblocked"
	EventDependencyBlocked   EventType = "dependency.blocked"
	EventCommentCreated      EventType = "comment.created"
)

// EventPayload carries the after-state of the entities an event concerns.
// Consumers apply it as-is; derived fields are already computed.
type EventPayload struct {
	Task           *Task           `json:"task,omitempty"`
	Project        *Project        `json:"project,omitempty"`
	Edge           *DependencyEdge `json:"edge,omitempty"`
	Comment        *Comment        `json:"comment,omitempty"`
	Notification   *Notification   `json:"notification,omitempty"`
	PreviousStatus TaskStatus      `json:"previousStatus,omitempty"`
}

// EventEnvelope is an immutable, ordered record of one state change
type EventEnvelope struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspaceId"`
	Type        EventType    `json:"type"`
	EntityIDs   []string     `json:"entityIds"`
	Payload     EventPayload `json:"payload"`
	Seq         uint64       `json:"seq"`
	EmittedAt   time.Time    `json:"emittedAt"`
	Actor       string       `json:"actor,omitempty"`
}

// WorkspaceSnapshot is the full-refetch baseline: every collection as of Seq
type WorkspaceSnapshot struct {
	WorkspaceID   string         `json:"workspaceId"`
	Seq           uint64         `json:"seq"`
	Projects      []Project      `json:"projects"`
	Tasks         []Task         `json:"tasks"`
	Comments      []Comment      `json:"comments"`
	Notifications []Notification `json:"notifications"`
}

// Session carries the identity and workspace scope of one client
type Session struct {
	Principal   string `json:"principal"`
	WorkspaceID string `json:"workspaceId"`
}
