package cache

import (
	"sort"

	"taskflow/pkg"
)

// Entry is a cached entity snapshot plus the sequence number of the envelope
// (or refetch baseline) that produced it
type Entry[T any] struct {
	Value T
	Seq   uint64
}

// Cache is the client-side copy of one workspace. It is owned by a single
// Synchronizer and never shared between sessions.
type Cache struct {
	WorkspaceID string
	LastSeq     uint64

	Projects      map[string]Entry[pkg.Project]
	Tasks         map[string]Entry[pkg.Task]
	Comments      map[string]Entry[pkg.Comment]
	Notifications map[string]Entry[pkg.Notification]
}

func newCache(workspaceID string) *Cache {
	return &Cache{
		WorkspaceID:   workspaceID,
		Projects:      make(map[string]Entry[pkg.Project]),
		Tasks:         make(map[string]Entry[pkg.Task]),
		Comments:      make(map[string]Entry[pkg.Comment]),
		Notifications: make(map[string]Entry[pkg.Notification]),
	}
}

// load replaces every collection with the snapshot
func (c *Cache) load(snap *pkg.WorkspaceSnapshot) {
	fresh := newCache(snap.WorkspaceID)
	fresh.LastSeq = snap.Seq
	for _, p := range snap.Projects {
		fresh.Projects[p.ID] = Entry[pkg.Project]{Value: p, Seq: snap.Seq}
	}
	for _, t := range snap.Tasks {
		fresh.Tasks[t.ID] = Entry[pkg.Task]{Value: *t.Clone(), Seq: snap.Seq}
	}
	for _, cm := range snap.Comments {
		fresh.Comments[cm.ID] = Entry[pkg.Comment]{Value: cm, Seq: snap.Seq}
	}
	for _, n := range snap.Notifications {
		fresh.Notifications[n.ID] = Entry[pkg.Notification]{Value: n, Seq: snap.Seq}
	}
	*c = *fresh
}

// apply writes the payload of env into the cache. Derived fields come from
// the payload as-is; nothing is recomputed from other cached entities.
func (c *Cache) apply(env pkg.EventEnvelope) {
	p := env.Payload
	switch env.Type {
	case pkg.EventProjectDeleted:
		if p.Project != nil {
			delete(c.Projects, p.Project.ID)
		}
	case pkg.EventTaskDeleted:
		for _, id := range env.EntityIDs {
			delete(c.Tasks, id)
			for cid, cm := range c.Comments {
				if cm.Value.TaskID == id {
					delete(c.Comments, cid)
				}
			}
		}
	default:
		if p.Project != nil {
			c.Projects[p.Project.ID] = Entry[pkg.Project]{Value: *p.Project, Seq: env.Seq}
		}
		if p.Task != nil {
			c.Tasks[p.Task.ID] = Entry[pkg.Task]{Value: *p.Task.Clone(), Seq: env.Seq}
		}
	}
	if p.Comment != nil {
		c.Comments[p.Comment.ID] = Entry[pkg.Comment]{Value: *p.Comment, Seq: env.Seq}
	}
	if p.Notification != nil {
		c.Notifications[p.Notification.ID] = Entry[pkg.Notification]{Value: *p.Notification, Seq: env.Seq}
	}
	c.LastSeq = env.Seq
}

func values[T any](m map[string]Entry[T], id func(T) string) []T {
	out := make([]T, 0, len(m))
	for _, e := range m {
		out = append(out, e.Value)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}
