package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskflow/pkg"
)

// NewRedisClient parses url, connects and pings Redis
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisStore implements Store with one JSON value per entity plus index sets
//
//	{prefix}workspace:{id}                  workspace JSON
//	{prefix}workspace:{id}:projects         set of project ids
//	{prefix}workspace:{id}:tasks            set of task ids
//	{prefix}workspace:{id}:comments         set of comment ids
//	{prefix}workspace:{id}:notifications    set of notification ids
//	{prefix}project:{id}                    project JSON
//	{prefix}project:{id}:tasks              set of task ids
//	{prefix}task:{id} / comment:{id} / notification:{id}
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a connected client
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *RedisStore) CreateWorkspace(ctx context.Context, ws *pkg.Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("workspace ID cannot be empty")
	}
	return r.create(ctx, r.key("workspace", ws.ID), ws, "workspace "+ws.ID)
}

func (r *RedisStore) GetWorkspace(ctx context.Context, id string) (*pkg.Workspace, error) {
	var ws pkg.Workspace
	if err := r.get(ctx, r.key("workspace", id), &ws, "workspace "+id); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (r *RedisStore) CreateProject(ctx context.Context, p *pkg.Project) error {
	if err := r.create(ctx, r.key("project", p.ID), p, "project "+p.ID); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, r.key("workspace", p.WorkspaceID, "projects"), p.ID).Err(); err != nil {
		return fmt.Errorf("failed to index project: %w", err)
	}
	return nil
}

func (r *RedisStore) GetProject(ctx context.Context, id string) (*pkg.Project, error) {
	var p pkg.Project
	if err := r.get(ctx, r.key("project", id), &p, "project "+id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RedisStore) ListProjects(ctx context.Context, workspaceID string) ([]pkg.Project, error) {
	out := []pkg.Project{}
	err := listIndexed(ctx, r, r.key("workspace", workspaceID, "projects"), "project", func(p pkg.Project) {
		out = append(out, p)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *RedisStore) DeleteProject(ctx context.Context, id string) error {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("project", id), r.key("project", id, "tasks"))
		pipe.SRem(ctx, r.key("workspace", p.WorkspaceID, "projects"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

func (r *RedisStore) CreateTask(ctx context.Context, t *pkg.Task) error {
	if err := r.create(ctx, r.key("task", t.ID), t, "task "+t.ID); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.key("workspace", t.WorkspaceID, "tasks"), t.ID)
		pipe.SAdd(ctx, r.key("project", t.ProjectID, "tasks"), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

func (r *RedisStore) GetTask(ctx context.Context, id string) (*pkg.Task, error) {
	var t pkg.Task
	if err := r.get(ctx, r.key("task", id), &t, "task "+id); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (r *RedisStore) UpdateTask(ctx context.Context, t *pkg.Task) error {
	data, err := sonic.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	ok, err := r.client.SetXX(ctx, r.key("task", t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r *RedisStore) DeleteTask(ctx context.Context, id string) error {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("task", id))
		pipe.SRem(ctx, r.key("workspace", t.WorkspaceID, "tasks"), id)
		pipe.SRem(ctx, r.key("project", t.ProjectID, "tasks"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (r *RedisStore) ListTasks(ctx context.Context, workspaceID string) ([]pkg.Task, error) {
	return r.listTasks(ctx, r.key("workspace", workspaceID, "tasks"))
}

func (r *RedisStore) ListProjectTasks(ctx context.Context, projectID string) ([]pkg.Task, error) {
	return r.listTasks(ctx, r.key("project", projectID, "tasks"))
}

func (r *RedisStore) listTasks(ctx context.Context, index string) ([]pkg.Task, error) {
	out := []pkg.Task{}
	err := listIndexed(ctx, r, index, "task", func(t pkg.Task) {
		out = append(out, *t.Clone())
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *RedisStore) CreateComment(ctx context.Context, c *pkg.Comment) error {
	if err := r.create(ctx, r.key("comment", c.ID), c, "comment "+c.ID); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.key("workspace", c.WorkspaceID, "comments"), c.ID).Err()
}

func (r *RedisStore) ListComments(ctx context.Context, workspaceID string) ([]pkg.Comment, error) {
	out := []pkg.Comment{}
	err := listIndexed(ctx, r, r.key("workspace", workspaceID, "comments"), "comment", func(c pkg.Comment) {
		out = append(out, c)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *RedisStore) CreateNotification(ctx context.Context, n *pkg.Notification) error {
	if err := r.create(ctx, r.key("notification", n.ID), n, "notification "+n.ID); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.key("workspace", n.WorkspaceID, "notifications"), n.ID).Err()
}

func (r *RedisStore) ListNotifications(ctx context.Context, workspaceID string) ([]pkg.Notification, error) {
	out := []pkg.Notification{}
	err := listIndexed(ctx, r, r.key("workspace", workspaceID, "notifications"), "notification", func(n pkg.Notification) {
		out = append(out, n)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// WriteBatch checks preconditions under WATCH and applies every write in one
// MULTI/EXEC. A concurrent write to a watched key fails the batch untouched.
func (r *RedisStore) WriteBatch(ctx context.Context, b Batch) error {
	type write struct {
		key  string
		data []byte
	}

	var (
		must    []string // keys that have to exist
		mustNot []string // keys that must not exist yet
		updates []write
		notes   []write
	)
	for _, t := range b.UpdateTasks {
		data, err := sonic.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		key := r.key("task", t.ID)
		must = append(must, key)
		updates = append(updates, write{key: key, data: data})
	}
	if b.DeleteTask != nil {
		must = append(must, r.key("task", b.DeleteTask.ID))
	}
	for _, n := range b.Notifications {
		data, err := sonic.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		key := r.key("notification", n.ID)
		mustNot = append(mustNot, key)
		notes = append(notes, write{key: key, data: data})
	}

	txf := func(tx *redis.Tx) error {
		for _, key := range must {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if n == 0 {
				return fmt.Errorf("%s: %w", key, ErrNotFound)
			}
		}
		for _, key := range mustNot {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if n > 0 {
				return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range updates {
				pipe.Set(ctx, w.key, w.data, 0)
			}
			if t := b.DeleteTask; t != nil {
				pipe.Del(ctx, r.key("task", t.ID))
				pipe.SRem(ctx, r.key("workspace", t.WorkspaceID, "tasks"), t.ID)
				pipe.SRem(ctx, r.key("project", t.ProjectID, "tasks"), t.ID)
			}
			for _, c := range b.DeleteComments {
				pipe.Del(ctx, r.key("comment", c.ID))
				pipe.SRem(ctx, r.key("workspace", c.WorkspaceID, "comments"), c.ID)
			}
			for i, w := range notes {
				n := b.Notifications[i]
				pipe.Set(ctx, w.key, w.data, 0)
				pipe.SAdd(ctx, r.key("workspace", n.WorkspaceID, "notifications"), n.ID)
			}
			return nil
		})
		return err
	}

	watched := append(append([]string{}, must...), mustNot...)
	if err := r.client.Watch(ctx, txf, watched...); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to write batch, concurrent update: %w", err)
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

// Ping tests Redis connection
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) create(ctx context.Context, key string, v any, what string) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", what, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return nil
}

func (r *RedisStore) get(ctx context.Context, key string, dest any, what string) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	if err := sonic.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

// listIndexed loads every entity whose id is a member of the index set.
// Ids whose value has disappeared are skipped.
func listIndexed[T any](ctx context.Context, r *RedisStore, index, kind string, add func(T)) error {
	ids, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s index: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(kind, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to load %s values: %w", kind, err)
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := sonic.UnmarshalString(s, &item); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", kind, err)
		}
		add(item)
	}
	return nil
}
