package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/pkg"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:")
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func TestStore_TaskLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			require.NoError(t, s.CreateWorkspace(ctx, &pkg.Workspace{ID: "ws1", Name: "one", Members: []string{"alice"}}))
			require.NoError(t, s.CreateProject(ctx, &pkg.Project{ID: "p1", WorkspaceID: "ws1", Name: "proj"}))

			task := &pkg.Task{ID: "t1", WorkspaceID: "ws1", ProjectID: "p1", Title: "first", Status: pkg.StatusTodo, CreatedAt: now}
			require.NoError(t, s.CreateTask(ctx, task))
			assert.ErrorIs(t, s.CreateTask(ctx, task), ErrAlreadyExists)

			got, err := s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "first", got.Title)
			assert.NotNil(t, got.DependsOn)

			got.Status = pkg.StatusDone
			got.DependsOn = []string{"t0"}
			require.NoError(t, s.UpdateTask(ctx, got))

			again, err := s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, pkg.StatusDone, again.Status)
			assert.Equal(t, []string{"t0"}, again.DependsOn)

			require.NoError(t, s.CreateTask(ctx, &pkg.Task{ID: "t2", WorkspaceID: "ws1", ProjectID: "p1", Status: pkg.StatusTodo}))
			tasks, err := s.ListProjectTasks(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, tasks, 2)
			assert.Equal(t, "t1", tasks[0].ID)
			assert.Equal(t, "t2", tasks[1].ID)

			require.NoError(t, s.DeleteTask(ctx, "t1"))
			_, err = s.GetTask(ctx, "t1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.UpdateTask(ctx, got), ErrNotFound)

			tasks, err = s.ListTasks(ctx, "ws1")
			require.NoError(t, err)
			assert.Len(t, tasks, 1)
		})
	}
}

func TestStore_WriteBatchIsAllOrNothing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateWorkspace(ctx, &pkg.Workspace{ID: "ws1", Members: []string{"alice"}}))
			require.NoError(t, s.CreateProject(ctx, &pkg.Project{ID: "p1", WorkspaceID: "ws1"}))
			t1 := &pkg.Task{ID: "t1", WorkspaceID: "ws1", ProjectID: "p1", Status: pkg.StatusTodo}
			t2 := &pkg.Task{ID: "t2", WorkspaceID: "ws1", ProjectID: "p1", Status: pkg.StatusTodo, DependsOn: []string{"t1"}, IsBlocked: true}
			require.NoError(t, s.CreateTask(ctx, t1))
			require.NoError(t, s.CreateTask(ctx, t2))
			comment := pkg.Comment{ID: "c1", WorkspaceID: "ws1", TaskID: "t1", Body: "hi"}
			require.NoError(t, s.CreateComment(ctx, &comment))

			// one missing task rejects the whole batch
			done := t1.Clone()
			done.Status = pkg.StatusDone
			err := s.WriteBatch(ctx, Batch{
				UpdateTasks:   []*pkg.Task{done, {ID: "missing", WorkspaceID: "ws1", ProjectID: "p1"}},
				Notifications: []*pkg.Notification{{ID: "n1", WorkspaceID: "ws1", TaskID: "t2"}},
			})
			assert.ErrorIs(t, err, ErrNotFound)
			got, err := s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, pkg.StatusTodo, got.Status)
			notes, err := s.ListNotifications(ctx, "ws1")
			require.NoError(t, err)
			assert.Empty(t, notes)

			freed := t2.Clone()
			freed.DependsOn = []string{}
			freed.IsBlocked = false
			require.NoError(t, s.WriteBatch(ctx, Batch{
				UpdateTasks:    []*pkg.Task{freed},
				DeleteTask:     t1,
				DeleteComments: []pkg.Comment{comment},
				Notifications:  []*pkg.Notification{{ID: "n1", WorkspaceID: "ws1", TaskID: "t2"}},
			}))

			_, err = s.GetTask(ctx, "t1")
			assert.ErrorIs(t, err, ErrNotFound)
			got, err = s.GetTask(ctx, "t2")
			require.NoError(t, err)
			assert.False(t, got.IsBlocked)
			tasks, err := s.ListProjectTasks(ctx, "p1")
			require.NoError(t, err)
			assert.Len(t, tasks, 1)
			comments, err := s.ListComments(ctx, "ws1")
			require.NoError(t, err)
			assert.Empty(t, comments)
			notes, err = s.ListNotifications(ctx, "ws1")
			require.NoError(t, err)
			assert.Len(t, notes, 1)

			err = s.WriteBatch(ctx, Batch{Notifications: []*pkg.Notification{{ID: "n1", WorkspaceID: "ws1"}}})
			assert.ErrorIs(t, err, ErrAlreadyExists)
		})
	}
}

func TestStore_WorkspaceScoping(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateProject(ctx, &pkg.Project{ID: "a", WorkspaceID: "ws1"}))
			require.NoError(t, s.CreateProject(ctx, &pkg.Project{ID: "b", WorkspaceID: "ws2"}))
			require.NoError(t, s.CreateComment(ctx, &pkg.Comment{ID: "c1", WorkspaceID: "ws1", TaskID: "t", Body: "hi"}))
			require.NoError(t, s.CreateNotification(ctx, &pkg.Notification{ID: "n1", WorkspaceID: "ws2", TaskID: "t", Kind: pkg.NotificationTaskUnblocked}))

			projects, err := s.ListProjects(ctx, "ws1")
			require.NoError(t, err)
			require.Len(t, projects, 1)
			assert.Equal(t, "a", projects[0].ID)

			comments, err := s.ListComments(ctx, "ws1")
			require.NoError(t, err)
			assert.Len(t, comments, 1)

			notes, err := s.ListNotifications(ctx, "ws1")
			require.NoError(t, err)
			assert.Empty(t, notes)

			notes, err = s.ListNotifications(ctx, "ws2")
			require.NoError(t, err)
			assert.Len(t, notes, 1)

			require.NoError(t, s.DeleteProject(ctx, "a"))
			_, err = s.GetProject(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.DeleteProject(ctx, "a"), ErrNotFound)
		})
	}
}

func TestStore_WorkspaceMembers(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateWorkspace(ctx, &pkg.Workspace{ID: "ws1", Members: []string{"alice", "bob"}}))
			assert.ErrorIs(t, s.CreateWorkspace(ctx, &pkg.Workspace{ID: "ws1"}), ErrAlreadyExists)

			ws, err := s.GetWorkspace(ctx, "ws1")
			require.NoError(t, err)
			assert.True(t, ws.HasMember("bob"))
			assert.False(t, ws.HasMember("mallory"))

			_, err = s.GetWorkspace(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "")
	assert.Error(t, err)

	_, err = NewRedisClient(context.Background(), "not-a-url://")
	assert.Error(t, err)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "tf:")

	require.NoError(t, s.CreateTask(context.Background(), &pkg.Task{ID: "t1", WorkspaceID: "ws", ProjectID: "p"}))
	assert.True(t, mr.Exists("tf:task:t1"))
	members, err := mr.SMembers("tf:project:p:tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, members)
}
