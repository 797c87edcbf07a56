package graph

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/pkg"
)

func newProject(t *testing.T, ids ...string) *Project {
	t.Helper()
	p := NewProject("p1")
	for _, id := range ids {
		require.NoError(t, p.AddTask(id, pkg.StatusTodo))
	}
	return p
}

func TestAddDependency_ThenReverseIsRejected(t *testing.T) {
	p := newProject(t, "a", "b")

	flip, err := p.AddDependency("a", "b")
	require.NoError(t, err)
	assert.Equal(t, Flip{TaskID: "a", Was: false, Now: true}, flip)

	_, err = p.AddDependency("b", "a")
	require.ErrorIs(t, err, ErrCycleRejected)

	var gerr *GraphError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, []string{"b", "a", "b"}, gerr.Path)

	assert.Equal(t, 1, p.EdgeCount())
	assert.Equal(t, []string{"b"}, p.Dependencies("a"))
	assert.Empty(t, p.Dependencies("b"))
	assert.False(t, p.IsBlocked("b"))
}

func TestAddDependency_SelfEdge(t *testing.T) {
	p := newProject(t, "a")
	_, err := p.AddDependency("a", "a")
	assert.ErrorIs(t, err, ErrCycleRejected)
	assert.Equal(t, 0, p.EdgeCount())
	assert.False(t, p.IsBlocked("a"))
}

func TestAddDependency_TransitiveCycle(t *testing.T) {
	// a -> b -> c; c -> a would close the loop
	p := newProject(t, "a", "b", "c")
	_, err := p.AddDependency("a", "b")
	require.NoError(t, err)
	_, err = p.AddDependency("b", "c")
	require.NoError(t, err)

	_, err = p.AddDependency("c", "a")
	require.ErrorIs(t, err, ErrCycleRejected)
	assert.Equal(t, 2, p.EdgeCount())
	assert.Nil(t, p.DetectCycle())
}

func TestAddDependency_Errors(t *testing.T) {
	p := newProject(t, "a", "b")
	_, err := p.AddDependency("a", "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = p.AddDependency("a", "b")
	require.NoError(t, err)
	_, err = p.AddDependency("a", "b")
	assert.ErrorIs(t, err, ErrEdgeExists)

	_, err = p.RemoveDependency("b", "a")
	assert.ErrorIs(t, err, ErrEdgeNotFound)
}

func TestAddDependency_OnDoneBlockerStaysUnblocked(t *testing.T) {
	p := NewProject("p1")
	require.NoError(t, p.AddTask("a", pkg.StatusTodo))
	require.NoError(t, p.AddTask("b", pkg.StatusDone))

	flip, err := p.AddDependency("a", "b")
	require.NoError(t, err)
	assert.False(t, flip.Changed())
	assert.False(t, p.IsBlocked("a"))
}

func TestRemoveDependency_RescansRemaining(t *testing.T) {
	p := newProject(t, "a", "b", "c")
	_, err := p.AddDependency("a", "b")
	require.NoError(t, err)
	_, err = p.AddDependency("a", "c")
	require.NoError(t, err)
	_, err = p.OnStatusChange("b", pkg.StatusDone)
	require.NoError(t, err)
	assert.True(t, p.IsBlocked("a"), "c is still open")

	flip, err := p.RemoveDependency("a", "c")
	require.NoError(t, err)
	assert.True(t, flip.Unblocked())
	assert.False(t, p.IsBlocked("a"))
}

func TestOnStatusChange_OnlyFlippedDependents(t *testing.T) {
	// a and b depend on x; b also depends on y; c already unblocked
	p := newProject(t, "x", "y", "a", "b")
	require.NoError(t, p.AddTask("c", pkg.StatusTodo))
	for _, e := range [][2]string{{"a", "x"}, {"b", "x"}, {"b", "y"}} {
		_, err := p.AddDependency(e[0], e[1])
		require.NoError(t, err)
	}

	flips, err := p.OnStatusChange("x", pkg.StatusDone)
	require.NoError(t, err)
	require.Len(t, flips, 1)
	assert.Equal(t, Flip{TaskID: "a", Was: true, Now: false}, flips[0])
	assert.True(t, p.IsBlocked("b"))

	// moving between non-done statuses never recomputes
	flips, err = p.OnStatusChange("y", pkg.StatusInReview)
	require.NoError(t, err)
	assert.Empty(t, flips)

	flips, err = p.OnStatusChange("y", pkg.StatusDone)
	require.NoError(t, err)
	require.Len(t, flips, 1)
	assert.Equal(t, "b", flips[0].TaskID)
}

func TestOnStatusChange_ReopenReblocks(t *testing.T) {
	p := newProject(t, "a", "b")
	_, err := p.AddDependency("a", "b")
	require.NoError(t, err)
	_, err = p.OnStatusChange("b", pkg.StatusDone)
	require.NoError(t, err)

	flips, err := p.OnStatusChange("b", pkg.StatusInProgress)
	require.NoError(t, err)
	require.Len(t, flips, 1)
	assert.Equal(t, Flip{TaskID: "a", Was: false, Now: true}, flips[0])
}

func TestRemoveTask_ReportsEveryDependent(t *testing.T) {
	p := newProject(t, "x", "y", "a", "b")
	for _, e := range [][2]string{{"a", "x"}, {"b", "x"}, {"b", "y"}, {"x", "y"}} {
		_, err := p.AddDependency(e[0], e[1])
		require.NoError(t, err)
	}

	flips, err := p.RemoveTask("x")
	require.NoError(t, err)
	require.Len(t, flips, 2)
	assert.Equal(t, Flip{TaskID: "a", Was: true, Now: false}, flips[0])
	assert.Equal(t, Flip{TaskID: "b", Was: true, Now: true}, flips[1])
	assert.False(t, p.HasTask("x"))
	assert.Equal(t, []string{"b"}, p.Dependents("y"))

	_, err = p.RemoveTask("x")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestLoad(t *testing.T) {
	tasks := []pkg.Task{
		{ID: "a", Status: pkg.StatusTodo, DependsOn: []string{"b"}, IsBlocked: false},
		{ID: "b", Status: pkg.StatusTodo, IsBlocked: true},
	}
	p, err := Load("p1", tasks)
	require.NoError(t, err)
	assert.True(t, p.IsBlocked("a"), "derived from statuses")
	assert.False(t, p.IsBlocked("b"), "stored flag is ignored")

	_, err = Load("p1", []pkg.Task{{ID: "a", DependsOn: []string{"ghost"}}})
	assert.ErrorIs(t, err, ErrCorruptGraph)

	_, err = Load("p1", []pkg.Task{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	assert.ErrorIs(t, err, ErrCorruptGraph)
}

// checkInvariants asserts acyclicity and that every blocked flag matches its
// direct dependencies.
func checkInvariants(t *testing.T, p *Project) {
	t.Helper()
	require.Nil(t, p.DetectCycle())
	for id, n := range p.nodes {
		want := false
		for dep := range n.deps {
			if p.nodes[dep].status != pkg.StatusDone {
				want = true
			}
			_, back := p.nodes[dep].dependents[id]
			require.True(t, back, "reverse edge %s <- %s", dep, id)
		}
		require.Equal(t, want, n.blocked, "task %s", id)
	}
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7"}
	statuses := []pkg.TaskStatus{pkg.StatusTodo, pkg.StatusInProgress, pkg.StatusInReview, pkg.StatusDone}
	p := newProject(t, ids...)

	for i := 0; i < 2000; i++ {
		a := ids[rng.Intn(len(ids))]
		b := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			before := p.EdgeCount()
			_, err := p.AddDependency(a, b)
			if err != nil {
				require.Equal(t, before, p.EdgeCount(), "rejected insert must not change the graph")
				if a == b {
					require.ErrorIs(t, err, ErrCycleRejected)
				}
			}
		case 1:
			_, _ = p.RemoveDependency(a, b)
		case 2:
			_, err := p.OnStatusChange(a, statuses[rng.Intn(len(statuses))])
			require.NoError(t, err)
		}
		checkInvariants(t, p)
	}
}

type stubLoader struct {
	calls int
	tasks []pkg.Task
	err   error
}

func (s *stubLoader) ListProjectTasks(ctx context.Context, projectID string) ([]pkg.Task, error) {
	s.calls++
	return s.tasks, s.err
}

func TestManager_HydratesOnceAndSerializes(t *testing.T) {
	loader := &stubLoader{tasks: []pkg.Task{{ID: "a", Status: pkg.StatusTodo}}}
	m := NewManager(loader, zerolog.Nop())
	ctx := context.Background()

	p, release, err := m.Acquire(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.HasTask("a"))

	// second acquire waits for the lock
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = m.Acquire(waitCtx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	p2, release2, err := m.Acquire(ctx, "p1")
	require.NoError(t, err)
	defer release2()
	assert.Same(t, p, p2)
	assert.Equal(t, 1, loader.calls)
}

func TestManager_LoadErrorReleasesLock(t *testing.T) {
	loader := &stubLoader{err: errors.New("boom")}
	m := NewManager(loader, zerolog.Nop())

	_, _, err := m.Acquire(context.Background(), "p1")
	require.Error(t, err)

	loader.err = nil
	_, release, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	release()
	assert.Equal(t, 2, loader.calls)
}
