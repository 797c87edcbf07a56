package graph

import (
	"fmt"
	"sort"

	"taskflow/pkg"
)

// Flip records the blocked state of one task before and after a graph change
type Flip struct {
	TaskID string
	Was    bool
	Now    bool
}

// Changed reports whether the blocked flag actually moved
func (f Flip) Changed() bool { return f.Was != f.Now }

// Unblocked reports a blocked -> unblocked transition
func (f Flip) Unblocked() bool { return f.Was && !f.Now }

type node struct {
	status     pkg.TaskStatus
	deps       map[string]struct{} // tasks this one depends on
	dependents map[string]struct{} // tasks that depend on this one
	blocked    bool
}

func newNode(status pkg.TaskStatus) *node {
	return &node{
		status:     status,
		deps:       make(map[string]struct{}),
		dependents: make(map[string]struct{}),
	}
}

// Project is the dependency graph of one project. It is not safe for
// concurrent use; Manager hands it out under the project lock.
type Project struct {
	ID    string
	nodes map[string]*node
}

// NewProject creates an empty project graph
func NewProject(id string) *Project {
	return &Project{ID: id, nodes: make(map[string]*node)}
}

// Load builds a project graph from stored tasks. Blocked flags are derived
// from the loaded statuses, never from the stored IsBlocked field.
func Load(projectID string, tasks []pkg.Task) (*Project, error) {
	p := NewProject(projectID)
	for _, t := range tasks {
		if err := p.AddTask(t.ID, t.Status); err != nil {
			return nil, err
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			b, ok := p.nodes[dep]
			if !ok {
				return nil, &GraphError{Kind: ErrCorruptGraph, Msg: fmt.Sprintf("%s depends on missing task %s", t.ID, dep)}
			}
			n := p.nodes[t.ID]
			n.deps[dep] = struct{}{}
			b.dependents[t.ID] = struct{}{}
		}
	}
	if cycle := p.DetectCycle(); cycle != nil {
		return nil, &GraphError{Kind: ErrCorruptGraph, Msg: "cycle in stored dependencies", Path: cycle}
	}
	for id := range p.nodes {
		p.recompute(id)
	}
	return p, nil
}

// AddTask adds an isolated task. A task with no dependencies is never blocked.
func (p *Project) AddTask(id string, status pkg.TaskStatus) error {
	if _, exists := p.nodes[id]; exists {
		return &GraphError{Kind: ErrTaskExists, Msg: id}
	}
	p.nodes[id] = newNode(status)
	return nil
}

// RemoveTask drops a task and every edge touching it. It returns one Flip per
// former dependent, sorted by task id, whether or not its flag changed.
func (p *Project) RemoveTask(id string) ([]Flip, error) {
	n, ok := p.nodes[id]
	if !ok {
		return nil, unknownTask(id)
	}

	for dep := range n.deps {
		delete(p.nodes[dep].dependents, id)
	}

	dependents := sortedKeys(n.dependents)
	flips := make([]Flip, 0, len(dependents))
	for _, d := range dependents {
		dn := p.nodes[d]
		delete(dn.deps, id)
		was := dn.blocked
		p.recompute(d)
		flips = append(flips, Flip{TaskID: d, Was: was, Now: dn.blocked})
	}

	delete(p.nodes, id)
	return flips, nil
}

// CheckDependency validates the edge dependent -> blocker without inserting it.
// The edge is rejected when blocker can already reach dependent.
func (p *Project) CheckDependency(dependent, blocker string) error {
	dn, ok := p.nodes[dependent]
	if !ok {
		return unknownTask(dependent)
	}
	if _, ok := p.nodes[blocker]; !ok {
		return unknownTask(blocker)
	}
	if dependent == blocker {
		return cycleError([]string{dependent, dependent})
	}
	if _, exists := dn.deps[blocker]; exists {
		return &GraphError{Kind: ErrEdgeExists, Msg: fmt.Sprintf("%s -> %s", dependent, blocker)}
	}
	if path := p.path(blocker, dependent); path != nil {
		return cycleError(append([]string{dependent}, path...))
	}
	return nil
}

// AddDependency inserts the edge dependent -> blocker. On error the graph is unchanged.
func (p *Project) AddDependency(dependent, blocker string) (Flip, error) {
	if err := p.CheckDependency(dependent, blocker); err != nil {
		return Flip{}, err
	}

	dn := p.nodes[dependent]
	dn.deps[blocker] = struct{}{}
	p.nodes[blocker].dependents[dependent] = struct{}{}

	was := dn.blocked
	p.recompute(dependent)
	return Flip{TaskID: dependent, Was: was, Now: dn.blocked}, nil
}

// RemoveDependency deletes the edge dependent -> blocker and rescans the
// dependent's remaining dependencies.
func (p *Project) RemoveDependency(dependent, blocker string) (Flip, error) {
	dn, ok := p.nodes[dependent]
	if !ok {
		return Flip{}, unknownTask(dependent)
	}
	if _, exists := dn.deps[blocker]; !exists {
		return Flip{}, &GraphError{Kind: ErrEdgeNotFound, Msg: fmt.Sprintf("%s -> %s", dependent, blocker)}
	}

	delete(dn.deps, blocker)
	if bn, ok := p.nodes[blocker]; ok {
		delete(bn.dependents, dependent)
	}

	was := dn.blocked
	p.recompute(dependent)
	return Flip{TaskID: dependent, Was: was, Now: dn.blocked}, nil
}

// OnStatusChange records a new status for task. When the task enters or
// leaves done, every direct dependent is recomputed and the ones whose flag
// changed are returned, sorted by task id.
func (p *Project) OnStatusChange(task string, status pkg.TaskStatus) ([]Flip, error) {
	n, ok := p.nodes[task]
	if !ok {
		return nil, unknownTask(task)
	}

	wasDone := n.status == pkg.StatusDone
	n.status = status
	if wasDone == (status == pkg.StatusDone) {
		return nil, nil
	}

	var flips []Flip
	for _, d := range sortedKeys(n.dependents) {
		dn := p.nodes[d]
		was := dn.blocked
		p.recompute(d)
		if was != dn.blocked {
			flips = append(flips, Flip{TaskID: d, Was: was, Now: dn.blocked})
		}
	}
	return flips, nil
}

// IsBlocked reports whether any direct dependency of task is not done
func (p *Project) IsBlocked(task string) bool {
	n, ok := p.nodes[task]
	return ok && n.blocked
}

// Status returns the status the graph holds for task
func (p *Project) Status(task string) (pkg.TaskStatus, bool) {
	n, ok := p.nodes[task]
	if !ok {
		return "", false
	}
	return n.status, true
}

// Dependencies returns the direct dependencies of task, sorted
func (p *Project) Dependencies(task string) []string {
	n, ok := p.nodes[task]
	if !ok {
		return nil
	}
	return sortedKeys(n.deps)
}

// Dependents returns the tasks that directly depend on task, sorted
func (p *Project) Dependents(task string) []string {
	n, ok := p.nodes[task]
	if !ok {
		return nil
	}
	return sortedKeys(n.dependents)
}

func (p *Project) HasTask(id string) bool {
	_, ok := p.nodes[id]
	return ok
}

func (p *Project) Len() int { return len(p.nodes) }

// EdgeCount returns the number of dependency edges
func (p *Project) EdgeCount() int {
	count := 0
	for _, n := range p.nodes {
		count += len(n.deps)
	}
	return count
}

// DetectCycle returns a cycle path if one exists, nil otherwise.
// Uses DFS with white/gray/black coloring over depends-on edges.
func (p *Project) DetectCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(p.nodes))
	parent := make(map[string]string, len(p.nodes))

	var cyclePath []string
	var dfs func(string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range sortedKeys(p.nodes[u].deps) {
			switch color[v] {
			case gray:
				cyclePath = []string{v, u}
				for cur := u; cur != v; {
					cur = parent[cur]
					cyclePath = append(cyclePath, cur)
				}
				reverse(cyclePath)
				return true
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			}
		}
		color[u] = black
		return false
	}

	for _, id := range sortedKeys(p.nodes) {
		if color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}
	return nil
}

func (p *Project) recompute(id string) {
	n := p.nodes[id]
	n.blocked = false
	for dep := range n.deps {
		if p.nodes[dep].status != pkg.StatusDone {
			n.blocked = true
			return
		}
	}
}

// path returns a depends-on path from -> ... -> to, or nil if to is unreachable
func (p *Project) path(from, to string) []string {
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if u == to {
			var out []string
			for cur := to; cur != ""; cur = parent[cur] {
				out = append(out, cur)
			}
			reverse(out)
			return out
		}
		for _, v := range sortedKeys(p.nodes[u].deps) {
			if _, seen := parent[v]; !seen {
				parent[v] = u
				queue = append(queue, v)
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
