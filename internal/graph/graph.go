// Package graph maintains per-device task graphs: master nodes driven
// by their own clock and chain nodes driven by master completion.
package graph

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/oltfleet/coordinator/pkg/types"
)

var (
	ErrGraphNotFound  = errors.New("device graph not found")
	ErrNodeNotFound   = errors.New("node not found")
	ErrNodeExists     = errors.New("node key already exists in graph")
	ErrMasterNotFound = errors.New("master node not found")
	ErrCycle          = errors.New("edge would create a cycle")
)

type deviceGraph struct {
	nodes map[string]*types.Node
	edges []types.Edge
}

// Manager is the authoritative holder of all device graphs and the
// templates they are linked to.
type Manager struct {
	mu        sync.RWMutex
	graphs    map[string]*deviceGraph
	templates map[string]*types.Template
	links     map[string][]string // template id -> device ids
	eval      *ConditionEvaluator
	now       func() time.Time
}

// NewManager creates an empty graph manager.
func NewManager() *Manager {
	return &Manager{
		graphs:    make(map[string]*deviceGraph),
		templates: make(map[string]*types.Template),
		links:     make(map[string][]string),
		eval:      NewConditionEvaluator(),
		now:       time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = clock
}

// EnsureGraph creates the graph for a device if absent.
func (m *Manager) EnsureGraph(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureGraphLocked(deviceID)
}

func (m *Manager) ensureGraphLocked(deviceID string) *deviceGraph {
	g, ok := m.graphs[deviceID]
	if !ok {
		g = &deviceGraph{nodes: make(map[string]*types.Node)}
		m.graphs[deviceID] = g
	}
	return g
}

// AddNode inserts a node into a device graph. Chain nodes must name an
// existing master; the implied chain edge is cycle-checked like any
// other edge.
func (m *Manager) AddNode(deviceID string, node types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.ensureGraphLocked(deviceID)
	if _, exists := g.nodes[node.Key]; exists {
		return fmt.Errorf("%w: %s", ErrNodeExists, node.Key)
	}
	if node.IsChainNode {
		if node.MasterKey == "" {
			return fmt.Errorf("%w: chain node %s has no master", ErrMasterNotFound, node.Key)
		}
		if _, ok := g.nodes[node.MasterKey]; !ok {
			return fmt.Errorf("%w: %s", ErrMasterNotFound, node.MasterKey)
		}
	}
	if !node.IsChainNode && node.NextRunAt.IsZero() {
		node.NextRunAt = m.now().UTC()
	}

	dup := node
	g.nodes[node.Key] = &dup

	if node.IsChainNode {
		g.edges = append(g.edges, types.Edge{
			From: node.MasterKey,
			To:   node.Key,
			Type: types.EdgeChain,
		})
	}
	return nil
}

// AddEdge records an execution-precedence edge. The edge is rejected if
// it would create a path back to an ancestor.
func (m *Manager) AddEdge(deviceID string, edge types.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, deviceID)
	}
	if _, ok := g.nodes[edge.From]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, edge.From)
	}
	if _, ok := g.nodes[edge.To]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, edge.To)
	}
	if g.reaches(edge.To, edge.From) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, edge.From, edge.To)
	}
	g.edges = append(g.edges, edge)
	return nil
}

// reaches reports whether a path from -> to exists over current edges.
func (g *deviceGraph) reaches(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.edges {
			if e.From != cur || seen[e.To] {
				continue
			}
			if e.To == to {
				return true
			}
			seen[e.To] = true
			stack = append(stack, e.To)
		}
	}
	return false
}

// GetNode returns a copy of a node.
func (m *Manager) GetNode(deviceID, key string) (*types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, deviceID)
	}
	n, ok := g.nodes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	dup := *n
	return &dup, nil
}

// Nodes returns copies of all nodes in a device graph, sorted by key.
func (m *Manager) Nodes(deviceID string) []*types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return nil
	}
	out := make([]*types.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		dup := *n
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Edges returns copies of all edges in a device graph.
func (m *Manager) Edges(deviceID string) []types.Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return nil
	}
	return append([]types.Edge(nil), g.edges...)
}

// DeviceIDs returns every device with a graph.
func (m *Manager) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.graphs))
	for id := range m.graphs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MutateNode applies fn to a node under the manager lock.
func (m *Manager) MutateNode(deviceID, key string, fn func(*types.Node)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, deviceID)
	}
	n, ok := g.nodes[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	fn(n)
	return nil
}

// ReadyNodes returns enabled master nodes whose next_run_at has
// elapsed, ordered by priority (descending) then next_run_at
// (ascending). Chain nodes are never selected here; they are scheduled
// by their master's completion.
func (m *Manager) ReadyNodes(deviceID string, now time.Time) []*types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return nil
	}
	var out []*types.Node
	for _, n := range g.nodes {
		if !n.Enabled || n.IsChainNode || n.NextRunAt.After(now) {
			continue
		}
		dup := *n
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].NextRunAt.Before(out[j].NextRunAt)
	})
	return out
}

// ChainTrigger is a chain node whose condition was satisfied by a
// master completion.
type ChainTrigger struct {
	Node types.Node
}

// OnNodeCompleted applies the completion callback for a node: run
// stats, next_run_at recomputed relative to the callback time (a
// delayed run must not cause catch-up bursts), and, on success, chain
// nodes whose trigger condition holds are returned for dispatch.
func (m *Manager) OnNodeCompleted(deviceID, key string, status types.ExecutionStatus, durationMS int64, summary types.ResultSummary) ([]ChainTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, deviceID)
	}
	n, ok := g.nodes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}

	now := m.now().UTC()
	n.LastRunAt = &now
	switch status {
	case types.ExecutionSuccess:
		n.LastSuccessAt = &now
		n.ConsecutiveFailures = 0
	case types.ExecutionFailed:
		n.LastFailureAt = &now
		n.ConsecutiveFailures++
	}
	n.NextRunAt = now.Add(n.Interval())

	if status != types.ExecutionSuccess {
		return nil, nil
	}

	// Evaluate chain triggers. Empty condition means unconditional.
	var triggers []ChainTrigger
	env := conditionEnv(status, durationMS, summary)
	for _, chain := range g.nodes {
		if !chain.IsChainNode || chain.MasterKey != key || !chain.Enabled {
			continue
		}
		cond := g.chainCondition(chain.Key)
		if cond != "" {
			ok, err := m.eval.EvaluateBool(cond, env)
			if err != nil {
				return triggers, fmt.Errorf("chain condition for %s: %w", chain.Key, err)
			}
			if !ok {
				continue
			}
		}
		triggers = append(triggers, ChainTrigger{Node: *chain})
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Node.Key < triggers[j].Node.Key })
	return triggers, nil
}

// chainCondition returns the condition on the edge targeting key, if
// any edge carries one.
func (g *deviceGraph) chainCondition(key string) string {
	for _, e := range g.edges {
		if e.To == key && e.Condition != "" {
			return e.Condition
		}
	}
	return ""
}

// Fingerprint hashes the enabled node set of a device (keys, intervals,
// chain flags). A changed fingerprint between ticks signals a
// structural change.
func (m *Manager) Fingerprint(deviceID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		return 0
	}
	keys := make([]string, 0, len(g.nodes))
	for k, n := range g.nodes {
		if n.Enabled {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		n := g.nodes[k]
		fmt.Fprintf(h, "%s|%d|%t;", k, n.IntervalSeconds, n.IsChainNode)
	}
	return h.Sum64()
}

// RescheduleMasters recomputes next_run_at = flipTime + interval and
// clears last_run_at for every master node with interval at or above
// minInterval. Chain nodes are untouched. Returns how many nodes were
// rescheduled. Used after a global mode change so no node fires
// immediately and none inherits stale timing from before the flip.
func (m *Manager) RescheduleMasters(flipTime time.Time, minInterval time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, g := range m.graphs {
		for _, node := range g.nodes {
			if node.IsChainNode || node.Interval() < minInterval {
				continue
			}
			node.NextRunAt = flipTime.Add(node.Interval())
			node.LastRunAt = nil
			n++
		}
	}
	return n
}

// ExpectedHourlyRuns returns how many completions a node is expected to
// produce within one period, used to seed quota requirements.
func ExpectedHourlyRuns(n *types.Node, period time.Duration) int {
	if n.IntervalSeconds <= 0 {
		return 0
	}
	return int(period / n.Interval())
}
