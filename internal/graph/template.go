package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/oltfleet/coordinator/pkg/types"
)

var ErrTemplateNotFound = errors.New("template not found")

// RegisterTemplate stores or replaces a template definition. When the
// template has AutoSync set, every linked device graph is
// resynchronized immediately.
func (m *Manager) RegisterTemplate(t types.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dup := t
	dup.Nodes = append([]types.TemplateNode(nil), t.Nodes...)
	m.templates[t.ID] = &dup

	if !dup.AutoSync {
		return nil
	}
	for _, deviceID := range m.links[t.ID] {
		if err := m.syncDeviceLocked(deviceID, &dup); err != nil {
			return fmt.Errorf("sync device %s: %w", deviceID, err)
		}
	}
	return nil
}

// ApplyTemplate instantiates a template's nodes into a device graph and
// links the graph to the template. Masters are inserted before chain
// nodes so master references always resolve.
func (m *Manager) ApplyTemplate(deviceID, templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	g := m.ensureGraphLocked(deviceID)

	ordered := append([]types.TemplateNode(nil), t.Nodes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !ordered[i].IsChainNode && ordered[j].IsChainNode
	})

	now := m.now().UTC()
	for _, tn := range ordered {
		if _, exists := g.nodes[tn.Key]; exists {
			continue
		}
		node := types.Node{
			Key:             tn.Key,
			Name:            tn.Name,
			TaskClass:       tn.TaskClass,
			IntervalSeconds: tn.IntervalSeconds,
			Priority:        tn.Priority,
			Enabled:         tn.Enabled,
			Parameters:      copyParams(tn.Parameters),
			IsChainNode:     tn.IsChainNode,
			MasterKey:       tn.MasterKey,
			TemplateID:      templateID,
		}
		if !node.IsChainNode {
			node.NextRunAt = now
		}
		g.nodes[tn.Key] = &node
		if tn.IsChainNode {
			g.edges = append(g.edges, types.Edge{
				From:      tn.MasterKey,
				To:        tn.Key,
				Type:      types.EdgeChain,
				Condition: tn.Condition,
			})
		}
	}

	m.linkLocked(templateID, deviceID)
	return nil
}

func (m *Manager) linkLocked(templateID, deviceID string) {
	for _, id := range m.links[templateID] {
		if id == deviceID {
			return
		}
	}
	m.links[templateID] = append(m.links[templateID], deviceID)
}

// SyncDevice re-applies template values to every bound node of one
// device graph. Idempotent.
func (m *Manager) SyncDevice(deviceID, templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return m.syncDeviceLocked(deviceID, t)
}

func (m *Manager) syncDeviceLocked(deviceID string, t *types.Template) error {
	g, ok := m.graphs[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, deviceID)
	}
	byKey := make(map[string]*types.TemplateNode, len(t.Nodes))
	for i := range t.Nodes {
		byKey[t.Nodes[i].Key] = &t.Nodes[i]
	}
	for _, node := range g.nodes {
		if node.TemplateID != t.ID {
			continue
		}
		tn, ok := byKey[node.Key]
		if !ok {
			continue
		}
		syncNode(node, tn)
	}
	return nil
}

// syncNode overwrites template-managed fields on a bound node unless
// the per-field override flag protects that field.
func syncNode(node *types.Node, tn *types.TemplateNode) {
	if !node.Overrides.Interval {
		node.IntervalSeconds = tn.IntervalSeconds
	}
	if !node.Overrides.Priority {
		node.Priority = tn.Priority
	}
	if !node.Overrides.Enabled {
		node.Enabled = tn.Enabled
	}
	if !node.Overrides.Parameters {
		node.Parameters = copyParams(tn.Parameters)
	}
	node.Name = tn.Name
}

func copyParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
