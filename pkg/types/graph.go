package types

import "time"

// Node is a schedulable unit of work within a device's task graph.
// A chain node has no independent clock; it runs only as a consequence
// of its master's successful completion and is never selected by the
// scheduler's time-based query.
type Node struct {
	Key                 string            `json:"key"`
	Name                string            `json:"name"`
	TaskClass           TaskClass         `json:"task_class"`
	IntervalSeconds     int               `json:"interval_seconds"`
	Priority            int               `json:"priority"`
	Enabled             bool              `json:"enabled"`
	Parameters          map[string]string `json:"parameters,omitempty"`
	NextRunAt           time.Time         `json:"next_run_at"`
	LastRunAt           *time.Time        `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	IsChainNode         bool              `json:"is_chain_node"`
	MasterKey           string            `json:"master_node_ref,omitempty"`
	TemplateID          string            `json:"template_id,omitempty"`
	Overrides           FieldOverrides    `json:"overrides"`
}

// Interval returns the node interval as a duration.
func (n *Node) Interval() time.Duration {
	return time.Duration(n.IntervalSeconds) * time.Second
}

// FieldOverrides protects individual node fields from template
// resynchronization.
type FieldOverrides struct {
	Interval   bool `json:"interval"`
	Priority   bool `json:"priority"`
	Enabled    bool `json:"enabled"`
	Parameters bool `json:"parameters"`
}

// EdgeType classifies an execution-precedence edge.
type EdgeType string

const (
	// EdgeChain marks the common master-to-chain dependency.
	EdgeChain EdgeType = "chain"
	// EdgeConditional marks an edge gated by an expression condition.
	EdgeConditional EdgeType = "conditional"
)

// Edge documents execution precedence between two nodes of one graph.
// Condition is an expression evaluated against the upstream result;
// empty means unconditional.
type Edge struct {
	From      string   `json:"upstream"`
	To        string   `json:"downstream"`
	Type      EdgeType `json:"edge_type"`
	Condition string   `json:"condition,omitempty"`
}

// Template mirrors a graph at a device-independent level. Templates may
// be linked to many device graphs; with AutoSync set, template-node
// changes are pushed to every linked graph node that has not overridden
// the field.
type Template struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	AutoSync bool           `json:"auto_sync"`
	Nodes    []TemplateNode `json:"nodes"`
}

// TemplateNode is the device-independent counterpart of a Node.
type TemplateNode struct {
	Key             string            `json:"key"`
	Name            string            `json:"name"`
	TaskClass       TaskClass         `json:"task_class"`
	IntervalSeconds int               `json:"interval_seconds"`
	Priority        int               `json:"priority"`
	Enabled         bool              `json:"enabled"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	IsChainNode     bool              `json:"is_chain_node"`
	MasterKey       string            `json:"master_node_ref,omitempty"`
	Condition       string            `json:"condition,omitempty"`
}
