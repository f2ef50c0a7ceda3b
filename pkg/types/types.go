// Package types provides shared types for the polling coordinator.
package types

// DeviceRef is the coordinator's view of a device from the external
// inventory. The core references devices by ID only; address and
// credentials stay inside the polling client.
type DeviceRef struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Enabled bool   `json:"enabled"`
}

// TaskClass categorizes an operation. It is the quota-tracking dimension
// and selects the dispatch queue.
type TaskClass string

const (
	TaskClassDiscovery TaskClass = "discovery"
	TaskClassRead      TaskClass = "read"
	TaskClassManual    TaskClass = "manual"
	TaskClassCleanup   TaskClass = "cleanup"
)

// QueueName returns the dispatch queue consuming this class.
func (c TaskClass) QueueName() string {
	return string(c)
}

// ExpectedOffset returns the second-of-minute this class is expected to
// land on, or ok=false if the class is not pinned to an offset.
// Discovery and read are staggered so the two classes never collide.
func (c TaskClass) ExpectedOffset() (int, bool) {
	switch c {
	case TaskClassDiscovery:
		return 0, true
	case TaskClassRead:
		return 10, true
	default:
		return 0, false
	}
}

// Valid reports whether the class is one of the known task classes.
func (c TaskClass) Valid() bool {
	switch c {
	case TaskClassDiscovery, TaskClassRead, TaskClassManual, TaskClassCleanup:
		return true
	}
	return false
}

// Mode is the process-wide execution mode.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeProduction Mode = "production"
)

// PortRef is the logical location of a device-native record index.
type PortRef struct {
	Slot int `json:"slot"`
	Port int `json:"port"`
	Unit int `json:"unit"`
}

// IndexResolver maps device-native record indexes to logical ports and
// back. The formula library lives outside the coordination core; workers
// consume it opaquely when interpreting device responses.
type IndexResolver interface {
	Resolve(rawIndex int) (PortRef, error)
	Index(ref PortRef) (int, error)
}
