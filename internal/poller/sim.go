package poller

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oltfleet/coordinator/pkg/types"
)

// identityResolver is the fallback when no formula library is wired.
type identityResolver struct{}

func (identityResolver) Resolve(raw int) (types.PortRef, error) {
	return types.PortRef{Slot: raw >> 16, Port: (raw >> 8) & 0xff, Unit: raw & 0xff}, nil
}

func (identityResolver) Index(ref types.PortRef) (int, error) {
	return ref.Slot<<16 | ref.Port<<8 | ref.Unit, nil
}

// SimClient implements Client without touching any device. Used in
// simulation mode and in tests; produces deterministic-shaped results
// with an injectable failure rate and latency.
type SimClient struct {
	mu          sync.Mutex
	rng         *rand.Rand
	resolver    types.IndexResolver
	FailureRate float64
	Latency     time.Duration
}

// NewSimClient creates a simulated polling client.
func NewSimClient(seed int64, resolver types.IndexResolver) *SimClient {
	if resolver == nil {
		resolver = identityResolver{}
	}
	return &SimClient{
		rng:      rand.New(rand.NewSource(seed)),
		resolver: resolver,
	}
}

// SetFailureRate adjusts the simulated failure probability at runtime.
func (c *SimClient) SetFailureRate(rate float64) {
	c.mu.Lock()
	c.FailureRate = rate
	c.mu.Unlock()
}

// Poll implements Client.
func (c *SimClient) Poll(ctx context.Context, device types.DeviceRef, node types.Node) (types.ResultSummary, error) {
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	fail := c.rng.Float64() < c.FailureRate
	records := 1 + c.rng.Intn(64)
	rawIndex := c.rng.Intn(1 << 20)
	c.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("simulated poll failure on %s/%s", device.ID, node.Key)
	}

	ref, err := c.resolver.Resolve(rawIndex)
	if err != nil {
		return nil, fmt.Errorf("resolve index %d: %w", rawIndex, err)
	}

	return types.ResultSummary{
		"records":   records,
		"simulated": true,
		"sample": map[string]interface{}{
			"slot": ref.Slot,
			"port": ref.Port,
			"unit": ref.Unit,
		},
	}, nil
}

var _ Client = (*SimClient)(nil)
