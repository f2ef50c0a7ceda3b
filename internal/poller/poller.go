// Package poller is the boundary to the protocol client that talks to
// devices. The coordination core never performs device I/O itself;
// workers call Poll and report the outcome back through callbacks.
package poller

import (
	"context"

	"github.com/oltfleet/coordinator/pkg/types"
)

// Client performs one polling operation against a device. Retries are
// the client's own business: however many protocol-level attempts it
// makes, the caller observes a single outcome.
type Client interface {
	Poll(ctx context.Context, device types.DeviceRef, node types.Node) (types.ResultSummary, error)
}
