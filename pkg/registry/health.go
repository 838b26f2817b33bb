package registry

import (
	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/wsrpc"
)

// NodeHealth combines a node's connection health with its height lag.
type NodeHealth struct {
	Node        types.NodeID
	Address     string
	Connection  wsrpc.ClientHealth
	Height      int64
	HeightKnown bool

	// Lag is how many blocks the node trails the highest known height.
	Lag int64

	// Healthy is true when the node is connected, has reported a height
	// and trails the highest node by no more than the lag threshold.
	Healthy bool
}

// Health reports every node in sorted order. The reference height is the
// highest height known across all nodes.
func (r *Registry) Health() []NodeHealth {
	snapshot := r.tracker.Heights()

	var reference int64
	for _, h := range snapshot {
		if h > reference {
			reference = h
		}
	}

	r.mu.RLock()
	clients := r.clients
	r.mu.RUnlock()

	out := make([]NodeHealth, 0, len(r.ids))
	for _, id := range r.ids {
		nh := NodeHealth{
			Node:    id,
			Address: r.nodes[id].desc.Address,
		}
		if c, ok := clients[id]; ok {
			nh.Connection = c.Health()
		} else {
			nh.Connection = wsrpc.ClientHealth{Node: id, URL: r.nodes[id].url, State: wsrpc.StateDisconnected}
		}
		if h, ok := snapshot[id]; ok {
			nh.Height = h
			nh.HeightKnown = true
			nh.Lag = reference - h
		}
		nh.Healthy = nh.Connection.Connected && nh.HeightKnown && nh.Lag <= r.config.LagThreshold
		out = append(out, nh)
	}
	return out
}
