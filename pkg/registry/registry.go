// Package registry owns one RPC connection per configured node and wires
// every connection into a shared height tracker.
//
// Usage:
//
//	reg, err := registry.New(nodes, registry.Config{})
//	if err != nil {
//	    return err
//	}
//	if err := reg.ConnectAll(ctx); err != nil {
//	    return err
//	}
//	defer reg.DisconnectAll()
//
//	err = reg.Heights().WaitUntilHeightMatches(ctx, "verifier", "issuer")
package registry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/heights"
	"github.com/fortiblox/heightsync/pkg/wsrpc"
)

// Registry errors.
var (
	ErrUnknownNode      = errors.New("unknown node")
	ErrDuplicateNode    = errors.New("duplicate node")
	ErrNotConnected     = errors.New("registry not connected")
	ErrAlreadyConnected = errors.New("registry already connected")
)

// Default configuration values.
const (
	// DefaultResyncTimeout bounds the subscribe + status exchange run on
	// every connection.
	DefaultResyncTimeout = 30 * time.Second

	// DefaultLagThreshold is how many blocks a node may trail the highest
	// node before it is reported unhealthy.
	DefaultLagThreshold = int64(5)
)

// Config configures a Registry.
type Config struct {
	// Client is the template for every node's connection. OnConnect is
	// chained after the registry's own resync.
	Client wsrpc.Config

	// ResyncTimeout bounds the resync run on every connection.
	ResyncTimeout time.Duration

	// LagThreshold is the number of blocks behind the highest node after
	// which a node is reported unhealthy.
	LagThreshold int64

	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry

	// OnAdvance is passed to the height tracker.
	OnAdvance func(node types.NodeID, height int64)
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	if c.ResyncTimeout == 0 {
		c.ResyncTimeout = DefaultResyncTimeout
	}
	if c.LagThreshold == 0 {
		c.LagThreshold = DefaultLagThreshold
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

type node struct {
	desc types.NodeDescriptor
	url  string
}

// Registry maps node ids to addresses and connections.
type Registry struct {
	config  Config
	log     *logrus.Entry
	ids     []types.NodeID
	nodes   map[types.NodeID]node
	tracker *heights.Tracker

	// connect starts a client; replaced in tests.
	connect func(c *wsrpc.Client, ctx context.Context) error

	mu      deadlock.RWMutex
	clients map[types.NodeID]*wsrpc.Client
	detach  []func()
	cancel  context.CancelFunc
}

// New validates the node set and creates its height tracker. No connection
// is opened until ConnectAll.
func New(descriptors []types.NodeDescriptor, config Config) (*Registry, error) {
	config = config.WithDefaults()

	r := &Registry{
		config:  config,
		log:     config.Logger.WithField("component", "registry"),
		nodes:   make(map[types.NodeID]node, len(descriptors)),
		connect: (*wsrpc.Client).Connect,
	}

	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.nodes[d.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateNode, "%s", d.ID)
		}
		url, err := types.WebsocketURL(d.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "node %s", d.ID)
		}
		r.nodes[d.ID] = node{desc: d, url: url}
		r.ids = append(r.ids, d.ID)
	}
	r.ids = types.SortNodeIDs(r.ids)

	tracker, err := heights.New(r.ids, heights.Config{
		Logger:    config.Logger,
		OnAdvance: config.OnAdvance,
	})
	if err != nil {
		return nil, err
	}
	r.tracker = tracker
	return r, nil
}

// Nodes returns the configured node ids in sorted order.
func (r *Registry) Nodes() []types.NodeID {
	return append([]types.NodeID(nil), r.ids...)
}

// Heights returns the shared height tracker.
func (r *Registry) Heights() *heights.Tracker {
	return r.tracker
}

// Address returns the configured address of id.
func (r *Registry) Address(id types.NodeID) (string, error) {
	n, ok := r.nodes[id]
	if !ok {
		return "", errors.Wrapf(ErrUnknownNode, "%s", id)
	}
	return n.desc.Address, nil
}

// URL returns the WebSocket URL dialed for id.
func (r *Registry) URL(id types.NodeID) (string, error) {
	n, ok := r.nodes[id]
	if !ok {
		return "", errors.Wrapf(ErrUnknownNode, "%s", id)
	}
	return n.url, nil
}

// Client returns the connection of id.
func (r *Registry) Client(id types.NodeID) (*wsrpc.Client, error) {
	if _, ok := r.nodes[id]; !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "%s", id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, ErrNotConnected
	}
	return c, nil
}

// ConnectAll creates and starts a connection for every node. Each
// connection feeds the tracker and, every time it connects, resubscribes to
// new blocks and fetches the node's current height. ctx bounds the
// lifetime of the connections.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients != nil {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	clients := make(map[types.NodeID]*wsrpc.Client, len(r.ids))
	var detach []func()

	for _, id := range r.ids {
		client, err := r.newClient(ctx, id)
		if err != nil {
			for _, fn := range detach {
				fn()
			}
			for _, c := range clients {
				c.Close()
			}
			cancel()
			return errors.Wrapf(err, "node %s", id)
		}
		clients[id] = client
		detach = append(detach, r.tracker.Attach(client))
	}

	for _, id := range r.ids {
		if err := r.connect(clients[id], ctx); err != nil {
			for _, fn := range detach {
				fn()
			}
			for _, c := range clients {
				c.Close()
			}
			cancel()
			return errors.Wrapf(err, "connect %s", id)
		}
	}

	r.clients = clients
	r.detach = detach
	r.cancel = cancel
	r.log.WithField("nodes", len(clients)).Info("Connecting to all nodes")
	return nil
}

func (r *Registry) newClient(ctx context.Context, id types.NodeID) (*wsrpc.Client, error) {
	cfg := r.config.Client
	cfg.Logger = r.config.Logger.WithField("component", "wsrpc")

	var client *wsrpc.Client
	onConnect := cfg.OnConnect
	cfg.OnConnect = func() {
		r.resync(ctx, client)
		if onConnect != nil {
			onConnect()
		}
	}

	client, err := wsrpc.NewClient(id, r.nodes[id].url, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// resync subscribes client to new blocks and records its current height.
func (r *Registry) resync(ctx context.Context, client *wsrpc.Client) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ResyncTimeout)
	defer cancel()

	log := r.log.WithField("node", client.NodeID())
	err := r.tracker.Resync(ctx, client)
	if err == nil {
		log.Debug("Resynced")
		return
	}
	log.WithError(err).Warn("Resync failed")

	// Without a subscription the height only moves on the next connection,
	// so drop this one and let the reconnect path subscribe again.
	var rerr *heights.ResyncError
	if errors.As(err, &rerr) && rerr.Subscribe != nil && !wsrpc.IsRetryable(rerr.Subscribe) {
		if err := client.Reconnect(errors.Wrap(rerr.Subscribe, "subscribe")); err != nil &&
			!errors.Is(err, wsrpc.ErrNotConnected) && !errors.Is(err, wsrpc.ErrClosed) {
			log.WithError(err).Warn("Failed to drop connection")
		}
	}
}

// WaitConnected blocks until every connection is connected.
func (r *Registry) WaitConnected(ctx context.Context) error {
	r.mu.RLock()
	clients := r.clients
	r.mu.RUnlock()
	if clients == nil {
		return ErrNotConnected
	}

	for _, id := range r.ids {
		if err := clients[id].WaitConnected(ctx); err != nil {
			return errors.Wrapf(err, "node %s", id)
		}
	}
	return nil
}

// DisconnectAll permanently closes every connection. A later ConnectAll
// creates fresh connections.
func (r *Registry) DisconnectAll() error {
	r.mu.Lock()
	clients, detach, cancel := r.clients, r.detach, r.cancel
	r.clients, r.detach, r.cancel = nil, nil, nil
	r.mu.Unlock()

	if clients == nil {
		return nil
	}
	for _, fn := range detach {
		fn()
	}
	for _, id := range r.ids {
		clients[id].Close()
	}
	if cancel != nil {
		cancel()
	}
	r.log.Info("Disconnected from all nodes")
	return nil
}
