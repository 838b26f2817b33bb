// Package heights tracks the latest block height observed on each node and
// lets callers block until a node reaches a height.
//
// Heights only move forward: an observation not greater than the known
// height is ignored. Every waiter whose target is reached by an
// observation is released by that same observation.
package heights

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/wsrpc"
)

// Tracker errors.
var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrHeightUnknown = errors.New("height not yet observed")
)

// Config configures a Tracker.
type Config struct {
	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry

	// OnAdvance is called after every height advance, outside the tracker
	// lock (optional). Called synchronously - should not block.
	OnAdvance func(node types.NodeID, height int64)
}

// Source is a node connection the tracker can follow. *wsrpc.Client
// implements it.
type Source interface {
	NodeID() types.NodeID
	OnEvent(category wsrpc.EventCategory, fn func(wsrpc.Event)) (remove func())
	Subscribe(ctx context.Context, category wsrpc.EventCategory) error
	LatestHeight(ctx context.Context) (int64, error)
}

// Tracker holds per-node block height state.
type Tracker struct {
	log       *logrus.Entry
	onAdvance func(types.NodeID, int64)

	mu    deadlock.Mutex
	nodes map[types.NodeID]*nodeState
}

type nodeState struct {
	height  int64
	known   bool
	waiters map[*waiter]struct{}
}

type waiter struct {
	target int64
	done   chan struct{}
}

// New creates a tracker for a fixed node set.
func New(nodes []types.NodeID, config Config) (*Tracker, error) {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	t := &Tracker{
		log:       config.Logger.WithField("component", "heights"),
		onAdvance: config.OnAdvance,
		nodes:     make(map[types.NodeID]*nodeState, len(nodes)),
	}
	for _, id := range nodes {
		if id == "" {
			return nil, types.ErrEmptyNodeID
		}
		if _, ok := t.nodes[id]; ok {
			return nil, errors.Errorf("duplicate node %q", id)
		}
		t.nodes[id] = &nodeState{waiters: make(map[*waiter]struct{})}
	}
	return t, nil
}

// Nodes returns the tracked node ids in sorted order.
func (t *Tracker) Nodes() []types.NodeID {
	ids := make([]types.NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	return types.SortNodeIDs(ids)
}

// Observe records a height reported by node. It returns true if the known
// height advanced.
func (t *Tracker) Observe(node types.NodeID, height int64) bool {
	t.mu.Lock()
	st, ok := t.nodes[node]
	if !ok {
		t.mu.Unlock()
		t.log.WithField("node", node).Warn("Ignoring height for unknown node")
		return false
	}
	if st.known && height <= st.height {
		t.mu.Unlock()
		return false
	}

	st.height = height
	st.known = true
	released := 0
	for w := range st.waiters {
		if w.target <= height {
			close(w.done)
			delete(st.waiters, w)
			released++
		}
	}
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"node":     node,
		"height":   height,
		"released": released,
	}).Debug("Height advanced")

	if t.onAdvance != nil {
		t.onAdvance(node, height)
	}
	return true
}

// Height returns the known height of node; ok is false until the first
// observation.
func (t *Tracker) Height(node types.NodeID) (height int64, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, found := t.nodes[node]
	if !found {
		return 0, false, errors.Wrapf(ErrUnknownNode, "%s", node)
	}
	return st.height, st.known, nil
}

// Heights returns a snapshot of every known height.
func (t *Tracker) Heights() map[types.NodeID]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[types.NodeID]int64, len(t.nodes))
	for id, st := range t.nodes {
		if st.known {
			out[id] = st.height
		}
	}
	return out
}

// Waiters returns the number of callers blocked on node.
func (t *Tracker) Waiters(node types.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.nodes[node]; ok {
		return len(st.waiters)
	}
	return 0
}

// WaitUntilHeight blocks until node's known height is at least target. It
// returns immediately if it already is. There is no intrinsic timeout; ctx
// cancellation abandons the wait.
func (t *Tracker) WaitUntilHeight(ctx context.Context, node types.NodeID, target int64) error {
	t.mu.Lock()
	st, ok := t.nodes[node]
	if !ok {
		t.mu.Unlock()
		return errors.Wrapf(ErrUnknownNode, "%s", node)
	}
	if st.known && st.height >= target {
		t.mu.Unlock()
		return nil
	}
	w := &waiter{target: target, done: make(chan struct{})}
	st.waiters[w] = struct{}{}
	t.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	delete(st.waiters, w)
	t.mu.Unlock()

	// The target may have been reached while ctx was being cancelled.
	select {
	case <-w.done:
		return nil
	default:
		return ctx.Err()
	}
}

// WaitUntilHeightMatches blocks until node reaches the height peer had when
// the call was made. Later advances of peer do not move the target.
func (t *Tracker) WaitUntilHeightMatches(ctx context.Context, node, peer types.NodeID) error {
	height, ok, err := t.Height(peer)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrHeightUnknown, "peer %s", peer)
	}

	t.log.WithFields(logrus.Fields{
		"node":   node,
		"peer":   peer,
		"target": height,
	}).Debug("Waiting for node to match peer height")

	return t.WaitUntilHeight(ctx, node, height)
}

// Attach feeds NewBlock events from src into the tracker. The returned
// function stops it.
func (t *Tracker) Attach(src Source) (detach func()) {
	node := src.NodeID()
	log := t.log.WithField("node", node)

	return src.OnEvent(wsrpc.EventNewBlock, func(ev wsrpc.Event) {
		height, err := wsrpc.NewBlockHeight(ev)
		if err != nil {
			if !errors.Is(err, wsrpc.ErrNoHeight) {
				log.WithError(err).Warn("Dropping NewBlock event")
			}
			return
		}
		t.Observe(node, height)
	})
}

// ResyncError reports the parts of a resync that failed. The height fetch
// runs even when the subscription is refused.
type ResyncError struct {
	Node      types.NodeID
	Subscribe error
	Height    error
}

func (e *ResyncError) Error() string {
	switch {
	case e.Subscribe != nil && e.Height != nil:
		return "resync " + string(e.Node) + ": subscribe: " + e.Subscribe.Error() +
			"; fetch height: " + e.Height.Error()
	case e.Subscribe != nil:
		return "resync " + string(e.Node) + ": subscribe: " + e.Subscribe.Error()
	default:
		return "resync " + string(e.Node) + ": fetch height: " + e.Height.Error()
	}
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *ResyncError) Unwrap() []error {
	var errs []error
	if e.Subscribe != nil {
		errs = append(errs, e.Subscribe)
	}
	if e.Height != nil {
		errs = append(errs, e.Height)
	}
	return errs
}

// Resync subscribes src to NewBlock events and observes its current height.
// Subscriptions die with the transport, so this runs on every connection.
// Failures are reported as a *ResyncError.
func (t *Tracker) Resync(ctx context.Context, src Source) error {
	node := src.NodeID()
	if _, ok := t.nodes[node]; !ok {
		return errors.Wrapf(ErrUnknownNode, "%s", node)
	}

	rerr := &ResyncError{Node: node}
	rerr.Subscribe = src.Subscribe(ctx, wsrpc.EventNewBlock)

	height, err := src.LatestHeight(ctx)
	if err != nil {
		rerr.Height = err
	} else {
		t.Observe(node, height)
	}

	if rerr.Subscribe != nil || rerr.Height != nil {
		return rerr
	}
	return nil
}
