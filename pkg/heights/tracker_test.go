package heights

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/heightsync/internal/nodesim"
	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/wsrpc"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTracker(t *testing.T, cfg Config, nodes ...types.NodeID) *Tracker {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	tr, err := New(nodes, cfg)
	require.NoError(t, err)
	return tr
}

func waitAsync(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn(ctx) }()
	return ch
}

func requirePending(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("wait resolved early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func requireResolved(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

// =============================================================================
// Observe
// =============================================================================

func TestObserve_Monotonic(t *testing.T) {
	var advances []int64
	tr := newTracker(t, Config{
		OnAdvance: func(node types.NodeID, height int64) {
			require.Equal(t, types.NodeID("x"), node)
			advances = append(advances, height)
		},
	}, "x")

	_, ok, err := tr.Height("x")
	require.NoError(t, err)
	require.False(t, ok)

	var results []bool
	for _, h := range []int64{10, 8, 15, 15, 20} {
		results = append(results, tr.Observe("x", h))
	}

	require.Equal(t, []bool{true, false, true, false, true}, results)
	require.Equal(t, []int64{10, 15, 20}, advances)

	h, ok, err := tr.Height("x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(20), h)
}

func TestObserve_FirstObservationMayBeZero(t *testing.T) {
	tr := newTracker(t, Config{}, "x")
	require.True(t, tr.Observe("x", 0))
	require.False(t, tr.Observe("x", 0))
	require.NoError(t, tr.WaitUntilHeight(context.Background(), "x", 0))
}

func TestObserve_UnknownNodeIgnored(t *testing.T) {
	tr := newTracker(t, Config{}, "x")
	require.False(t, tr.Observe("y", 5))
	require.Empty(t, tr.Heights())
}

func TestHeights_Snapshot(t *testing.T) {
	tr := newTracker(t, Config{}, "a", "b", "c")
	tr.Observe("a", 3)
	tr.Observe("c", 9)

	require.Equal(t, map[types.NodeID]int64{"a": 3, "c": 9}, tr.Heights())
	require.Equal(t, []types.NodeID{"a", "b", "c"}, tr.Nodes())
}

func TestNew_RejectsBadNodes(t *testing.T) {
	_, err := New([]types.NodeID{"a", "a"}, Config{})
	require.Error(t, err)

	_, err = New([]types.NodeID{""}, Config{})
	require.True(t, errors.Is(err, types.ErrEmptyNodeID))
}

// =============================================================================
// Waiting
// =============================================================================

func TestWaitUntilHeight_ResolvesOnLaterUpdate(t *testing.T) {
	tr := newTracker(t, Config{}, "x")
	tr.Observe("x", 10)

	ch := waitAsync(context.Background(), func(ctx context.Context) error {
		return tr.WaitUntilHeight(ctx, "x", 15)
	})
	require.Eventually(t, func() bool { return tr.Waiters("x") == 1 }, time.Second, time.Millisecond)

	tr.Observe("x", 12)
	requirePending(t, ch)

	tr.Observe("x", 15)
	requireResolved(t, ch)
	require.Equal(t, 0, tr.Waiters("x"))
}

func TestWaitUntilHeight_ImmediateWhenReached(t *testing.T) {
	tr := newTracker(t, Config{}, "x")
	tr.Observe("x", 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Already reached: no update needed, cancellation irrelevant.
	require.NoError(t, tr.WaitUntilHeight(ctx, "x", 15))
	require.NoError(t, tr.WaitUntilHeight(ctx, "x", 20))
}

func TestWaitUntilHeight_BeforeFirstObservation(t *testing.T) {
	tr := newTracker(t, Config{}, "x")

	ch := waitAsync(context.Background(), func(ctx context.Context) error {
		return tr.WaitUntilHeight(ctx, "x", 1)
	})
	requirePending(t, ch)

	tr.Observe("x", 3)
	requireResolved(t, ch)
}

func TestWaitUntilHeight_ReleasesAllReachedWaiters(t *testing.T) {
	tr := newTracker(t, Config{}, "x")

	targets := []int64{5, 7, 9, 11}
	chans := make([]<-chan error, 0, len(targets))
	for _, target := range targets {
		target := target
		chans = append(chans, waitAsync(context.Background(), func(ctx context.Context) error {
			return tr.WaitUntilHeight(ctx, "x", target)
		}))
	}
	require.Eventually(t, func() bool { return tr.Waiters("x") == 4 }, time.Second, time.Millisecond)

	tr.Observe("x", 9)
	requireResolved(t, chans[0])
	requireResolved(t, chans[1])
	requireResolved(t, chans[2])
	requirePending(t, chans[3])
	require.Equal(t, 1, tr.Waiters("x"))

	tr.Observe("x", 11)
	requireResolved(t, chans[3])
}

func TestWaitUntilHeight_ContextCancelRemovesWaiter(t *testing.T) {
	tr := newTracker(t, Config{}, "x")

	ctx, cancel := context.WithCancel(context.Background())
	ch := waitAsync(ctx, func(ctx context.Context) error {
		return tr.WaitUntilHeight(ctx, "x", 100)
	})
	require.Eventually(t, func() bool { return tr.Waiters("x") == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-ch:
		require.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after cancel")
	}
	require.Equal(t, 0, tr.Waiters("x"))
}

func TestWaitUntilHeight_UnknownNode(t *testing.T) {
	tr := newTracker(t, Config{}, "x")
	err := tr.WaitUntilHeight(context.Background(), "nope", 1)
	require.True(t, errors.Is(err, ErrUnknownNode), "err = %v", err)

	_, _, err = tr.Height("nope")
	require.True(t, errors.Is(err, ErrUnknownNode))
}

func TestWaitUntilHeightMatches(t *testing.T) {
	tr := newTracker(t, Config{}, "a", "b")

	err := tr.WaitUntilHeightMatches(context.Background(), "b", "a")
	require.True(t, errors.Is(err, ErrHeightUnknown), "err = %v", err)

	err = tr.WaitUntilHeightMatches(context.Background(), "b", "nope")
	require.True(t, errors.Is(err, ErrUnknownNode), "err = %v", err)

	tr.Observe("a", 100)
	ch := waitAsync(context.Background(), func(ctx context.Context) error {
		return tr.WaitUntilHeightMatches(ctx, "b", "a")
	})
	require.Eventually(t, func() bool { return tr.Waiters("b") == 1 }, time.Second, time.Millisecond)

	// The target is the peer height at call time.
	tr.Observe("a", 150)
	tr.Observe("b", 99)
	requirePending(t, ch)

	tr.Observe("b", 100)
	requireResolved(t, ch)
}

// =============================================================================
// Sources
// =============================================================================

type fakeSource struct {
	id types.NodeID

	mu         sync.Mutex
	listeners  map[int]func(wsrpc.Event)
	seq        int
	subscribed int
	height     int64
	subErr     error
	heightErr  error
}

func newFakeSource(id types.NodeID, height int64) *fakeSource {
	return &fakeSource{id: id, height: height, listeners: make(map[int]func(wsrpc.Event))}
}

func (f *fakeSource) NodeID() types.NodeID { return f.id }

func (f *fakeSource) OnEvent(category wsrpc.EventCategory, fn func(wsrpc.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := f.seq
	f.listeners[key] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, key)
		f.mu.Unlock()
	}
}

func (f *fakeSource) Subscribe(ctx context.Context, category wsrpc.EventCategory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribed++
	return nil
}

func (f *fakeSource) LatestHeight(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.height, nil
}

func (f *fakeSource) push(t *testing.T, data interface{}) {
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	f.mu.Lock()
	fns := make([]func(wsrpc.Event), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(wsrpc.Event{Node: f.id, Category: wsrpc.EventNewBlock, Data: raw})
	}
}

func TestAttach(t *testing.T) {
	tr := newTracker(t, Config{}, "a")
	src := newFakeSource("a", 0)

	detach := tr.Attach(src)
	src.push(t, map[string]string{}) // subscription ack shape, ignored
	src.push(t, nodesim.NewBlockEvent(4))

	h, ok, err := tr.Height("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), h)

	detach()
	src.push(t, nodesim.NewBlockEvent(5))
	h, _, _ = tr.Height("a")
	require.Equal(t, int64(4), h)
}

func TestResync(t *testing.T) {
	tr := newTracker(t, Config{}, "a")
	src := newFakeSource("a", 42)

	require.NoError(t, tr.Resync(context.Background(), src))
	require.Equal(t, 1, src.subscribed)
	h, _, _ := tr.Height("a")
	require.Equal(t, int64(42), h)

	err := tr.Resync(context.Background(), newFakeSource("zzz", 1))
	require.True(t, errors.Is(err, ErrUnknownNode))
}

func TestResync_SubscribeRefusedStillFetchesHeight(t *testing.T) {
	tr := newTracker(t, Config{}, "a")
	src := newFakeSource("a", 57)
	refused := errors.New("max_subscriptions_per_client reached")
	src.subErr = refused

	err := tr.Resync(context.Background(), src)
	require.Error(t, err)
	require.True(t, errors.Is(err, refused))

	var rerr *ResyncError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, types.NodeID("a"), rerr.Node)
	require.NoError(t, rerr.Height)

	h, ok, err := tr.Height("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(57), h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitUntilHeight(ctx, "a", 57))
}

func TestResync_BothFail(t *testing.T) {
	tr := newTracker(t, Config{}, "a")
	src := newFakeSource("a", 0)
	subErr := errors.New("refused")
	heightErr := errors.New("status unavailable")
	src.subErr = subErr
	src.heightErr = heightErr

	err := tr.Resync(context.Background(), src)
	require.True(t, errors.Is(err, subErr))
	require.True(t, errors.Is(err, heightErr))
	require.Contains(t, err.Error(), "subscribe: refused")
	require.Contains(t, err.Error(), "fetch height: status unavailable")

	_, ok, _ := tr.Height("a")
	require.False(t, ok)
}

func TestResync_HeightFailureKeepsSubscription(t *testing.T) {
	tr := newTracker(t, Config{}, "a")
	src := newFakeSource("a", 0)
	src.heightErr = errors.New("status unavailable")

	err := tr.Resync(context.Background(), src)
	var rerr *ResyncError
	require.True(t, errors.As(err, &rerr))
	require.NoError(t, rerr.Subscribe)
	require.Equal(t, 1, src.subscribed)
}
