package wsrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/heightsync/internal/nodesim"
	"github.com/fortiblox/heightsync/pkg/backoff"
)

const waitFor = 5 * time.Second

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Backoff: backoff.Config{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		Logger:  quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient("node-a", url, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
}

func newNode(t *testing.T, opts ...nodesim.Option) *nodesim.Node {
	t.Helper()
	n := nodesim.New(opts...)
	t.Cleanup(n.Close)
	return n
}

type callResult struct {
	out json.RawMessage
	err error
}

func goCall(ctx context.Context, c *Client, id, method string) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		var out json.RawMessage
		err := c.CallWithID(ctx, id, method, nil, &out)
		ch <- callResult{out: out, err: err}
	}()
	return ch
}

func expectRequest(t *testing.T, n *nodesim.Node, id string) {
	t.Helper()
	req, err := n.NextRequest(waitFor)
	require.NoError(t, err)
	require.Equal(t, id, nodesim.RequestID(req))
}

// =============================================================================
// Correlated calls
// =============================================================================

func TestCall_OutOfOrderReplies(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)

	ctx := context.Background()
	call1 := goCall(ctx, c, "1", "block")
	expectRequest(t, node, "1")
	call2 := goCall(ctx, c, "2", "block")
	expectRequest(t, node, "2")

	require.NoError(t, node.Reply("2", map[string]string{"reply": "two"}))

	select {
	case r := <-call2:
		require.NoError(t, r.err)
		require.JSONEq(t, `{"reply":"two"}`, string(r.out))
	case <-time.After(waitFor):
		t.Fatal("call 2 did not resolve")
	}

	select {
	case r := <-call1:
		t.Fatalf("call 1 resolved early: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, 1, c.Health().InFlight)

	require.NoError(t, node.Reply("1", map[string]string{"reply": "one"}))
	r := <-call1
	require.NoError(t, r.err)
	require.JSONEq(t, `{"reply":"one"}`, string(r.out))
}

func TestCall_AssignsSequentialIDs(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)

	for _, want := range []string{"1", "2", "3"} {
		done := make(chan error, 1)
		go func() {
			var out map[string]int
			done <- c.Call(context.Background(), "status", map[string]string{}, &out)
		}()
		req, err := node.NextRequest(waitFor)
		require.NoError(t, err)
		require.Equal(t, want, nodesim.RequestID(req))
		require.Equal(t, "status", req.Method)
		require.Equal(t, "2.0", req.JSONRPC)
		require.NoError(t, node.Reply(want, map[string]int{"n": 1}))
		require.NoError(t, <-done)
	}
}

func TestCall_PendingCallsFailOnDisconnect(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)

	ids := []string{"a", "b", "c", "d", "e"}
	results := make([]<-chan callResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, goCall(context.Background(), c, id, "tx"))
		expectRequest(t, node, id)
	}

	node.DropConnections()

	for _, ch := range results {
		select {
		case r := <-ch:
			require.True(t, IsConnectionClosed(r.err), "err = %v", r.err)
			require.True(t, IsRetryable(r.err))
		case <-time.After(waitFor):
			t.Fatal("pending call was not failed")
		}
	}

	// Late replies for the failed ids resolve nothing.
	require.NoError(t, node.WaitDials(2, waitFor))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	require.NoError(t, node.Reply("a", map[string]string{}))
	require.Equal(t, 0, c.Health().InFlight)
}

func TestCall_NotConnected(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)

	err := c.Call(context.Background(), "status", nil, nil)
	require.True(t, errors.Is(err, ErrNotConnected), "err = %v", err)
	require.Equal(t, 0, node.Dials())
}

func TestCall_RPCError(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)

	ch := goCall(context.Background(), c, "7", "nope")
	expectRequest(t, node, "7")
	require.NoError(t, node.ReplyError("7", -32601, "Method not found", "nope"))

	r := <-ch
	var rpcErr *RPCError
	require.True(t, errors.As(r.err, &rpcErr), "err = %v", r.err)
	require.Equal(t, -32601, rpcErr.Code)
	require.Equal(t, "Method not found", rpcErr.Message)
	require.Equal(t, "nope", rpcErr.Data)
	require.False(t, IsRetryable(r.err))
}

func TestCall_MalformedMessageDropped(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)

	// A call whose reply never parses stays pending until the caller gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ch := goCall(ctx, c, "9", "status")
	expectRequest(t, node, "9")

	require.NoError(t, node.SendRaw([]byte("not json")))
	require.NoError(t, node.SendRaw([]byte(`{"jsonrpc":"2.0","id":{"x":1},"result":{}}`)))

	r := <-ch
	require.True(t, errors.Is(r.err, context.DeadlineExceeded), "err = %v", r.err)
	require.Equal(t, 0, c.Health().InFlight)
	require.Equal(t, StateConnected, c.State())
}

func TestCall_DuplicateID(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)

	ch := goCall(context.Background(), c, "dup", "status")
	expectRequest(t, node, "dup")

	err := c.CallWithID(context.Background(), "dup", "status", nil, nil)
	require.True(t, errors.Is(err, ErrDuplicateID), "err = %v", err)

	require.NoError(t, node.Reply("dup", map[string]string{}))
	require.NoError(t, (<-ch).err)

	// The id is free again once resolved.
	ch = goCall(context.Background(), c, "dup", "status")
	expectRequest(t, node, "dup")
	require.NoError(t, node.Reply("dup", map[string]string{}))
	require.NoError(t, (<-ch).err)
}

func TestCall_EmptyID(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/websocket", nil)
	require.True(t, errors.Is(c.CallWithID(context.Background(), "", "status", nil, nil), ErrEmptyID))
}

// =============================================================================
// Push events
// =============================================================================

func TestSubscribe_AckThenEvents(t *testing.T) {
	node := newNode(t, nodesim.WithAutoReply())
	c := newTestClient(t, node.URL(), nil)

	heights := make(chan int64, 10)
	remove := c.OnEvent(EventNewBlock, func(ev Event) {
		if h, err := NewBlockHeight(ev); err == nil && ev.Category == EventNewBlock {
			heights <- h
		}
	})
	connect(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Subscribe(ctx, EventNewBlock))

	req, err := node.NextRequestFor("subscribe", waitFor)
	require.NoError(t, err)
	require.Equal(t, "newBlock", nodesim.RequestID(req))
	require.JSONEq(t, `{"query":"tm.event='NewBlock'"}`, string(req.Params))

	require.NoError(t, node.PushNewBlock(5))
	require.NoError(t, node.Reply("newBlock#event", nodesim.NewBlockEvent(6)))

	require.Equal(t, int64(5), <-heights)
	require.Equal(t, int64(6), <-heights)

	remove()
	require.NoError(t, node.PushNewBlock(7))
	select {
	case h := <-heights:
		t.Fatalf("listener called after removal with height %d", h)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvent_ErrorUnderSubscriptionID(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)

	events := make(chan Event, 1)
	c.OnEvent(EventNewBlock, func(ev Event) { events <- ev })
	connect(t, c)
	require.NoError(t, node.WaitDials(1, waitFor))

	require.NoError(t, node.ReplyError("newBlock", -32000, "subscription cancelled", ""))

	ev := <-events
	require.NotNil(t, ev.Err)
	require.Equal(t, -32000, ev.Err.Code)
	_, err := NewBlockHeight(ev)
	require.Error(t, err)
}

// =============================================================================
// Connection lifecycle
// =============================================================================

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) sawTransition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.states); i++ {
		if r.states[i-1] == from && r.states[i] == to {
			return true
		}
	}
	return false
}

func TestLivenessTimeout_Reconnects(t *testing.T) {
	node := newNode(t)
	states := &stateRecorder{}
	disconnects := make(chan error, 4)
	c := newTestClient(t, node.URL(), func(cfg *Config) {
		cfg.LivenessTimeout = 150 * time.Millisecond
		cfg.OnStateChange = states.record
		cfg.OnDisconnect = func(err error) {
			select {
			case disconnects <- err:
			default:
			}
		}
	})
	connect(t, c)

	ch := goCall(context.Background(), c, "1", "status")
	expectRequest(t, node, "1")

	r := <-ch
	require.True(t, IsConnectionClosed(r.err), "err = %v", r.err)
	require.True(t, errors.Is(<-disconnects, ErrLivenessTimeout))

	require.NoError(t, node.WaitDials(2, waitFor))
	require.Eventually(t, func() bool {
		return states.sawTransition(StateDisconnected, StateConnecting)
	}, waitFor, 10*time.Millisecond)
}

func TestLivenessTimeout_PingsKeepConnection(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), func(cfg *Config) {
		cfg.LivenessTimeout = 300 * time.Millisecond
	})
	connect(t, c)
	require.NoError(t, node.WaitDials(1, waitFor))

	for i := 0; i < 10; i++ {
		require.NoError(t, node.Ping())
		time.Sleep(100 * time.Millisecond)
	}

	require.Equal(t, 1, node.Dials())
	require.Equal(t, StateConnected, c.State())
}

func TestLivenessTimeout_Disabled(t *testing.T) {
	cfg := Config{LivenessTimeout: -1}.WithDefaults()
	require.Equal(t, time.Duration(-1), cfg.LivenessTimeout)

	node := newNode(t)
	c := newTestClient(t, node.URL(), func(cfg *Config) {
		cfg.LivenessTimeout = -1
	})
	connect(t, c)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, node.Dials())
}

func TestReconnect_AfterDrop(t *testing.T) {
	node := newNode(t, nodesim.WithAutoReply(), nodesim.WithHeight(3))
	reconnects := make(chan int, 4)
	connects := make(chan struct{}, 4)
	c := newTestClient(t, node.URL(), func(cfg *Config) {
		cfg.OnReconnect = func(attempt int) { reconnects <- attempt }
		cfg.OnConnect = func() { connects <- struct{}{} }
	})
	connect(t, c)
	<-connects
	require.NoError(t, node.WaitDials(1, waitFor))

	node.DropConnections()

	select {
	case attempt := <-reconnects:
		require.Equal(t, 1, attempt)
	case <-time.After(waitFor):
		t.Fatal("no reconnect")
	}
	<-connects

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	height, err := c.LatestHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), height)
	require.GreaterOrEqual(t, c.Health().ReconnectCount, 1)
}

func TestReconnect_GivesUpAfterMax(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := DialerFunc(func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})

	c := newTestClient(t, "ws://127.0.0.1:1/websocket", func(cfg *Config) {
		cfg.Dialer = dialer
		cfg.MaxReconnects = 2
	})
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.True(t, errors.Is(c.WaitConnected(ctx), ErrClosed))

	mu.Lock()
	require.Equal(t, 3, dials)
	mu.Unlock()
	require.True(t, errors.Is(c.Health().LastError, ErrMaxReconnects))
}

func TestConnect_Twice(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)
	require.True(t, errors.Is(c.Connect(context.Background()), ErrAlreadyConnected))
}

func TestConnect_ContextCancelClosesClient(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Connect(ctx))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), waitFor)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))

	cancel()
	require.Eventually(t, func() bool { return c.State() == StateClosed }, waitFor, 10*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)
	connect(t, c)

	ch := goCall(context.Background(), c, "1", "status")
	expectRequest(t, node, "1")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())

	r := <-ch
	require.True(t, IsConnectionClosed(r.err), "err = %v", r.err)

	require.True(t, errors.Is(c.Call(context.Background(), "status", nil, nil), ErrClosed))
	require.True(t, errors.Is(c.Connect(context.Background()), ErrClosed))
	require.True(t, errors.Is(c.WaitConnected(context.Background()), ErrClosed))

	// No reconnection after close.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, node.Dials())
}

func TestClose_WaitsForObservers(t *testing.T) {
	node := newNode(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	c := newTestClient(t, node.URL(), func(cfg *Config) {
		cfg.OnConnect = func() {
			close(started)
			<-release
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
		}
	})
	connect(t, c)
	<-started

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, c.Close())
	require.True(t, finished.Load())
}

func TestReconnect_Manual(t *testing.T) {
	node := newNode(t)
	reasons := make(chan error, 4)
	c := newTestClient(t, node.URL(), func(cfg *Config) {
		cfg.OnDisconnect = func(err error) {
			select {
			case reasons <- err:
			default:
			}
		}
	})
	require.True(t, errors.Is(c.Reconnect(nil), ErrNotConnected))

	connect(t, c)
	require.NoError(t, node.WaitDials(1, waitFor))

	reason := errors.New("subscription refused")
	require.NoError(t, c.Reconnect(reason))

	select {
	case err := <-reasons:
		require.True(t, errors.Is(err, reason), "err = %v", err)
	case <-time.After(waitFor):
		t.Fatal("no disconnect")
	}
	require.NoError(t, node.WaitDials(2, waitFor))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))

	require.NoError(t, c.Close())
	require.True(t, errors.Is(c.Reconnect(nil), ErrClosed))
}

func TestClose_BeforeConnect(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/websocket", nil)
	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "ws://x:1", Config{})
	require.Error(t, err)

	_, err = NewClient("a", "", Config{})
	require.Error(t, err)

	_, err = NewClient("a", "ws://x:1", Config{MaxReconnects: -1})
	require.True(t, errors.Is(err, ErrInvalidConfig), "err = %v", err)
}

func TestHealth(t *testing.T) {
	node := newNode(t)
	c := newTestClient(t, node.URL(), nil)

	h := c.Health()
	require.Equal(t, StateDisconnected, h.State)
	require.False(t, h.Connected)
	require.True(t, h.LastMessage.IsZero())

	connect(t, c)
	h = c.Health()
	require.True(t, h.Connected)
	require.Equal(t, "node-a", string(h.Node))
	require.Equal(t, node.URL(), h.URL)
}
