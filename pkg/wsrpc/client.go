package wsrpc

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/backoff"
)

// maxLoggedPayload truncates malformed payloads in logs.
const maxLoggedPayload = 256

// Client is a reconnecting JSON-RPC client for one node.
type Client struct {
	nodeID  types.NodeID
	url     string
	config  Config
	log     *logrus.Entry
	backoff *backoff.Policy

	mu           sync.Mutex
	state        State
	stateCh      chan struct{} // closed and replaced on every transition
	conn         Conn
	pending      map[string]*pendingCall
	liveness     *time.Timer
	terminateErr error
	started      bool

	// writeMu serializes data frame writes.
	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[EventCategory]map[uint64]func(Event)
	listenerSeq uint64

	nextID         atomic.Uint64
	connects       atomic.Int32
	reconnectCount atomic.Int32
	lastMessage    atomic.Int64

	lastError   error
	lastErrorMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingCall is resolved exactly once.
type pendingCall struct {
	method string
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func (p *pendingCall) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// NewClient creates a client for the node at url.
// The client is not connected until Connect() is called.
func NewClient(nodeID types.NodeID, url string, config Config) (*Client, error) {
	if nodeID == "" {
		return nil, types.ErrEmptyNodeID
	}
	if url == "" {
		return nil, errors.Wrap(types.ErrInvalidAddress, "empty url")
	}

	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	policy, err := backoff.New(config.Backoff)
	if err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &Client{
		nodeID:    nodeID,
		url:       url,
		config:    config,
		log:       config.Logger.WithFields(logrus.Fields{"node": nodeID, "url": url}),
		backoff:   policy,
		state:     StateDisconnected,
		stateCh:   make(chan struct{}),
		pending:   make(map[string]*pendingCall),
		listeners: make(map[EventCategory]map[uint64]func(Event)),
	}, nil
}

// NodeID returns the node this client talks to.
func (c *Client) NodeID() types.NodeID {
	return c.nodeID
}

// URL returns the target URL.
func (c *Client) URL() string {
	return c.url
}

// Connect starts the connection loop and returns without waiting for the
// first dial. ctx bounds the lifetime of the loop; cancelling it has the
// same effect as Close. Use WaitConnected to block until calls can be made.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyConnected
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitConnected blocks until the client is connected, closed or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, ch := c.state, c.stateCh
		c.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateClosed:
			return ErrClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run is the connection loop: dial, serve until the transport closes, back
// off, repeat.
func (c *Client) run() {
	defer c.wg.Done()
	defer c.finish()

	for {
		if !c.transition(StateConnecting) {
			return
		}

		conn, err := c.config.Dialer.Dial(c.ctx, c.url)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setLastError(err)
			c.log.WithError(err).Warn("Dial failed")
			c.transition(StateDisconnected)
		} else {
			c.serve(conn)
		}

		if c.ctx.Err() != nil || !c.wait() {
			return
		}
	}
}

// wait sleeps for the next backoff delay. It returns false when the loop
// must stop.
func (c *Client) wait() bool {
	delay := c.backoff.Next()
	attempt := c.backoff.Attempts()
	if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
		c.setLastError(ErrMaxReconnects)
		c.log.WithField("attempts", attempt-1).Error("Giving up reconnecting")
		return false
	}
	c.reconnectCount.Add(1)

	c.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Info("Reconnecting")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve owns conn until it closes.
func (c *Client) serve(conn Conn) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	if c.config.LivenessTimeout > 0 {
		c.liveness = time.AfterFunc(c.config.LivenessTimeout, func() {
			c.expire(conn)
		})
	}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.notifyState(StateConnected)

	c.backoff.Reset()
	c.lastMessage.Store(time.Now().UnixNano())
	n := c.connects.Add(1)

	conn.SetPingHandler(func(appData string) error {
		c.touch(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.config.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.log.WithField("connection", n).Info("Connected")
	// Observers run on their own goroutines so they may issue calls. Close
	// waits for them, so they must not call Close themselves.
	if c.config.OnConnect != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.config.OnConnect()
		}()
	}
	if n > 1 && c.config.OnReconnect != nil {
		c.wg.Add(1)
		go func(attempt int) {
			defer c.wg.Done()
			c.config.OnReconnect(attempt)
		}(int(n - 1))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.lastMessage.Store(time.Now().UnixNano())
		c.dispatch(data)
	}
}

// touch re-arms the liveness timer for conn.
func (c *Client) touch(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn && c.liveness != nil {
		c.liveness.Reset(c.config.LivenessTimeout)
	}
}

// expire terminates conn after the liveness window elapsed.
func (c *Client) expire(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.terminateErr = ErrLivenessTimeout
	c.mu.Unlock()

	c.log.WithField("timeout", c.config.LivenessTimeout).Warn("Liveness timeout elapsed, terminating connection")
	conn.Close()
}

// Reconnect drops the current connection. The connection loop dials again
// after the usual backoff and reason is reported to OnDisconnect.
func (c *Client) Reconnect(reason error) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if reason != nil {
		c.terminateErr = reason
	}
	c.mu.Unlock()

	c.log.WithError(reason).Warn("Dropping connection")
	return conn.Close()
}

// handleDisconnect tears down conn and fails every pending call.
func (c *Client) handleDisconnect(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.liveness != nil {
		c.liveness.Stop()
		c.liveness = nil
	}
	if c.terminateErr != nil {
		err = c.terminateErr
		c.terminateErr = nil
	}
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	closed := c.state == StateClosed
	if !closed {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	conn.Close()

	if !closed {
		c.notifyState(StateDisconnected)
		c.setLastError(err)
		c.log.WithError(err).Warn("Disconnected")
	}

	for id, call := range pending {
		c.log.WithFields(logrus.Fields{
			"id":     id,
			"method": call.method,
		}).Warn("Pending call failed: connection closed")
		call.resolve(nil, errors.Wrapf(ErrConnectionClosed, "%s (id %s)", call.method, id))
	}

	if !closed && c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}
}

// finish marks the client closed when the loop exits on its own.
func (c *Client) finish() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	c.notifyState(StateClosed)
}

// transition moves to state unless the client is closed.
func (c *Client) transition(state State) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(state)
	c.mu.Unlock()
	c.notifyState(state)
	return true
}

func (c *Client) setStateLocked(state State) {
	c.state = state
	close(c.stateCh)
	c.stateCh = make(chan struct{})
}

func (c *Client) notifyState(state State) {
	c.log.WithField("state", state).Debug("State changed")
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(state)
	}
}

// Call sends method with params using the next numeric id and decodes the
// reply's result into result (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	return c.CallWithID(ctx, c.newID(), method, params, result)
}

// CallWithID is Call with a caller supplied request id.
func (c *Client) CallWithID(ctx context.Context, id, method string, params, result interface{}) error {
	raw, err := c.roundTrip(ctx, id, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

// CallRaw is Call returning the undecoded result.
func (c *Client) CallRaw(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.roundTrip(ctx, c.newID(), method, params)
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) roundTrip(ctx context.Context, id, method string, params interface{}) (json.RawMessage, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s params", method)
	}
	data, err := json.Marshal(rpctypes.NewRPCRequest(rpctypes.JSONRPCStringID(id), method, rawParams))
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s request", method)
	}

	call := &pendingCall{method: method, done: make(chan struct{})}

	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.state != StateConnected || c.conn == nil:
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrDuplicateID, "id %s", id)
	}
	c.pending[id] = call
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.forget(id, call)
		c.log.WithError(err).WithField("method", method).Warn("Send failed, closing connection")
		conn.Close()
		return nil, errors.Wrapf(err, "send %s", method)
	}

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		c.forget(id, call)
		return nil, ctx.Err()
	}
}

func encodeParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func (c *Client) write(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// forget removes call from the pending map if it is still registered.
func (c *Client) forget(id string, call *pendingCall) {
	c.mu.Lock()
	if c.pending[id] == call {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// dispatch routes one inbound message to its pending call or to listeners.
func (c *Client) dispatch(data []byte) {
	var resp rpctypes.RPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.log.WithError(err).WithField("payload", truncate(data)).Warn("Dropping malformed message")
		return
	}

	id := responseID(resp)

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		if resp.Error != nil {
			call.resolve(nil, newRPCError(resp.Error))
			return
		}
		call.resolve(resp.Result, nil)
		return
	}

	category, ok := categoryFromID(id)
	if !ok {
		c.log.WithField("id", id).Debug("Dropping reply with unknown id")
		return
	}

	ev := Event{
		Node:       c.nodeID,
		Category:   category,
		Data:       resp.Result,
		ReceivedAt: time.Now(),
	}
	if resp.Error != nil {
		ev.Err = newRPCError(resp.Error)
	}
	c.emit(ev)
}

func responseID(resp rpctypes.RPCResponse) string {
	switch id := resp.ID.(type) {
	case rpctypes.JSONRPCStringID:
		return string(id)
	case rpctypes.JSONRPCIntID:
		return strconv.Itoa(int(id))
	default:
		return ""
	}
}

func truncate(data []byte) string {
	if len(data) > maxLoggedPayload {
		return string(data[:maxLoggedPayload]) + "..."
	}
	return string(data)
}

// OnEvent registers fn for push events of category. Listeners run on the
// read goroutine and should not block. The returned function removes the
// listener.
func (c *Client) OnEvent(category EventCategory, fn func(Event)) (remove func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.listenerSeq++
	key := c.listenerSeq
	if c.listeners[category] == nil {
		c.listeners[category] = make(map[uint64]func(Event))
	}
	c.listeners[category][key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners[category], key)
			c.listenersMu.Unlock()
		})
	}
}

func (c *Client) emit(ev Event) {
	c.listenersMu.RLock()
	fns := make([]func(Event), 0, len(c.listeners[ev.Category]))
	for _, fn := range c.listeners[ev.Category] {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Health returns the current health status of the client.
func (c *Client) Health() ClientHealth {
	c.mu.Lock()
	state := c.state
	inFlight := len(c.pending)
	c.mu.Unlock()

	var lastMessage time.Time
	if ns := c.lastMessage.Load(); ns > 0 {
		lastMessage = time.Unix(0, ns)
	}

	return ClientHealth{
		Node:           c.nodeID,
		URL:            c.url,
		State:          state,
		Connected:      state == StateConnected,
		InFlight:       inFlight,
		LastMessage:    lastMessage,
		ReconnectCount: int(c.reconnectCount.Load()),
		LastError:      c.getLastError(),
	}
}

// Close permanently closes the client: reconnection stops, the transport is
// closed and every pending call fails. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.setStateLocked(StateClosed)
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()
	c.notifyState(StateClosed)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteTimeout))
		conn.Close()
	}

	c.wg.Wait()
	c.log.Info("Closed")
	return nil
}

// setLastError safely sets the last error.
func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}
