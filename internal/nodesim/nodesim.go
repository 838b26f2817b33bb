// Package nodesim runs an in-process Tendermint-style WebSocket JSON-RPC
// endpoint for tests. Requests are recorded and, unless auto replies are
// enabled, answered explicitly by the test through Reply.
package nodesim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// ErrNoConnection is returned when a push is attempted with no client connected.
var ErrNoConnection = errors.New("no client connected")

// Option configures a Node.
type Option func(*Node)

// WithAutoReply answers status, subscribe and unsubscribe requests
// automatically. status reports the node's current height.
func WithAutoReply() Option {
	return func(n *Node) { n.auto = true }
}

// WithHeight sets the initial height reported by status.
func WithHeight(height int64) Option {
	return func(n *Node) { n.height = height }
}

// Node is a simulated node.
type Node struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	requests chan rpctypes.RPCRequest

	mu     sync.Mutex
	conns  map[*peer]struct{}
	accept bool
	auto   bool
	height int64
	dials  int
	wake   chan struct{}
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// New starts a node listening on a loopback port.
func New(opts ...Option) *Node {
	n := &Node{
		requests: make(chan rpctypes.RPCRequest, 1024),
		conns:    make(map[*peer]struct{}),
		accept:   true,
		wake:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.handle))
	return n
}

// URL returns the WebSocket endpoint.
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http") + "/websocket"
}

// Address returns host:port.
func (n *Node) Address() string {
	return strings.TrimPrefix(n.server.URL, "http://")
}

// SetHeight sets the height reported by status.
func (n *Node) SetHeight(height int64) {
	n.mu.Lock()
	n.height = height
	n.mu.Unlock()
}

// RejectConnections makes the node refuse new handshakes.
func (n *Node) RejectConnections(reject bool) {
	n.mu.Lock()
	n.accept = !reject
	n.mu.Unlock()
}

func (n *Node) handle(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	accept := n.accept
	n.mu.Unlock()
	if !accept {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	n.mu.Lock()
	n.conns[p] = struct{}{}
	n.dials++
	n.signalLocked()
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.conns, p)
		n.signalLocked()
		n.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpctypes.RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		select {
		case n.requests <- req:
		default:
		}
		if n.autoReply(p, req) != nil {
			return
		}
	}
}

func (n *Node) autoReply(p *peer, req rpctypes.RPCRequest) error {
	n.mu.Lock()
	auto, height := n.auto, n.height
	n.mu.Unlock()
	if !auto {
		return nil
	}

	var result interface{}
	switch req.Method {
	case "status":
		result = map[string]interface{}{
			"sync_info": map[string]interface{}{
				"latest_block_height": strconv.FormatInt(height, 10),
			},
		}
	case "subscribe", "unsubscribe":
		result = map[string]interface{}{}
	default:
		return nil
	}
	data, err := encodeResponse(RequestID(req), result, nil)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (n *Node) signalLocked() {
	close(n.wake)
	n.wake = make(chan struct{})
}

// RequestID returns the request id as a string.
func RequestID(req rpctypes.RPCRequest) string {
	switch id := req.ID.(type) {
	case rpctypes.JSONRPCStringID:
		return string(id)
	case rpctypes.JSONRPCIntID:
		return strconv.Itoa(int(id))
	default:
		return ""
	}
}

// NextRequest returns the next recorded request.
func (n *Node) NextRequest(timeout time.Duration) (rpctypes.RPCRequest, error) {
	select {
	case req := <-n.requests:
		return req, nil
	case <-time.After(timeout):
		return rpctypes.RPCRequest{}, errors.New("timed out waiting for request")
	}
}

// NextRequestFor skips recorded requests until one for method arrives.
func (n *Node) NextRequestFor(method string, timeout time.Duration) (rpctypes.RPCRequest, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return rpctypes.RPCRequest{}, errors.Errorf("timed out waiting for %s request", method)
		}
		req, err := n.NextRequest(remaining)
		if err != nil {
			return req, errors.Wrapf(err, "waiting for %s", method)
		}
		if req.Method == method {
			return req, nil
		}
	}
}

func encodeResponse(id string, result interface{}, rpcErr *rpctypes.RPCError) ([]byte, error) {
	resp := rpctypes.RPCResponse{
		JSONRPC: "2.0",
		ID:      rpctypes.JSONRPCStringID(id),
		Error:   rpcErr,
	}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		resp.Result = raw
	}
	return json.Marshal(resp)
}

// Reply sends a success response with id to every connected client.
func (n *Node) Reply(id string, result interface{}) error {
	data, err := encodeResponse(id, result, nil)
	if err != nil {
		return err
	}
	return n.SendRaw(data)
}

// ReplyError sends an error response with id.
func (n *Node) ReplyError(id string, code int, message, data string) error {
	raw, err := encodeResponse(id, nil, &rpctypes.RPCError{Code: code, Message: message, Data: data})
	if err != nil {
		return err
	}
	return n.SendRaw(raw)
}

// PushNewBlock pushes a NewBlock event for height under the newBlock
// subscription id, shaped like Tendermint's event payload.
func (n *Node) PushNewBlock(height int64) error {
	return n.Reply("newBlock", NewBlockEvent(height))
}

// NewBlockEvent returns a NewBlock event result for height.
func NewBlockEvent(height int64) map[string]interface{} {
	return map[string]interface{}{
		"query": "tm.event='NewBlock'",
		"data": map[string]interface{}{
			"type": "tendermint/event/NewBlock",
			"value": map[string]interface{}{
				"block": map[string]interface{}{
					"header": map[string]interface{}{
						"height": strconv.FormatInt(height, 10),
					},
				},
			},
		},
		"events": map[string][]string{
			"tm.event": {"NewBlock"},
		},
	}
}

// SendRaw writes data to every connected client.
func (n *Node) SendRaw(data []byte) error {
	peers := n.peers()
	if len(peers) == 0 {
		return ErrNoConnection
	}
	for _, p := range peers {
		if err := p.write(data); err != nil {
			return err
		}
	}
	return nil
}

// Ping sends a ping frame to every connected client.
func (n *Node) Ping() error {
	peers := n.peers()
	if len(peers) == 0 {
		return ErrNoConnection
	}
	for _, p := range peers {
		if err := p.conn.WriteControl(websocket.PingMessage, []byte("sim"), time.Now().Add(time.Second)); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections abruptly closes every client connection.
func (n *Node) DropConnections() {
	for _, p := range n.peers() {
		p.conn.Close()
	}
}

func (n *Node) peers() []*peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]*peer, 0, len(n.conns))
	for p := range n.conns {
		peers = append(peers, p)
	}
	return peers
}

// Connections returns the number of connected clients.
func (n *Node) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Dials returns the number of accepted handshakes so far.
func (n *Node) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// WaitDials blocks until at least count handshakes were accepted.
func (n *Node) WaitDials(count int, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		n.mu.Lock()
		dials, wake := n.dials, n.wake
		n.mu.Unlock()
		if dials >= count {
			return nil
		}
		select {
		case <-wake:
		case <-timer.C:
			return errors.Errorf("timed out waiting for %d dials, got %d", count, dials)
		}
	}
}

// Close drops every connection and stops the server.
func (n *Node) Close() {
	n.DropConnections()
	n.server.Close()
}
