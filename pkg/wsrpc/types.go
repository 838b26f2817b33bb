// Package wsrpc provides a resilient JSON-RPC 2.0 client for Tendermint-style
// blockchain nodes over WebSocket.
//
// One Client owns one logical session to one node across any number of
// physical reconnections. It supports two request shapes:
//   - Correlated calls, matched to replies strictly by request id, so
//     concurrent calls may complete in any order.
//   - Push subscriptions, issued with the event category name as request id.
//     Replies whose id matches no pending call are re-emitted as Events to
//     listeners registered with OnEvent.
//
// The client reconnects with backoff, fails every pending call when the
// transport closes, and terminates connections whose peer stops sending
// ping frames for longer than the liveness timeout.
package wsrpc

import (
	"encoding/json"
	"strings"
	"time"

	tmtypes "github.com/tendermint/tendermint/types"

	"github.com/fortiblox/heightsync/internal/types"
)

// State is the connection state of a Client.
type State int32

const (
	// StateDisconnected means no transport is open; a reconnect may be pending.
	StateDisconnected State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateConnected means calls can be issued.
	StateConnected

	// StateClosed is terminal: the client was closed and never reconnects.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventCategory identifies a push event stream. Subscriptions use the
// category's SubscriptionID as JSON-RPC id, which never collides with the
// numeric ids of correlated calls.
type EventCategory int

const (
	// EventNewBlock is emitted for every committed block.
	EventNewBlock EventCategory = iota + 1

	// EventNewBlockHeader is emitted for every committed block header.
	EventNewBlockHeader

	// EventTx is emitted for every committed transaction.
	EventTx
)

// eventSuffix is appended to subscription ids by newer Tendermint releases.
const eventSuffix = "#event"

// EventCategories lists every known category.
var EventCategories = []EventCategory{EventNewBlock, EventNewBlockHeader, EventTx}

// String returns the Tendermint event type name.
func (c EventCategory) String() string {
	switch c {
	case EventNewBlock:
		return tmtypes.EventNewBlock
	case EventNewBlockHeader:
		return tmtypes.EventNewBlockHeader
	case EventTx:
		return tmtypes.EventTx
	default:
		return "unknown"
	}
}

// SubscriptionID is the request id used for the subscribe call and carried
// by every push event of this category.
func (c EventCategory) SubscriptionID() string {
	switch c {
	case EventNewBlock:
		return "newBlock"
	case EventNewBlockHeader:
		return "newBlockHeader"
	case EventTx:
		return "tx"
	default:
		return ""
	}
}

// Query returns the event filter expression sent with subscribe.
func (c EventCategory) Query() string {
	switch c {
	case EventNewBlock:
		return tmtypes.EventQueryNewBlock.String()
	case EventNewBlockHeader:
		return tmtypes.EventQueryNewBlockHeader.String()
	case EventTx:
		return tmtypes.EventQueryTx.String()
	default:
		return ""
	}
}

// categoryFromID maps a reply id to the push category it belongs to.
func categoryFromID(id string) (EventCategory, bool) {
	id = strings.TrimSuffix(id, eventSuffix)
	if id == "" {
		return 0, false
	}
	for _, c := range EventCategories {
		if c.SubscriptionID() == id {
			return c, true
		}
	}
	return 0, false
}

// Event is a push message re-emitted to listeners.
type Event struct {
	// Node is the node that sent the event.
	Node types.NodeID

	// Category is the subscription the event belongs to.
	Category EventCategory

	// Data is the raw result payload.
	Data json.RawMessage

	// Err is set when the node pushed an error under the subscription id.
	Err *RPCError

	// ReceivedAt is when the client read the message.
	ReceivedAt time.Time
}

// ClientHealth is a point-in-time view of a Client.
type ClientHealth struct {
	Node           types.NodeID
	URL            string
	State          State
	Connected      bool
	InFlight       int
	LastMessage    time.Time
	ReconnectCount int
	LastError      error
}
