package wsrpc

import (
	"fmt"

	"github.com/pkg/errors"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("rpc connection not connected")
	ErrAlreadyConnected = errors.New("rpc connection already started")
	ErrClosed           = errors.New("rpc connection closed")
	ErrConnectionClosed = errors.New("connection closed while call was pending")
	ErrDuplicateID      = errors.New("request id already in flight")
	ErrEmptyID          = errors.New("request id is empty")
	ErrMaxReconnects    = errors.New("max reconnection attempts reached")
	ErrLivenessTimeout  = errors.New("no liveness signal from node")
	ErrNoHeight         = errors.New("event carries no block height")
)

// RPCError is an application-level error carried in a reply's error field.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("RPC error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func newRPCError(err *rpctypes.RPCError) *RPCError {
	return &RPCError{
		Code:    err.Code,
		Message: err.Message,
		Data:    err.Data,
	}
}

// IsConnectionClosed reports whether err means the call was cut off by a
// transport closure rather than answered by the node.
func IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// IsRetryable returns true if the error is transient for the caller: the
// connection was down or dropped. Application errors are never retryable
// at this layer.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNotConnected)
}
