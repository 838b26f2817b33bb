package wsrpc

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	ctypes "github.com/tendermint/tendermint/rpc/core/types"

	"github.com/fortiblox/heightsync/internal/types"
)

// Tendermint RPC method names.
const (
	MethodStatus            = "status"
	MethodBlock             = "block"
	MethodBlockResults      = "block_results"
	MethodTx                = "tx"
	MethodABCIQuery         = "abci_query"
	MethodBroadcastTxCommit = "broadcast_tx_commit"
	MethodBroadcastTxSync   = "broadcast_tx_sync"
	MethodSubscribe         = "subscribe"
	MethodUnsubscribe       = "unsubscribe"
)

type params map[string]interface{}

// callTyped decodes the result with Tendermint's JSON encoding, which
// carries int64 as strings and interfaces with type tags.
func (c *Client) callTyped(ctx context.Context, method string, p params, result interface{}) error {
	if p == nil {
		p = params{}
	}
	raw, err := c.CallRaw(ctx, method, p)
	if err != nil {
		return err
	}
	if err := tmjson.Unmarshal(raw, result); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

func heightParams(height *int64) params {
	p := params{}
	if height != nil {
		p["height"] = types.FormatHeight(*height)
	}
	return p
}

// Status returns the node status.
func (c *Client) Status(ctx context.Context) (*ctypes.ResultStatus, error) {
	result := new(ctypes.ResultStatus)
	if err := c.callTyped(ctx, MethodStatus, nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

// LatestHeight returns sync_info.latest_block_height from status. Only the
// height is decoded, so it tolerates status payloads the full result type
// would reject.
func (c *Client) LatestHeight(ctx context.Context) (int64, error) {
	var status struct {
		SyncInfo struct {
			LatestBlockHeight json.RawMessage `json:"latest_block_height"`
		} `json:"sync_info"`
	}
	if err := c.Call(ctx, MethodStatus, params{}, &status); err != nil {
		return 0, err
	}
	height, err := types.ParseHeight(string(status.SyncInfo.LatestBlockHeight))
	if err != nil {
		return 0, errors.Wrap(err, "status latest_block_height")
	}
	return height, nil
}

// Block returns the block at height, or the latest block if height is nil.
func (c *Client) Block(ctx context.Context, height *int64) (*ctypes.ResultBlock, error) {
	result := new(ctypes.ResultBlock)
	if err := c.callTyped(ctx, MethodBlock, heightParams(height), result); err != nil {
		return nil, err
	}
	return result, nil
}

// BlockResults returns the execution results of the block at height, or of
// the latest block if height is nil.
func (c *Client) BlockResults(ctx context.Context, height *int64) (*ctypes.ResultBlockResults, error) {
	result := new(ctypes.ResultBlockResults)
	if err := c.callTyped(ctx, MethodBlockResults, heightParams(height), result); err != nil {
		return nil, err
	}
	return result, nil
}

// Tx looks up a committed transaction by hash.
func (c *Client) Tx(ctx context.Context, hash types.TxHash, prove bool) (*ctypes.ResultTx, error) {
	result := new(ctypes.ResultTx)
	p := params{
		"hash":  hash.Bytes(),
		"prove": prove,
	}
	if err := c.callTyped(ctx, MethodTx, p, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ABCIQuery queries the application. A height of 0 means latest.
func (c *Client) ABCIQuery(ctx context.Context, path string, data []byte, height int64, prove bool) (*ctypes.ResultABCIQuery, error) {
	result := new(ctypes.ResultABCIQuery)
	p := params{
		"path":   path,
		"data":   hex.EncodeToString(data),
		"height": types.FormatHeight(height),
		"prove":  prove,
	}
	if err := c.callTyped(ctx, MethodABCIQuery, p, result); err != nil {
		return nil, err
	}
	return result, nil
}

// BroadcastTxCommit submits tx and waits until it is committed in a block.
func (c *Client) BroadcastTxCommit(ctx context.Context, tx []byte) (*ctypes.ResultBroadcastTxCommit, error) {
	result := new(ctypes.ResultBroadcastTxCommit)
	if err := c.callTyped(ctx, MethodBroadcastTxCommit, params{"tx": tx}, result); err != nil {
		return nil, err
	}
	return result, nil
}

// BroadcastTxSync submits tx and returns after CheckTx.
func (c *Client) BroadcastTxSync(ctx context.Context, tx []byte) (*ctypes.ResultBroadcastTx, error) {
	result := new(ctypes.ResultBroadcastTx)
	if err := c.callTyped(ctx, MethodBroadcastTxSync, params{"tx": tx}, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Subscribe subscribes to category. The call resolves on the node's
// acknowledgement; subsequent events are delivered to OnEvent listeners.
// Subscriptions do not survive a reconnect.
func (c *Client) Subscribe(ctx context.Context, category EventCategory) error {
	id := category.SubscriptionID()
	if id == "" {
		return errors.Errorf("unknown event category %d", category)
	}
	return c.CallWithID(ctx, id, MethodSubscribe, params{"query": category.Query()}, nil)
}

// Unsubscribe cancels the subscription to category.
func (c *Client) Unsubscribe(ctx context.Context, category EventCategory) error {
	if category.SubscriptionID() == "" {
		return errors.Errorf("unknown event category %d", category)
	}
	return c.Call(ctx, MethodUnsubscribe, params{"query": category.Query()}, nil)
}

// NewBlockHeight extracts the block height from a NewBlock or
// NewBlockHeader event. The subscription acknowledgement carries no height
// and yields ErrNoHeight.
func NewBlockHeight(ev Event) (int64, error) {
	if ev.Err != nil {
		return 0, ev.Err
	}
	if len(ev.Data) == 0 {
		return 0, ErrNoHeight
	}

	var payload struct {
		Data struct {
			Value struct {
				Block struct {
					Header struct {
						Height json.RawMessage `json:"height"`
					} `json:"header"`
				} `json:"block"`
				Header struct {
					Height json.RawMessage `json:"height"`
				} `json:"header"`
			} `json:"value"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return 0, errors.Wrap(err, "decode event")
	}

	raw := payload.Data.Value.Block.Header.Height
	if len(raw) == 0 {
		raw = payload.Data.Value.Header.Height
	}
	if len(raw) == 0 {
		return 0, ErrNoHeight
	}
	return types.ParseHeight(string(raw))
}

// DecodeEvent decodes the full Tendermint event payload.
func DecodeEvent(ev Event) (*ctypes.ResultEvent, error) {
	if ev.Err != nil {
		return nil, ev.Err
	}
	result := new(ctypes.ResultEvent)
	if err := tmjson.Unmarshal(ev.Data, result); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	return result, nil
}
