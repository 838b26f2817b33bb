package types

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// DefaultWebsocketPath is the endpoint Tendermint serves JSON-RPC over
// WebSocket on.
const DefaultWebsocketPath = "/websocket"

// ErrInvalidAddress is returned for node addresses that are neither
// host:port nor a ws/wss URL.
var ErrInvalidAddress = errors.New("invalid node address")

// WebsocketURL turns a node address into the URL the RPC connection dials.
//
// Accepted forms:
//   - host:port            -> ws://host:port/websocket
//   - ws://host:port[/p]   -> unchanged, path defaults to /websocket
//   - wss://host:port[/p]  -> unchanged, path defaults to /websocket
//   - http(s)://host:port  -> scheme rewritten to ws(s)
func WebsocketURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrInvalidAddress
	}

	if !strings.Contains(address, "://") {
		host, port, err := net.SplitHostPort(address)
		if err != nil || port == "" {
			return "", errors.Wrapf(ErrInvalidAddress, "%q", address)
		}
		return "ws://" + net.JoinHostPort(host, port) + DefaultWebsocketPath, nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidAddress, "%q: %v", address, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Wrapf(ErrInvalidAddress, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Wrapf(ErrInvalidAddress, "%q: missing host", address)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultWebsocketPath
	}
	return u.String(), nil
}
