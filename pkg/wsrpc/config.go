package wsrpc

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/heightsync/pkg/backoff"
)

// Default configuration values.
const (
	// DefaultLivenessTimeout is how long the client tolerates silence from
	// the node's ping frames. Tendermint pings every 27s.
	DefaultLivenessTimeout = 35 * time.Second

	// DefaultWriteTimeout bounds every frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReadLimit is the maximum inbound message size. Block results
	// with many transactions can be large.
	DefaultReadLimit = 64 * 1024 * 1024
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid rpc client configuration")

// Config holds the configuration for a Client.
type Config struct {
	// Backoff controls the delay between reconnection attempts.
	Backoff backoff.Config

	// LivenessTimeout is the maximum time between inbound ping frames before
	// the transport is forcibly closed. Negative disables the check.
	LivenessTimeout time.Duration

	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the opening handshake of the default dialer.
	HandshakeTimeout time.Duration

	// ReadLimit caps inbound message size for the default dialer.
	ReadLimit int64

	// MaxReconnects is the number of consecutive failed attempts after which
	// the client gives up and closes. 0 = unlimited.
	MaxReconnects int

	// Dialer opens transports. Defaults to a gorilla/websocket dialer.
	Dialer Dialer

	// Logger receives connection lifecycle logs. Defaults to the standard
	// logrus logger.
	Logger *logrus.Entry

	// OnConnect is called after every successful connection (optional).
	// Called on its own goroutine, so it may issue calls.
	OnConnect func()

	// OnDisconnect is called when an established connection is lost (optional).
	OnDisconnect func(error)

	// OnReconnect is called after every connection except the first (optional).
	OnReconnect func(attempt int)

	// OnStateChange is called on every state transition (optional).
	// Called synchronously - should not block.
	OnStateChange func(State)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:          backoff.DefaultConfig(),
		LivenessTimeout:  DefaultLivenessTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadLimit:        DefaultReadLimit,
		MaxReconnects:    0, // unlimited
	}
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	c.Backoff = c.Backoff.WithDefaults()
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = defaults.LivenessTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = defaults.ReadLimit
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{
			HandshakeTimeout: c.HandshakeTimeout,
			ReadLimit:        c.ReadLimit,
		}
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Backoff.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if c.WriteTimeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "write timeout must not be negative")
	}
	if c.HandshakeTimeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "handshake timeout must not be negative")
	}
	if c.ReadLimit < 0 {
		return errors.Wrap(ErrInvalidConfig, "read limit must not be negative")
	}
	if c.MaxReconnects < 0 {
		return errors.Wrap(ErrInvalidConfig, "max reconnects must not be negative")
	}
	return nil
}
