// Package dashboard serves a read-only JSON API over the node registry and
// the height journal while heightsync is watching:
//
//	GET /api/status                     every node with connection and lag
//	GET /api/nodes/{id}                 one node
//	GET /api/history/{id}?from=&to=     journal entries of one node
package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/journal"
	"github.com/fortiblox/heightsync/pkg/registry"
)

// ErrAlreadyRunning is returned by Start on a running dashboard.
var ErrAlreadyRunning = errors.New("dashboard already running")

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HealthSource reports per-node health. *registry.Registry implements it.
type HealthSource interface {
	Health() []registry.NodeHealth
}

// HistorySource reads recorded heights. *journal.Journal implements it.
type HistorySource interface {
	Range(node types.NodeID, from, to int64) ([]journal.Entry, error)
}

// Dashboard is the status HTTP server.
type Dashboard struct {
	config  Config
	log     *logrus.Entry
	health  HealthSource
	history HistorySource

	mu        sync.Mutex
	server    *http.Server
	running   bool
	startTime time.Time
}

// New creates a dashboard. history may be nil, in which case the history
// endpoint answers 404.
func New(config Config, health HealthSource, history HistorySource) *Dashboard {
	def := DefaultConfig()
	if config.BindAddress == "" {
		config.BindAddress = def.BindAddress
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Dashboard{
		config:    config,
		log:       config.Logger.WithField("component", "dashboard"),
		health:    health,
		history:   history,
		startTime: time.Now(),
	}
}

// Handler returns the API routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", d.handleStatus)
	mux.HandleFunc("/api/nodes/", d.handleNode)
	mux.HandleFunc("/api/history/", d.handleHistory)
	return mux
}

// Start serves until ctx is done or Stop is called. It returns nil after
// a graceful stop.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.server = &http.Server{
		Addr:         d.Address(),
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	server := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	d.log.WithField("addr", server.Addr).Info("Dashboard listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "dashboard")
	}
	return nil
}

// Stop gracefully stops the server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	server := d.server
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// Address returns the address the dashboard listens on.
func (d *Dashboard) Address() string {
	return net.JoinHostPort(d.config.BindAddress, fmt.Sprint(d.config.Port))
}
