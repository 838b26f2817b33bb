package main

import (
	"fmt"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/dashboard"
	"github.com/fortiblox/heightsync/pkg/journal"
	"github.com/fortiblox/heightsync/pkg/registry"
)

var (
	nodeColor   = color.New(color.FgCyan, color.Bold).SprintFunc()
	heightColor = color.New(color.FgGreen).SprintFunc()
	warnColor   = color.New(color.FgYellow).SprintFunc()
)

type watchOptions struct {
	configPath     string
	journalPath    string
	statusInterval time.Duration
	httpBind       string
	httpPort       int
}

// ErrInvalidStatusInterval is returned for a non-positive --status-interval.
var ErrInvalidStatusInterval = errors.New("status interval must be positive")

func watch(opts watchOptions) error {
	if opts.statusInterval <= 0 {
		return errors.Wrapf(ErrInvalidStatusInterval, "%s", opts.statusInterval)
	}

	fl := flock.New(opts.configPath)
	if locked, _ := fl.TryLock(); !locked {
		return errors.New("Unable to lock the config file," +
			" make sure there isn't another instance running.")
	}
	defer func() {
		_ = fl.Unlock()
	}()

	figure.NewFigure("heightsync", "", true).Print()
	fmt.Printf("version %s (%s)\n\n", Version, GitCommit)

	var jr *journal.Journal
	if opts.journalPath != "" {
		config := journal.DefaultConfig(opts.journalPath)
		config.Logger = logrus.NewEntry(log)
		var err error
		if jr, err = journal.Open(config); err != nil {
			return errors.Wrap(err, "open journal")
		}
		defer jr.Close()
	}

	onAdvance := func(node types.NodeID, height int64) {
		fmt.Printf("%s %s height %s\n", time.Now().Format("15:04:05.000"), nodeColor(node), heightColor(height))
		if jr == nil {
			return
		}
		if err := jr.Record(node, height, time.Now()); err != nil {
			log.WithError(err).WithField("node", node).Warn("Failed to record height")
		}
	}

	reg, err := openRegistry(opts.configPath, onAdvance)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := reg.ConnectAll(ctx); err != nil {
		return err
	}
	defer reg.DisconnectAll()

	if opts.httpPort > 0 {
		config := dashboard.DefaultConfig()
		config.BindAddress = opts.httpBind
		config.Port = opts.httpPort
		config.Logger = logrus.NewEntry(log)

		var history dashboard.HistorySource
		if jr != nil {
			history = jr
		}
		dash := dashboard.New(config, reg, history)
		go func() {
			if err := dash.Start(ctx); err != nil {
				log.WithError(err).Error("Dashboard stopped")
			}
		}()
		defer dash.Stop()
	}

	log.WithField("nodes", len(reg.Nodes())).Info("Watching block heights")

	ticker := time.NewTicker(opts.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logStatus(reg)
		}
	}
}

func logStatus(reg *registry.Registry) {
	for _, h := range reg.Health() {
		fields := logrus.Fields{
			"node":       h.Node,
			"state":      h.Connection.State,
			"reconnects": h.Connection.ReconnectCount,
		}
		if h.HeightKnown {
			fields["height"] = h.Height
			fields["lag"] = h.Lag
		}
		if h.Healthy {
			log.WithFields(fields).Info("Status")
			continue
		}
		if h.Connection.LastError != nil {
			fields["last_error"] = h.Connection.LastError.Error()
		}
		log.WithFields(fields).Warn(warnColor("Status: unhealthy"))
	}
}
