// heightsync: block height synchronization for Tendermint-style nodes
//
// This is the main entry point for heightsync. It connects to every node
// listed in a YAML config file, follows their new-block events and either
// watches heights continuously or blocks until a height condition holds.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/registry"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var log = logrus.New()

func main() {
	configFlag := &cli.PathFlag{Name: "c", Aliases: []string{"config"}, Usage: "nodes config file path", Required: true}
	timeoutFlag := &cli.DurationFlag{Name: "timeout", Usage: "give up after this long (0 = wait forever)"}

	cmdWatch := &cli.Command{
		Name:  "watch",
		Usage: "follow every node's block height until interrupted",
		Flags: []cli.Flag{
			configFlag,
			&cli.PathFlag{Name: "journal", Usage: "record height advances to this database"},
			&cli.DurationFlag{Name: "status-interval", Value: 10 * time.Second, Usage: "interval between status lines"},
			&cli.IntFlag{Name: "http-port", Usage: "serve the status API on this port (0 = disabled)"},
			&cli.StringFlag{Name: "http-bind", Value: "127.0.0.1", Usage: "status API bind address"},
		},
		Action: func(c *cli.Context) error {
			return watch(watchOptions{
				configPath:     c.Path("c"),
				journalPath:    c.Path("journal"),
				statusInterval: c.Duration("status-interval"),
				httpBind:       c.String("http-bind"),
				httpPort:       c.Int("http-port"),
			})
		},
	}
	cmdWait := &cli.Command{
		Name:  "wait",
		Usage: "block until a node reaches a height",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "node", Usage: "node id", Required: true},
			&cli.Int64Flag{Name: "height", Usage: "target height", Required: true},
			timeoutFlag,
		},
		Action: func(c *cli.Context) error {
			return waitHeight(c.Path("c"), types.NodeID(c.String("node")), c.Int64("height"), c.Duration("timeout"))
		},
	}
	cmdMatch := &cli.Command{
		Name:  "match",
		Usage: "block until a node reaches the current height of a peer",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "node", Usage: "node id", Required: true},
			&cli.StringFlag{Name: "peer", Usage: "peer node id", Required: true},
			timeoutFlag,
		},
		Action: func(c *cli.Context) error {
			return matchPeer(c.Path("c"), types.NodeID(c.String("node")), types.NodeID(c.String("peer")), c.Duration("timeout"))
		},
	}
	cmdStatus := &cli.Command{
		Name:  "status",
		Usage: "print a node's status",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "node", Usage: "node id", Required: true},
			timeoutFlag,
		},
		Action: func(c *cli.Context) error {
			return printStatus(c.Path("c"), types.NodeID(c.String("node")), c.Duration("timeout"))
		},
	}
	cmdHistory := &cli.Command{
		Name:  "history",
		Usage: "export recorded height advances as JSON lines",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: "journal", Usage: "journal database path", Required: true},
			&cli.StringFlag{Name: "node", Usage: "only this node"},
			&cli.PathFlag{Name: "out", Usage: "output file, zstd compressed if it ends in .zst (default stdout)"},
		},
		Action: func(c *cli.Context) error {
			return exportHistory(c.Path("journal"), types.NodeID(c.String("node")), c.Path("out"))
		},
	}

	app := &cli.App{
		Name:    "heightsync",
		Usage:   "block height synchronization across blockchain nodes",
		Version: Version + " (" + GitCommit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level: debug, info, warn, error"},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			log.SetOutput(os.Stderr)
			return nil
		},
		Commands: []*cli.Command{
			cmdWatch,
			cmdWait,
			cmdMatch,
			cmdStatus,
			cmdHistory,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Infof("Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// withTimeout bounds ctx when timeout is positive.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// openRegistry loads the config file and builds a registry around it.
func openRegistry(configPath string, onAdvance func(types.NodeID, int64)) (*registry.Registry, error) {
	fc, err := registry.LoadConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := fc.RegistryConfig()
	cfg.Logger = logrus.NewEntry(log)
	cfg.OnAdvance = onAdvance

	reg, err := registry.New(fc.Descriptors(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build registry")
	}
	return reg, nil
}
