package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/heights"
	"github.com/fortiblox/heightsync/pkg/registry"
)

// connect connects every node of the registry and waits until node is up.
func connect(ctx context.Context, reg *registry.Registry, node types.NodeID) error {
	if _, err := reg.Address(node); err != nil {
		return err
	}
	if err := reg.ConnectAll(ctx); err != nil {
		return err
	}
	client, err := reg.Client(node)
	if err != nil {
		return err
	}
	return client.WaitConnected(ctx)
}

func waitHeight(configPath string, node types.NodeID, height int64, timeout time.Duration) error {
	reg, err := openRegistry(configPath, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := withTimeout(ctx, timeout)
	defer cancelTimeout()

	if err := connect(ctx, reg, node); err != nil {
		return err
	}
	defer reg.DisconnectAll()

	if err := reg.Heights().WaitUntilHeight(ctx, node, height); err != nil {
		return errors.Wrapf(err, "wait for %s to reach %d", node, height)
	}

	h, _, _ := reg.Heights().Height(node)
	fmt.Printf("%s reached height %d (target %d)\n", node, h, height)
	return nil
}

func matchPeer(configPath string, node, peer types.NodeID, timeout time.Duration) error {
	reg, err := openRegistry(configPath, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := withTimeout(ctx, timeout)
	defer cancelTimeout()

	if err := connect(ctx, reg, node); err != nil {
		return err
	}
	defer reg.DisconnectAll()

	target, err := matchHeights(ctx, reg.Heights(), node, peer)
	if err != nil {
		return err
	}
	fmt.Printf("%s reached height %d of %s\n", node, target, peer)
	return nil
}

// matchHeights waits for the first height of peer, then for node to reach
// that height. Later advances of peer do not move the target.
func matchHeights(ctx context.Context, tracker *heights.Tracker, node, peer types.NodeID) (int64, error) {
	// Any observed height satisfies a target of 0.
	if err := tracker.WaitUntilHeight(ctx, peer, 0); err != nil {
		return 0, errors.Wrapf(err, "wait for first height of %s", peer)
	}
	target, _, err := tracker.Height(peer)
	if err != nil {
		return 0, err
	}

	if err := tracker.WaitUntilHeight(ctx, node, target); err != nil {
		return target, errors.Wrapf(err, "wait for %s to match %s at %d", node, peer, target)
	}
	return target, nil
}

func printStatus(configPath string, node types.NodeID, timeout time.Duration) error {
	reg, err := openRegistry(configPath, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := withTimeout(ctx, timeout)
	defer cancelTimeout()

	if err := connect(ctx, reg, node); err != nil {
		return err
	}
	defer reg.DisconnectAll()

	client, err := reg.Client(node)
	if err != nil {
		return err
	}
	status, err := client.Status(ctx)
	if err != nil {
		return errors.Wrapf(err, "status of %s", node)
	}

	out, err := tmjson.MarshalIndent(status, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode status")
	}
	fmt.Println(string(out))
	return nil
}
