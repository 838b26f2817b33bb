package main

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/journal"
)

func exportHistory(journalPath string, node types.NodeID, out string) error {
	config := journal.DefaultConfig(journalPath)
	config.ReadOnly = true
	config.Logger = logrus.NewEntry(log)

	jr, err := journal.Open(config)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	defer jr.Close()

	n, err := writeHistory(jr, node, out)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"entries": n, "out": out}).Info("Exported history")
	return nil
}

// writeHistory exports the journal to out, or to stdout if out is empty.
// Files are replaced atomically; a .zst suffix selects zstd compression.
func writeHistory(jr *journal.Journal, node types.NodeID, out string) (int, error) {
	if out == "" {
		return jr.Export(os.Stdout, node)
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	var enc *zstd.Encoder
	if strings.HasSuffix(out, ".zst") {
		var err error
		if enc, err = zstd.NewWriter(&buf); err != nil {
			return 0, errors.Wrap(err, "zstd writer")
		}
		w = enc
	}

	n, err := jr.Export(w, node)
	if err != nil {
		return n, err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return n, errors.Wrap(err, "zstd flush")
		}
	}

	if err := atomic.WriteFile(out, &buf); err != nil {
		return n, errors.Wrapf(err, "write %s", out)
	}
	return n, nil
}
