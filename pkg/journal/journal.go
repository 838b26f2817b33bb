// Package journal persists every block height advance observed per node.
//
// Entries live in a bbolt database: one nested bucket per node under the
// heights bucket, keyed by big-endian height so cursor order is height
// order. The value is the big-endian unix-nano observation time.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/heightsync/internal/types"
)

var (
	// ErrNotFound is returned when a node has no entries.
	ErrNotFound = errors.New("no journal entries")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")

	// ErrInvalidHeight is returned for negative heights.
	ErrInvalidHeight = errors.New("invalid height")
)

// bucketHeights holds one nested bucket per node.
var bucketHeights = []byte("heights")

// Default configuration values.
const (
	DefaultPruneInterval = 1 * time.Hour
	DefaultRetainHeights = int64(100000)
)

// Config holds journal configuration options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// PruneEnabled enables periodic pruning of old entries.
	PruneEnabled bool

	// PruneInterval is how often to run the pruning routine.
	PruneInterval time.Duration

	// RetainHeights is the number of heights kept per node when pruning.
	RetainHeights int64

	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PruneEnabled:  true,
		PruneInterval: DefaultPruneInterval,
		RetainHeights: DefaultRetainHeights,
	}
}

// Entry is one recorded height advance.
type Entry struct {
	Node       types.NodeID `json:"node"`
	Height     int64        `json:"height"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Journal is a bbolt-backed height journal.
type Journal struct {
	db     *bolt.DB
	config Config
	log    *logrus.Entry

	mu     sync.RWMutex
	closed bool

	pruneStop chan struct{}
	pruneWG   sync.WaitGroup
}

// Open creates or opens a journal at config.Path.
func Open(config Config) (*Journal, error) {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultPruneInterval
	}
	if config.RetainHeights <= 0 {
		config.RetainHeights = DefaultRetainHeights
	}

	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, errors.Wrap(err, "create directory")
		}
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	j := &Journal{
		db:        db,
		config:    config,
		log:       config.Logger.WithField("component", "journal"),
		pruneStop: make(chan struct{}),
	}

	if !config.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketHeights)
			return err
		})
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "init buckets")
		}
		if config.PruneEnabled {
			j.startPruning()
		}
	}
	return j, nil
}

// startPruning starts the background pruning goroutine.
func (j *Journal) startPruning() {
	j.pruneWG.Add(1)
	go func() {
		defer j.pruneWG.Done()
		ticker := time.NewTicker(j.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := j.PruneAll(j.config.RetainHeights); err != nil {
					j.log.WithError(err).Warn("Prune failed")
				}
			case <-j.pruneStop:
				return
			}
		}
	}()
}

// EncodeHeightKey encodes a height as a sortable key.
func EncodeHeightKey(height int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(height))
	return key
}

// DecodeHeightKey decodes a key written by EncodeHeightKey.
func DecodeHeightKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func encodeTime(t time.Time) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(t.UnixNano()))
	return v
}

func decodeTime(v []byte) time.Time {
	if len(v) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v)))
}

func (j *Journal) checkOpen() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return nil
}

// nodeBucket returns the bucket of node, or nil if it has no entries.
func nodeBucket(tx *bolt.Tx, node types.NodeID) *bolt.Bucket {
	root := tx.Bucket(bucketHeights)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(node))
}

// Record stores a height advance of node. Recording an existing height
// overwrites its observation time.
func (j *Journal) Record(node types.NodeID, height int64, observedAt time.Time) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if node == "" {
		return types.ErrEmptyNodeID
	}
	if height < 0 {
		return errors.Wrapf(ErrInvalidHeight, "%d", height)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketHeights).CreateBucketIfNotExists([]byte(node))
		if err != nil {
			return errors.Wrapf(err, "create bucket %s", node)
		}
		return b.Put(EncodeHeightKey(height), encodeTime(observedAt))
	})
}

// Latest returns the highest recorded entry of node.
func (j *Journal) Latest(node types.NodeID) (Entry, error) {
	if err := j.checkOpen(); err != nil {
		return Entry{}, err
	}

	var entry Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := nodeBucket(tx, node)
		if b == nil {
			return errors.Wrapf(ErrNotFound, "%s", node)
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return errors.Wrapf(ErrNotFound, "%s", node)
		}
		entry = Entry{Node: node, Height: DecodeHeightKey(k), ObservedAt: decodeTime(v)}
		return nil
	})
	return entry, err
}

// Range returns the entries of node with from <= height <= to, ascending.
func (j *Journal) Range(node types.NodeID, from, to int64) ([]Entry, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}

	var entries []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := nodeBucket(tx, node)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(EncodeHeightKey(from)); k != nil; k, v = c.Next() {
			h := DecodeHeightKey(k)
			if h > to {
				break
			}
			entries = append(entries, Entry{Node: node, Height: h, ObservedAt: decodeTime(v)})
		}
		return nil
	})
	return entries, err
}

// Nodes returns every node with at least one bucket, sorted.
func (j *Journal) Nodes() ([]types.NodeID, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []types.NodeID
	err := j.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketHeights)
		if root == nil {
			return nil
		}
		return root.ForEach(func(k, v []byte) error {
			if v == nil {
				nodes = append(nodes, types.NodeID(k))
			}
			return nil
		})
	})
	return types.SortNodeIDs(nodes), err
}

// Prune removes entries of node below height. Returns the number removed.
func (j *Journal) Prune(node types.NodeID, below int64) (int, error) {
	if err := j.checkOpen(); err != nil {
		return 0, err
	}

	pruned := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := nodeBucket(tx, node)
		if b == nil {
			return nil
		}

		var keys [][]byte
		c := b.Cursor()
		maxKey := EncodeHeightKey(below)
		for k, _ := c.First(); k != nil && bytes.Compare(k, maxKey) < 0; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return errors.Wrapf(err, "delete height %d", DecodeHeightKey(k))
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// PruneAll keeps the latest retain heights of every node.
func (j *Journal) PruneAll(retain int64) (int, error) {
	nodes, err := j.Nodes()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, node := range nodes {
		latest, err := j.Latest(node)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return total, err
		}
		if latest.Height < retain {
			continue
		}
		n, err := j.Prune(node, latest.Height-retain+1)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		j.log.WithField("pruned", total).Info("Pruned journal")
	}
	return total, nil
}

// Export writes the entries of node as JSON lines in height order, or of
// every node if node is empty. Returns the number of entries written.
func (j *Journal) Export(w io.Writer, node types.NodeID) (int, error) {
	nodes := []types.NodeID{node}
	if node == "" {
		var err error
		if nodes, err = j.Nodes(); err != nil {
			return 0, err
		}
	}

	enc := json.NewEncoder(w)
	written := 0
	for _, n := range nodes {
		entries, err := j.Range(n, 0, math.MaxInt64)
		if err != nil {
			return written, err
		}
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return written, errors.Wrap(err, "write entry")
			}
			written++
		}
	}
	return written, nil
}

// Close stops pruning and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.pruneStop)
	j.pruneWG.Wait()

	return j.db.Close()
}
