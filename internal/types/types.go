// Package types defines the core identifiers shared by the heightsync packages.
//
// Heights follow Tendermint conventions: they are signed 64-bit integers that
// travel over JSON-RPC as decimal strings. Transaction hashes are the SHA-256
// digest of the raw transaction bytes.
package types

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

// TxHashSize is the size of a transaction hash in bytes.
const TxHashSize = tmhash.Size

var (
	// ErrInvalidHeight is returned when a height string cannot be parsed.
	ErrInvalidHeight = errors.New("invalid block height")

	// ErrInvalidTxHash is returned when a transaction hash has invalid length.
	ErrInvalidTxHash = errors.New("invalid tx hash: must be 32 bytes")

	// ErrEmptyNodeID is returned for a descriptor without an identifier.
	ErrEmptyNodeID = errors.New("node id is required")
)

// NodeID is the stable logical identifier of a node, e.g. an
// organisational role name such as "issuer" or "verifier".
type NodeID string

// String returns the identifier as a plain string.
func (id NodeID) String() string {
	return string(id)
}

// SortNodeIDs sorts ids in place and returns them.
func SortNodeIDs(ids []NodeID) []NodeID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodeDescriptor pairs a node identifier with its network address.
// Descriptors are defined at startup and never change afterwards.
type NodeDescriptor struct {
	ID      NodeID `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
}

// Validate checks that both the identifier and the address are set.
func (d NodeDescriptor) Validate() error {
	if d.ID == "" {
		return ErrEmptyNodeID
	}
	if strings.TrimSpace(d.Address) == "" {
		return errors.Wrapf(ErrInvalidAddress, "node %s", d.ID)
	}
	return nil
}

// ParseHeight parses a decimal block height as returned by the node,
// e.g. the sync_info.latest_block_height field of a status reply.
// Surrounding quotes are tolerated.
func ParseHeight(s string) (int64, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return 0, errors.Wrap(ErrInvalidHeight, "empty value")
	}
	h, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidHeight, "%q", s)
	}
	if h < 0 {
		return 0, errors.Wrapf(ErrInvalidHeight, "negative height %d", h)
	}
	return h, nil
}

// FormatHeight renders a height the way the node expects it in params.
func FormatHeight(h int64) string {
	return strconv.FormatInt(h, 10)
}

// TxHash is the SHA-256 hash identifying a transaction.
type TxHash [TxHashSize]byte

// ComputeTxHash returns the hash under which the node indexes tx.
func ComputeTxHash(tx []byte) TxHash {
	var h TxHash
	copy(h[:], tmhash.Sum(tx))
	return h
}

// TxHashFromHex parses a hex-encoded hash. A leading 0x is accepted.
func TxHashFromHex(s string) (TxHash, error) {
	var h TxHash
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return h, errors.Wrap(err, "hex decode")
	}
	if len(data) != TxHashSize {
		return h, ErrInvalidTxHash
	}
	copy(h[:], data)
	return h, nil
}

// String returns the upper-case hex form used by Tendermint.
func (h TxHash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// Bytes returns the hash as a byte slice.
func (h TxHash) Bytes() []byte {
	return h[:]
}

// IsZero returns true if the hash is all zeros.
func (h TxHash) IsZero() bool {
	return h == TxHash{}
}
