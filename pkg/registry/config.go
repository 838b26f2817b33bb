package registry

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/backoff"
	"github.com/fortiblox/heightsync/pkg/wsrpc"
)

// ErrNoNodes is returned when a config file lists no nodes.
var ErrNoNodes = errors.New("config lists no nodes")

// FileConfig is the on-disk node set and connection tuning:
//
//	nodes:
//	  issuer: 127.0.0.1:26657
//	  verifier: ws://10.0.0.2:26657/websocket
//	reconnect:
//	  min: 1s
//	  max: 30s
//	  factor: 2
//	liveness_timeout: 35s
//	resync_timeout: 10s
//	lag_threshold: 5
//
// ${VAR} references are expanded from the environment before parsing.
type FileConfig struct {
	Nodes           map[string]string `yaml:"nodes"`
	Reconnect       backoff.Config    `yaml:"reconnect"`
	LivenessTimeout time.Duration     `yaml:"liveness_timeout"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	ResyncTimeout   time.Duration     `yaml:"resync_timeout"`
	MaxReconnects   int               `yaml:"max_reconnects"`
	LagThreshold    int64             `yaml:"lag_threshold"`
}

// LoadConfigFile reads and validates a YAML config file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if len(fc.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	for _, d := range fc.Descriptors() {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	if fc.Reconnect != (backoff.Config{}) {
		if err := fc.Reconnect.WithDefaults().Validate(); err != nil {
			return nil, errors.Wrap(err, "reconnect")
		}
	}
	return &fc, nil
}

// Descriptors returns the node set sorted by id.
func (fc *FileConfig) Descriptors() []types.NodeDescriptor {
	ids := make([]types.NodeID, 0, len(fc.Nodes))
	for id := range fc.Nodes {
		ids = append(ids, types.NodeID(id))
	}

	out := make([]types.NodeDescriptor, 0, len(ids))
	for _, id := range types.SortNodeIDs(ids) {
		out = append(out, types.NodeDescriptor{ID: id, Address: fc.Nodes[string(id)]})
	}
	return out
}

// RegistryConfig converts the tuning section into a registry Config.
func (fc *FileConfig) RegistryConfig() Config {
	return Config{
		Client: wsrpc.Config{
			Backoff:         fc.Reconnect,
			LivenessTimeout: fc.LivenessTimeout,
			WriteTimeout:    fc.WriteTimeout,
			MaxReconnects:   fc.MaxReconnects,
		},
		ResyncTimeout: fc.ResyncTimeout,
		LagThreshold:  fc.LagThreshold,
	}
}
