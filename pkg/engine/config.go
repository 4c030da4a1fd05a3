// pkg/engine/config.go
package engine

import (
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"strata/pkg/core"
	"strata/pkg/durability"
)

// configFileName is looked up inside the data directory.
const configFileName = "strata.toml"

// FileConfig is the on-disk configuration shape (strata.toml).
type FileConfig struct {
	// Mode selects durability: "in_memory", "buffered", "strict".
	Mode string `toml:"mode"`

	// Shards sets the store shard count.
	Shards int `toml:"shards"`

	Limits struct {
		// MaxKeyBytes bounds user key length.
		MaxKeyBytes int `toml:"max_key_bytes"`
		// MaxValueSize bounds one serialized value ("16MB", "512KB").
		MaxValueSize string `toml:"max_value_size"`
		// MaxVectorDimension bounds embedding width.
		MaxVectorDimension int `toml:"max_vector_dimension"`
	} `toml:"limits"`
}

// Options configures Open. Zero values take defaults, with strata.toml
// in the data dir applied underneath explicit options.
type Options struct {
	// Mode selects the durability strategy. Default Buffered.
	Mode durability.ModeKind

	// ModeSet marks Mode as explicitly chosen (so InMemory, the zero
	// value, can be requested).
	ModeSet bool

	// Shards overrides the store shard count.
	Shards int

	// Limits overrides resource limits.
	Limits *core.Limits

	// Logger receives engine logs. Defaults to a no-op logger.
	Logger *zap.Logger
}

// loadFileConfig reads strata.toml from the data dir if present.
func loadFileConfig(dataDir string) (*FileConfig, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg FileConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, core.WrapError(core.CodeInvalidInput, "parse strata.toml", err)
	}
	return &cfg, nil
}

// resolveConfig merges file config and options into the effective
// settings.
func resolveConfig(dataDir string, opts Options) (durability.ModeKind, int, core.Limits, error) {
	mode := durability.Buffered
	shards := 0
	limits := core.DefaultLimits()

	fileCfg, err := loadFileConfig(dataDir)
	if err != nil {
		return 0, 0, limits, err
	}
	if fileCfg != nil {
		switch fileCfg.Mode {
		case "", "buffered":
			mode = durability.Buffered
		case "in_memory":
			mode = durability.InMemory
		case "strict":
			mode = durability.Strict
		default:
			return 0, 0, limits, core.Errorf(core.CodeInvalidInput,
				"unknown durability mode %q in strata.toml", fileCfg.Mode)
		}
		if fileCfg.Shards > 0 {
			shards = fileCfg.Shards
		}
		if fileCfg.Limits.MaxKeyBytes > 0 {
			limits.MaxKeyBytes = fileCfg.Limits.MaxKeyBytes
		}
		if fileCfg.Limits.MaxValueSize != "" {
			var size datasize.ByteSize
			if err := size.UnmarshalText([]byte(fileCfg.Limits.MaxValueSize)); err != nil {
				return 0, 0, limits, core.WrapError(core.CodeInvalidInput,
					"parse limits.max_value_size", err)
			}
			limits.MaxValueBytes = int(size.Bytes())
		}
		if fileCfg.Limits.MaxVectorDimension > 0 {
			limits.MaxVectorDimension = fileCfg.Limits.MaxVectorDimension
		}
	}

	if opts.ModeSet {
		mode = opts.Mode
	}
	if opts.Shards > 0 {
		shards = opts.Shards
	}
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	return mode, shards, limits, nil
}
