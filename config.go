package tsdb

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config holds the engine's on-disk tuning knobs. All fields are optional;
// a zero Config is valid and Open falls back to its own defaults.
type Config struct {
	// MetadataFile overrides the metadata database's filename within the
	// data directory. Defaults to "meta.db".
	MetadataFile string `toml:"metadata_file"`
	// DataFile overrides the block file's filename within the data
	// directory. Defaults to "data.blocks".
	DataFile string `toml:"data_file"`
	// DirtyPageSize overrides the block file's dirty-page tracking
	// granularity, in bytes. Defaults to 4096.
	DirtyPageSize uint64 `toml:"dirty_page_size"`
}

const (
	defaultMetadataFile = "meta.db"
	defaultDataFile     = "data.blocks"
)

func (c Config) withDefaults() Config {
	if c.MetadataFile == "" {
		c.MetadataFile = defaultMetadataFile
	}
	if c.DataFile == "" {
		c.DataFile = defaultDataFile
	}
	return c
}

// LoadConfig reads a Config from a TOML file at path.
func LoadConfig(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("tsdb: load config %s: %w", path, err)
	}
	return c, nil
}
