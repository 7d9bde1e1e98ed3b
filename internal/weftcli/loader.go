package weftcli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig is the flat document `weft run`/`weft graph` load to build
// a demo statuspublisher pipeline: one monitored ref per ListMap item,
// evaluated through the engine.
type PipelineConfig struct {
	Account      string        `json:"account" yaml:"account"`
	Endpoint     string        `json:"endpoint" yaml:"endpoint"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Refs         []string      `json:"refs" yaml:"refs"`
	// CacheDB, if set, durably persists every published status to a
	// SQLite database at this path and seeds the cache from it on
	// startup, so a restarted run does not republish statuses it already
	// published successfully before exiting.
	CacheDB string `json:"cache_db" yaml:"cache_db"`
}

// Validate checks that the config has enough information to build a
// pipeline.
func (c PipelineConfig) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("weftcli: pipeline config missing account")
	}
	if len(c.Refs) == 0 {
		return fmt.Errorf("weftcli: pipeline config has no refs")
	}
	return nil
}

// LoadPipelineConfig reads and parses a YAML pipeline description from
// path.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("weftcli: read %s: %w", path, err)
	}
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("weftcli: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}
