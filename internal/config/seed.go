package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ostrand/backupd/internal/model"
)

// seedFile is the on-disk shape of a declarative configuration seed.
type seedFile struct {
	Configurations []yaml.Node `yaml:"configurations"`
}

// LoadSeedFile reads a YAML seed of backup configurations. The YAML
// field names follow the model's JSON tags; each entry is decoded
// generically and re-read through the JSON layer so the two formats
// cannot drift apart.
func LoadSeedFile(path string) ([]model.BackupConfiguration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	configs := make([]model.BackupConfiguration, 0, len(seed.Configurations))
	for i, node := range seed.Configurations {
		var generic map[string]any
		if err := node.Decode(&generic); err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		buf, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		var cfg model.BackupConfiguration
		if err := json.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if cfg.Name == "" {
			return nil, fmt.Errorf("seed entry %d: missing name", i)
		}
		if cfg.Type == "" {
			return nil, fmt.Errorf("seed entry %d (%s): missing type", i, cfg.Name)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
