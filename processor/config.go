package processor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/drivelinehq/driveline/errs"
)

// LoadConfigFile reads <dir>/<entity>.yaml. The second return is false
// when no override exists for the entity.
func LoadConfigFile(dir, entity string) (Config, bool, error) {
	path := filepath.Join(dir, entity+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, errs.Configuration(fmt.Sprintf("failed to read processor config %s: %v", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, false, errs.Configuration(fmt.Sprintf("failed to parse processor config %s: %v", path, err))
	}
	if cfg.Entity == "" {
		cfg.Entity = entity
	}
	return cfg, true, nil
}
