package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "SPRINTD_"
	projectConfigPath = ".sprintd/config.yaml"
	maxConfigFileSize = 1 << 20
)

// configSections are the nested config keys an environment variable may
// address; anything else maps to a top-level key verbatim.
var configSections = map[string]bool{
	"limits":  true,
	"retry":   true,
	"roles":   true,
	"logging": true,
}

// Load reads configuration from an explicit path, or from the
// conventional paths when path is empty: the XDG global config followed
// by a project-local .sprintd/config.yaml, with SPRINTD_* environment
// variables on top. Missing files are not errors; malformed YAML is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	var files []string
	if path != "" {
		files = []string{path}
	} else {
		files = []string{
			filepath.Join(xdg.ConfigHome, "sprintd", "config.yaml"),
			projectConfigPath,
		}
	}
	for _, f := range files {
		if err := loadFile(k, f); err != nil {
			return nil, err
		}
	}

	// SPRINTD_LIMITS_BUDGET -> limits.budget
	// SPRINTD_LOGGING_LEVEL -> logging.level
	// SPRINTD_STATE_DIR     -> state_dir (top-level keys keep their underscores)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 2 && configSections[parts[0]] {
			return parts[0] + "." + parts[1]
		}
		return lower
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file %s too large: %d bytes", path, info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
