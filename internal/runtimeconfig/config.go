package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envConfigPath = "SANDBOXSHIM_CONFIG"

type Config struct {
	LogLevel string        `yaml:"log_level"`
	Modules  ModulesConfig `yaml:"modules"`
	Zygote   ZygoteConfig  `yaml:"zygote"`
	Wait     WaitConfig    `yaml:"wait"`
}

type ModulesConfig struct {
	Disabled            bool     `yaml:"disabled"`
	CacheDir            string   `yaml:"cache_dir"`
	MetadataDB          string   `yaml:"metadata_db"`
	FetchTimeoutSeconds int64    `yaml:"fetch_timeout_seconds"`
	InsecureRegistries  []string `yaml:"insecure_registries"`
}

type ZygoteConfig struct {
	// UnshareMounts defaults to true when running as root.
	UnshareMounts *bool `yaml:"unshare_mounts"`
}

type WaitConfig struct {
	DefaultTimeoutSeconds int64 `yaml:"default_timeout_seconds"`
}

const defaultFetchTimeout = 60 * time.Second

func (c ModulesConfig) FetchTimeout() time.Duration {
	if c.FetchTimeoutSeconds <= 0 {
		return defaultFetchTimeout
	}
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

var geteuid = os.Geteuid

func (c ZygoteConfig) Unshare() bool {
	if c.UnshareMounts != nil {
		return *c.UnshareMounts
	}
	return geteuid() == 0
}

// DefaultTimeout is how long the CLI waits for the workload. Zero or less
// means forever.
func (c WaitConfig) DefaultTimeout() time.Duration {
	if c.DefaultTimeoutSeconds <= 0 {
		return -1
	}
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

func Path(engineName string) string {
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		return path
	}
	return filepath.Join("/etc", "sandboxshim", engineName+".yaml")
}

// Load reads the config for an engine. A missing file is an empty config.
func Load(engineName string) (Config, string, error) {
	path := Path(engineName)

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Modules.CacheDir = strings.TrimSpace(cfg.Modules.CacheDir)
	cfg.Modules.MetadataDB = strings.TrimSpace(cfg.Modules.MetadataDB)
	registries := cfg.Modules.InsecureRegistries[:0]
	for _, registry := range cfg.Modules.InsecureRegistries {
		if registry = strings.TrimSpace(registry); registry != "" {
			registries = append(registries, registry)
		}
	}
	cfg.Modules.InsecureRegistries = registries
	return cfg, path, nil
}
