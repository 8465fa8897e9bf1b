// Package config provides repository configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of one repository.
type Config struct {
	// Backend is the pristine store: "sqlite" or "badger".
	Backend string `yaml:"backend"`
	// PatchEncoding is how new patches are written: "cbor" or "gzip".
	PatchEncoding string `yaml:"patch_encoding"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`
	// Branch is the branch new repositories start on.
	Branch string `yaml:"branch"`
	// Author is recorded in new patches when none is given.
	Author string `yaml:"author,omitempty"`
	// SigningKeyPath points at an armored private key used to sign patches.
	SigningKeyPath string `yaml:"signing_key,omitempty"`
	// KeyringPath points at the armored public keys accepted on apply.
	KeyringPath string `yaml:"keyring,omitempty"`
}

// Default returns the configuration of a fresh repository.
func Default() *Config {
	return &Config{
		Backend:       "sqlite",
		PatchEncoding: "cbor",
		LogLevel:      "info",
		Branch:        "main",
	}
}

// Load reads name from fs, falling back to defaults when it does not
// exist, then applies environment overrides.
func Load(fs billy.Filesystem, name string) (*Config, error) {
	cfg := Default()
	data, err := util.ReadFile(fs, name)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend = getEnv("PIJUL_BACKEND", c.Backend)
	c.PatchEncoding = getEnv("PIJUL_PATCH_ENCODING", c.PatchEncoding)
	c.LogLevel = getEnv("PIJUL_LOG_LEVEL", c.LogLevel)
	c.Author = getEnv("PIJUL_AUTHOR", c.Author)
	c.SigningKeyPath = getEnv("PIJUL_SIGNING_KEY", c.SigningKeyPath)
	c.KeyringPath = getEnv("PIJUL_KEYRING", c.KeyringPath)
}

// Save writes c to name on fs.
func (c *Config) Save(fs billy.Filesystem, name string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := util.WriteFile(fs, name, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
