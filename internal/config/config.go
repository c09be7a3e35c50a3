// Package config loads and saves Lore's configuration file.
//
// Configuration controls which ingest adapters run, auto-linking behavior,
// the cloud endpoint, and the machine identity. It lives at
// ~/.lore/config.yaml and is plain YAML, not hot-reloaded from a database
// the way the chat engine's config table is — the daemon rereads it only
// at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultCloudURL is the Lore cloud service used when Config.CloudURL is empty.
const DefaultCloudURL = "https://app.lore.varalys.com"

// Config holds Lore's user-editable settings.
type Config struct {
	Watchers             []string `yaml:"watchers"`
	AutoLink             bool     `yaml:"auto_link"`
	AutoLinkThreshold    float64  `yaml:"auto_link_threshold"`
	CommitFooter         bool     `yaml:"commit_footer"`
	CloudURL             string   `yaml:"cloud_url,omitempty"`
	MachineID            string   `yaml:"machine_id"`
	CredentialsBackend   string   `yaml:"credentials_backend"`
}

// Default returns the out-of-the-box configuration. A fresh machine_id is
// minted; callers that load an existing file should prefer its value.
func Default() Config {
	return Config{
		Watchers:           []string{"claude-code"},
		AutoLink:           false,
		AutoLinkThreshold:  0.7,
		CommitFooter:       false,
		CredentialsBackend: "file",
		MachineID:          uuid.New().String(),
	}
}

// ValidKeys lists the keys accepted by Get and Set.
func ValidKeys() []string {
	return []string{"watchers", "auto_link", "auto_link_threshold", "commit_footer", "cloud_url"}
}

// Dir returns ~/.lore, creating nothing.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".lore"), nil
}

// Path returns the path to config.yaml under the Lore home directory.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file at the default path, returning Default() if it
// does not exist.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config file at path, returning Default() if it does
// not exist or is empty.
func LoadFrom(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config file at the default path, creating ~/.lore if
// necessary.
func (c Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the config file at path, creating parent directories if
// necessary.
func (c Config) SaveTo(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory %s: %w", dir, err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}

// EffectiveCloudURL returns CloudURL, falling back to DefaultCloudURL.
func (c Config) EffectiveCloudURL() string {
	if c.CloudURL != "" {
		return c.CloudURL
	}
	return DefaultCloudURL
}

// Get returns the string representation of key, or ok=false if unknown.
func (c Config) Get(key string) (string, bool) {
	switch key {
	case "watchers":
		return strings.Join(c.Watchers, ","), true
	case "auto_link":
		return strconv.FormatBool(c.AutoLink), true
	case "auto_link_threshold":
		return strconv.FormatFloat(c.AutoLinkThreshold, 'g', -1, 64), true
	case "commit_footer":
		return strconv.FormatBool(c.CommitFooter), true
	case "cloud_url":
		return c.EffectiveCloudURL(), true
	default:
		return "", false
	}
}

// Set applies a string value to key, validating it first.
func (c *Config) Set(key, value string) error {
	switch key {
	case "watchers":
		parts := strings.Split(value, ",")
		watchers := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				watchers = append(watchers, p)
			}
		}
		c.Watchers = watchers
	case "auto_link":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for auto_link: %q: %w", value, err)
		}
		c.AutoLink = b
	case "auto_link_threshold":
		threshold, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for auto_link_threshold: %q: %w", value, err)
		}
		if threshold < 0.0 || threshold > 1.0 {
			return fmt.Errorf("auto_link_threshold must be between 0.0 and 1.0, got %v", threshold)
		}
		c.AutoLinkThreshold = threshold
	case "commit_footer":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for commit_footer: %q: %w", value, err)
		}
		c.CommitFooter = b
	case "cloud_url":
		c.CloudURL = value
	default:
		return fmt.Errorf("unknown configuration key: %q", key)
	}
	return nil
}

// parseBool accepts true/false/1/0/yes/no, case-insensitively.
func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("expected 'true' or 'false', got %q", value)
	}
}
