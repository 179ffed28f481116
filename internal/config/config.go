// Package config handles daemon configuration file management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/20after4/configdir"
	"github.com/pelletier/go-toml/v2"
)

const (
	appName    = "nowplayingd"
	configFile = "config.toml"
)

// Config represents the daemon configuration
type Config struct {
	Log     LogConfig
	IPC     IPCConfig
	Artwork ArtworkConfig
}

// LogConfig contains logging settings
type LogConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR (default: INFO)
	Level string

	// File additionally receives log output when set
	File string

	// Development forces DEBUG logging
	Development bool
}

// IPCConfig contains settings for the presentation socket
type IPCConfig struct {
	// SocketPath overrides the default socket location
	SocketPath string
}

// ArtworkConfig contains artwork retrieval settings
type ArtworkConfig struct {
	// MaxBytes is the largest artwork accepted (default: 8 MiB)
	MaxBytes int64

	HTTPTimeoutSeconds int
	HTTPRetries        int
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "INFO",
		},
		Artwork: ArtworkConfig{
			MaxBytes:           8 << 20,
			HTTPTimeoutSeconds: 10,
			HTTPRetries:        3,
		},
	}
}

// DefaultDir returns the per-user configuration directory
func DefaultDir() string {
	return configdir.LocalConfig(appName)
}

// Manager handles loading and saving configuration
type Manager struct {
	configDir  string
	configPath string

	mu     sync.RWMutex
	config *Config
}

// NewManager creates a new configuration manager. An empty configDir
// selects DefaultDir.
func NewManager(configDir string) *Manager {
	if configDir == "" {
		configDir = DefaultDir()
	}
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, configFile),
		config:     DefaultConfig(),
	}
}

// NewManagerForFile creates a manager for an explicit config file path
func NewManagerForFile(path string) *Manager {
	return &Manager{
		configDir:  filepath.Dir(path),
		configPath: path,
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk. A missing file is created with
// the defaults; a malformed file is an error and leaves the current
// configuration in place.
func (m *Manager) Load() error {
	if err := configdir.MakePath(m.configDir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	err := m.read()
	if errors.Is(err, os.ErrNotExist) {
		m.mu.Lock()
		m.config = DefaultConfig()
		m.mu.Unlock()
		return m.Save()
	}
	return err
}

// Read is Load without side effects: a missing file yields the defaults
// and nothing is written.
func (m *Manager) Read() error {
	err := m.read()
	if errors.Is(err, os.ErrNotExist) {
		m.mu.Lock()
		m.config = DefaultConfig()
		m.mu.Unlock()
		return nil
	}
	return err
}

func (m *Manager) read() error {
	f, err := os.Open(m.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	defer f.Close()

	config := DefaultConfig() // Start with defaults
	if err := toml.NewDecoder(f).Decode(config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config.normalize()

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// normalize replaces out-of-range values with defaults
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Artwork.MaxBytes <= 0 {
		c.Artwork.MaxBytes = def.Artwork.MaxBytes
	}
	if c.Artwork.HTTPTimeoutSeconds <= 0 {
		c.Artwork.HTTPTimeoutSeconds = def.Artwork.HTTPTimeoutSeconds
	}
	if c.Artwork.HTTPRetries < 0 {
		c.Artwork.HTTPRetries = def.Artwork.HTTPRetries
	}
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	if err := configdir.MakePath(m.configDir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	m.mu.RLock()
	data, err := toml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// Path returns the config file path
func (m *Manager) Path() string {
	return m.configPath
}

// Update replaces the configuration and saves it
func (m *Manager) Update(config Config) error {
	config.normalize()
	m.mu.Lock()
	m.config = &config
	m.mu.Unlock()
	return m.Save()
}
