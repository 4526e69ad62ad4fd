package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// PassphraseEnv names the environment variable holding the passphrase that
// seals private keys at rest. It is never read from the config file.
const PassphraseEnv = "IRCOTR_PASSPHRASE"

// Config represents the main application configuration
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Encryption EncryptionConfig `toml:"encryption"`
	Logging    LoggingConfig    `toml:"logging"`
	Storage    StorageConfig    `toml:"storage"`
	UI         UIConfig         `toml:"ui"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
}

// EncryptionConfig contains OTR settings
type EncryptionConfig struct {
	// Policy is one of disabled, manual, opportunistic or always.
	Policy string `toml:"policy"`

	NegotiationTimeout   time.Duration `toml:"negotiation_timeout"`
	SMPTimeout           time.Duration `toml:"smp_timeout"`
	KeyGenerationTimeout time.Duration `toml:"key_generation_timeout"`

	// FragmentSize bounds protocol messages to fit an IRC line.
	FragmentSize int `toml:"fragment_size"`

	// CaseMapping folds nicknames: none, ascii or rfc1459.
	CaseMapping string `toml:"case_mapping"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
	Format  string `toml:"format"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Backend is sqlite or bolt.
	Backend string `toml:"backend"`

	// PersistKeys keeps private keys and fingerprints in the database. When
	// off, keys are regenerated every run.
	PersistKeys bool `toml:"persist_keys"`

	// SealKeys encrypts private keys with the passphrase from
	// IRCOTR_PASSPHRASE.
	SealKeys bool `toml:"seal_keys"`
}

// UIConfig contains terminal output settings
type UIConfig struct {
	// Theme names a built-in theme or a file in the themes directory.
	Theme string `toml:"theme"`
}

// MetricsConfig contains prometheus settings
type MetricsConfig struct {
	// Address serves /metrics when set, for example "127.0.0.1:9464".
	Address string `toml:"address"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir: "",
		},
		Encryption: EncryptionConfig{
			Policy:               "opportunistic",
			NegotiationTimeout:   30 * time.Second,
			SMPTimeout:           2 * time.Minute,
			KeyGenerationTimeout: 60 * time.Second,
			FragmentSize:         400,
			CaseMapping:          "rfc1459",
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
			Format:  "text",
		},
		Storage: StorageConfig{
			Backend:     "sqlite",
			PersistKeys: true,
			SealKeys:    false,
		},
		UI: UIConfig{
			Theme: "default",
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return nil, err
	}
	cacheDir, err := xdgDir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}

	return &Paths{
		ConfigDir: filepath.Join(configDir, "ircotr"),
		DataDir:   filepath.Join(dataDir, "ircotr"),
		CacheDir:  filepath.Join(cacheDir, "ircotr"),
	}, nil
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ThemesDir returns the directory user themes are loaded from
func (p *Paths) ThemesDir() string {
	return filepath.Join(p.ConfigDir, "themes")
}

// ConfigFile returns the default config file location
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, "config.toml")
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return load(paths.ConfigFile(), paths.DataDir)
}

// LoadFile loads the configuration from path. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return load(expandPath(path), paths.DataDir)
}

func load(path, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = dataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	e := c.Encryption
	if e.NegotiationTimeout < 0 || e.SMPTimeout < 0 || e.KeyGenerationTimeout < 0 {
		return fmt.Errorf("encryption timeouts must not be negative")
	}
	if e.FragmentSize < 0 || e.FragmentSize > 0xffff {
		return fmt.Errorf("fragment_size %d out of range", e.FragmentSize)
	}
	switch c.Storage.Backend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// Save saves the configuration to the default config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	return SaveFile(paths.ConfigFile(), cfg)
}

// SaveFile saves the configuration to path
func SaveFile(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Passphrase returns the key sealing passphrase from the environment
func Passphrase() string {
	return os.Getenv(PassphraseEnv)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
