package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AppName names every per-user directory the controller owns.
const AppName = "manderrow"

// Game describes one entry of the game catalog.
type Game struct {
	ID         string `mapstructure:"id" yaml:"id" validate:"required"`
	Name       string `mapstructure:"name" yaml:"name"`
	SteamAppID string `mapstructure:"steam_app_id" yaml:"steam_app_id,omitempty" validate:"omitempty,numeric"`
	IndexURL   string `mapstructure:"index_url" yaml:"index_url" validate:"required,url"`
	Loader     string `mapstructure:"loader" yaml:"loader,omitempty" validate:"omitempty,oneof=bepinex none"`
	// ProxyDLL is the DLL name the agent is loaded through on Windows and
	// under Wine (e.g. "winhttp").
	ProxyDLL string `mapstructure:"proxy_dll" yaml:"proxy_dll,omitempty"`
	// WinePrefix is set for Proton/Wine targets.
	WinePrefix string `mapstructure:"wine_prefix" yaml:"wine_prefix,omitempty"`
	// Executable is used to spawn the game directly when it is not launched
	// through the store client.
	Executable string `mapstructure:"executable" yaml:"executable,omitempty"`
}

// LogConfig controls logging behaviour.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// Config is the in-memory representation of config.yaml.
type Config struct {
	CacheDir   string    `mapstructure:"cache_dir" yaml:"cache_dir" validate:"required"`
	DataDir    string    `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	RuntimeDir string    `mapstructure:"runtime_dir" yaml:"runtime_dir" validate:"required"`
	SteamDir   string    `mapstructure:"steam_dir" yaml:"steam_dir,omitempty"`
	AgentPath  string    `mapstructure:"agent_path" yaml:"agent_path,omitempty"`
	Log        LogConfig `mapstructure:"log" yaml:"log"`
	Games      []Game    `mapstructure:"games" yaml:"games,omitempty" validate:"dive"`
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() (string, error) {
	if dir := os.Getenv("MANDERROW_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

// ConfigPath returns the absolute path to config.yaml.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand ~: %w", err)
	}
	return filepath.Join(home, p[1:]), nil
}

// DefaultConfig returns the configuration written by `manderrow init`.
func DefaultConfig() (*Config, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine cache directory: %w", err)
	}
	data, err := defaultDataDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		CacheDir:   filepath.Join(cache, AppName),
		DataDir:    data,
		RuntimeDir: defaultRuntimeDir(),
		SteamDir:   defaultSteamDir(),
		Log:        LogConfig{Level: "info"},
		Games: []Game{
			{
				ID:         "lethal-company",
				Name:       "Lethal Company",
				SteamAppID: "1966720",
				IndexURL:   "https://thunderstore.io/c/lethal-company/api/v1/package-listing-index/",
				Loader:     "bepinex",
				ProxyDLL:   "winhttp",
			},
			{
				ID:         "riskofrain2",
				Name:       "Risk of Rain 2",
				SteamAppID: "632360",
				IndexURL:   "https://thunderstore.io/c/riskofrain2/api/v1/package-listing-index/",
				Loader:     "bepinex",
				ProxyDLL:   "winhttp",
			},
		},
	}, nil
}

func defaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" && runtime.GOOS == "linux" {
		return filepath.Join(dir, AppName), nil
	}
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, AppName), nil
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", AppName), nil
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", AppName, os.Getuid()))
}

func defaultSteamDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	var candidates []string
	switch runtime.GOOS {
	case "windows":
		candidates = []string{`C:\Program Files (x86)\Steam`, `C:\Program Files\Steam`}
	case "darwin":
		candidates = []string{filepath.Join(home, "Library", "Application Support", "Steam")}
	default:
		candidates = []string{
			filepath.Join(home, ".local", "share", "Steam"),
			filepath.Join(home, ".steam", "steam"),
			filepath.Join(home, ".var", "app", "com.valvesoftware.Steam", ".local", "share", "Steam"),
		}
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			return c
		}
	}
	return ""
}

// Load reads config.yaml (if present), applies MANDERROW_* environment
// overrides and defaults, and validates the result.
//
// Precedence, highest first: environment, config file, defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config path.
func LoadFile(path string) (*Config, error) {
	defaults, err := DefaultConfig()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("MANDERROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("runtime_dir", defaults.RuntimeDir)
	v.SetDefault("steam_dir", defaults.SteamDir)
	v.SetDefault("agent_path", "")
	v.SetDefault("log.level", defaults.Log.Level)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config %s: %w", path, err)
	}
	if !v.IsSet("games") {
		cfg.Games = defaults.Games
	}

	for _, p := range []*string{&cfg.CacheDir, &cfg.DataDir, &cfg.RuntimeDir, &cfg.SteamDir, &cfg.AgentPath} {
		if *p, err = ExpandPath(*p); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Games {
		if cfg.Games[i].WinePrefix, err = ExpandPath(cfg.Games[i].WinePrefix); err != nil {
			return nil, err
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save marshals cfg and writes it to config.yaml.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile is Save with an explicit config path.
func SaveFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write config %s: %w", path, err)
	}
	return nil
}

// Game looks up a catalog entry by id.
func (c *Config) Game(id string) (Game, bool) {
	for _, g := range c.Games {
		if g.ID == id {
			return g, true
		}
	}
	return Game{}, false
}

// ProfilesDir is <data>/profiles.
func (c *Config) ProfilesDir() string { return filepath.Join(c.DataDir, "profiles") }

// ArtifactCacheDir holds downloaded artifacts keyed by hash.
func (c *Config) ArtifactCacheDir() string { return filepath.Join(c.CacheDir, "artifacts") }

// IndexCacheDir holds the on-disk mod index cache.
func (c *Config) IndexCacheDir() string { return filepath.Join(c.CacheDir, "mod-index") }

// EnsureDirs creates every directory the controller writes to.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.CacheDir, c.ArtifactCacheDir(), c.DataDir, c.ProfilesDir(), c.RuntimeDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("cannot create %s: %w", d, err)
		}
	}
	return nil
}
