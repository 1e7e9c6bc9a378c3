package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/logger"
	"github.com/spf13/viper"
)

// DefaultFileName is looked up in the base directory when no config path is given.
const DefaultFileName = "deployr.toml"

// Config is the complete agent configuration.
type Config struct {
	BaseDir  string         `mapstructure:"base_dir"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Release  ReleaseConfig  `mapstructure:"release"`
	Network  NetworkConfig  `mapstructure:"network"`
	Database DatabaseConfig `mapstructure:"database"`
	Install  InstallConfig  `mapstructure:"install"`
	License  LicenseConfig  `mapstructure:"license"`
	App      AppConfig      `mapstructure:"app"`
	Log      logger.Config  `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`
	Server   ServerConfig   `mapstructure:"server"`
	Update   UpdateConfig   `mapstructure:"update"`
	// Commands replaces a service's built-in command with a command line,
	// keyed by service name.
	Commands map[string]string `mapstructure:"commands"`
}

// PathsConfig holds the on-disk layout. Relative entries resolve against BaseDir.
type PathsConfig struct {
	Tools    string `mapstructure:"tools"`
	Apps     string `mapstructure:"apps"`
	Data     string `mapstructure:"data"`
	Logs     string `mapstructure:"logs"`
	Staging  string `mapstructure:"staging"`
	Versions string `mapstructure:"versions"`
}

type PortsConfig struct {
	Database int `mapstructure:"database"`
	Backend  int `mapstructure:"backend"`
	Frontend int `mapstructure:"frontend"`
}

type ReleaseConfig struct {
	APIURL          string `mapstructure:"api_url"`
	Token           string `mapstructure:"token"`
	FrontendRepo    string `mapstructure:"frontend_repo"`
	BackendRepo     string `mapstructure:"backend_repo"`
	AssetMarker     string `mapstructure:"asset_marker"`
	MetadataRetries int    `mapstructure:"metadata_retries"`
	DownloadRetries int    `mapstructure:"download_retries"`
}

type NetworkConfig struct {
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	LicenseTimeout  time.Duration `mapstructure:"license_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	CanonicalTable string `mapstructure:"canonical_table"`
}

type InstallConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	StartGrace   time.Duration `mapstructure:"start_grace"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	StopWait     time.Duration `mapstructure:"stop_wait"`
}

type LicenseConfig struct {
	APIURL         string `mapstructure:"api_url"`
	Expiry         string `mapstructure:"expiry"` // YYYY-MM-DD
	MaxOfflineDays int    `mapstructure:"max_offline_days"`
	SupportEmail   string `mapstructure:"support_email"`
	SupportPhone   string `mapstructure:"support_phone"`
	Secret         string `mapstructure:"secret"`
	File           string `mapstructure:"file"`
}

// AppConfig carries values written into the applications' env files.
type AppConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	NodeEnv   string `mapstructure:"node_env"`
	AgentURL  string `mapstructure:"agent_url"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type UpdateConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// legacyEnv maps config keys to the environment names operators already use.
var legacyEnv = map[string]string{
	"release.token":            "GITHUB_TOKEN",
	"license.api_url":          "LICENSE_API_URL",
	"license.expiry":           "LICENSE_EXPIRY",
	"license.max_offline_days": "MAX_OFFLINE_DAYS",
	"license.support_email":    "SUPPORT_EMAIL",
	"license.support_phone":    "SUPPORT_PHONE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.tools", "tools")
	v.SetDefault("paths.apps", "apps")
	v.SetDefault("paths.data", "data")
	v.SetDefault("paths.logs", "logs")
	v.SetDefault("paths.staging", filepath.Join("data", "staging"))
	v.SetDefault("paths.versions", "versions.json")

	v.SetDefault("ports.database", 3307)
	v.SetDefault("ports.backend", 3200)
	v.SetDefault("ports.frontend", 3100)

	v.SetDefault("release.api_url", "https://api.github.com")
	v.SetDefault("release.frontend_repo", "Mighty-SEA/4paws-frontend")
	v.SetDefault("release.backend_repo", "Mighty-SEA/4paws-backend")
	v.SetDefault("release.asset_marker", "portable")
	v.SetDefault("release.metadata_retries", 3)
	v.SetDefault("release.download_retries", 3)

	v.SetDefault("network.metadata_timeout", 10*time.Second)
	v.SetDefault("network.download_timeout", 30*time.Minute)
	v.SetDefault("network.license_timeout", 10*time.Second)

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.name", "4paws_db")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "4paws_secure_password")
	v.SetDefault("database.canonical_table", "users")

	v.SetDefault("install.timeout", 30*time.Minute)
	v.SetDefault("install.heartbeat", 15*time.Second)
	v.SetDefault("install.start_grace", 3*time.Second)
	v.SetDefault("install.ready_timeout", 30*time.Second)
	v.SetDefault("install.stop_wait", 10*time.Second)

	v.SetDefault("license.expiry", "2025-01-31")
	v.SetDefault("license.max_offline_days", 30)
	v.SetDefault("license.support_email", "support@yourcompany.com")
	v.SetDefault("license.support_phone", "+62 xxx-xxx-xxxx")
	v.SetDefault("license.secret", "4paws-license-secret-v1-2025")
	v.SetDefault("license.file", filepath.Join("data", "license.dat"))

	v.SetDefault("app.jwt_secret", "4paws-jwt-secret-key-change-in-production")
	v.SetDefault("app.node_env", "production")
	v.SetDefault("app.agent_url", "http://localhost:5000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", "")

	v.SetDefault("server.listen", "127.0.0.1:5000")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("update.enabled", true)
	v.SetDefault("update.schedule", "@every 6h")
}

// Load reads configuration from path (optional), a .env file in the base
// directory, and the environment. baseDir "" means the current directory.
func Load(path, baseDir string) (*Config, error) {
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		baseDir = wd
	}
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnvFile(filepath.Join(baseDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix("DEPLOYR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		if err := v.BindEnv(key, "DEPLOYR_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), name); err != nil {
			return nil, err
		}
	}

	if path == "" {
		if candidate := filepath.Join(baseDir, DefaultFileName); fileExists(candidate) {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.BaseDir == "" {
		c.BaseDir = baseDir
	}
	c.resolve()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolve makes every relative path absolute under BaseDir.
func (c *Config) resolve() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.BaseDir, p)
	}
	c.Paths.Tools = abs(c.Paths.Tools)
	c.Paths.Apps = abs(c.Paths.Apps)
	c.Paths.Data = abs(c.Paths.Data)
	c.Paths.Logs = abs(c.Paths.Logs)
	c.Paths.Staging = abs(c.Paths.Staging)
	c.Paths.Versions = abs(c.Paths.Versions)
	c.License.File = abs(c.License.File)
	if c.Log.File.Dir == "" {
		c.Log.File.Dir = c.Paths.Logs
	} else {
		c.Log.File.Dir = abs(c.Log.File.Dir)
	}
	if c.History.DSN == "" {
		c.History.DSN = "sqlite://" + filepath.Join(c.Paths.Data, "history.db")
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	ports := map[string]int{"database": c.Ports.Database, "backend": c.Ports.Backend, "frontend": c.Ports.Frontend}
	seen := map[int]string{}
	for name, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("ports.%s out of range: %d", name, p)
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("ports.%s and ports.%s share port %d", name, other, p)
		}
		seen[p] = name
	}
	if c.Release.FrontendRepo == "" || c.Release.BackendRepo == "" {
		return errors.New("release.frontend_repo and release.backend_repo are required")
	}
	if c.Install.Timeout <= 0 {
		return errors.New("install.timeout must be positive")
	}
	if c.License.MaxOfflineDays < 0 {
		return errors.New("license.max_offline_days must not be negative")
	}
	return nil
}

// Convenience accessors for the fixed layout.

func (c *Config) NodeDir() string      { return filepath.Join(c.Paths.Tools, "node") }
func (c *Config) PnpmDir() string      { return filepath.Join(c.Paths.Tools, "pnpm") }
func (c *Config) MariaDBDir() string   { return filepath.Join(c.Paths.Tools, "mariadb") }
func (c *Config) MariaDBData() string  { return filepath.Join(c.Paths.Data, "mariadb") }
func (c *Config) FrontendDir() string  { return filepath.Join(c.Paths.Apps, "frontend") }
func (c *Config) BackendDir() string   { return filepath.Join(c.Paths.Apps, "backend") }

// ComponentDir is the install directory of a released component.
func (c *Config) ComponentDir(name string) string { return filepath.Join(c.Paths.Apps, name) }

// StartBudget bounds one service start: license check, port reclaim,
// start grace and the readiness window, plus slack for the response.
func (c *Config) StartBudget() time.Duration {
	return c.Network.LicenseTimeout + c.Install.StopWait + c.Install.StartGrace + c.Install.ReadyTimeout + 15*time.Second
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
