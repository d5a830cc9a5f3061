package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDBPath     = "./cms.db"
	DefaultReportPath = "database-comparison-report.json"
)

type Config struct {
	Database      DBConfig      `yaml:"database"`
	MigrationsDir string        `yaml:"migrations_dir"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	HTTPAddress   string        `yaml:"http_addr"`
	AdminToken    string        `yaml:"admin_token"`
	Compare       CompareConfig `yaml:"compare"`
}

type DBConfig struct {
	Provider string `yaml:"provider"`
	DSN      string `yaml:"dsn"`
	ReadOnly bool   `yaml:"read_only"`
}

type CompareConfig struct {
	Source        DBConfig `yaml:"source"`
	Target        DBConfig `yaml:"target"`
	KeyColumn     string   `yaml:"key_column"`
	ExcludeTables []string `yaml:"exclude_tables"`
	RequireKey    bool     `yaml:"require_key"`
	ReportPath    string   `yaml:"report_path"`
}

// Load reads the YAML file at path (when it exists) and applies environment
// overrides on top. An empty path falls back to CMSDB_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CMSDB_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config file %s not found", path)
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DBConfig{
			Provider: "sqlite",
			DSN:      DefaultDBPath,
		},
		LogLevel:    "info",
		LogFormat:   "console",
		HTTPAddress: ":8080",
		Compare: CompareConfig{
			KeyColumn:     "id",
			ExcludeTables: []string{"migration_history"},
			ReportPath:    DefaultReportPath,
		},
	}
}

func (c *Config) applyEnv() {
	c.Database.Provider = getEnv("CMSDB_PROVIDER", c.Database.Provider)
	c.Database.DSN = getEnv("CMSDB_DSN", c.Database.DSN)
	// DB_PATH is what the CMS backend itself reads, so it wins over the file.
	c.Database.DSN = getEnv("DB_PATH", c.Database.DSN)
	c.MigrationsDir = getEnv("CMSDB_MIGRATIONS_DIR", c.MigrationsDir)
	c.LogLevel = getEnv("CMSDB_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("CMSDB_LOG_FORMAT", c.LogFormat)
	c.HTTPAddress = getEnv("CMSDB_HTTP_ADDR", c.HTTPAddress)
	c.AdminToken = getEnv("CMSDB_ADMIN_TOKEN", c.AdminToken)
	if v := os.Getenv("CMSDB_COMPARE_EXCLUDE"); v != "" {
		c.Compare.ExcludeTables = splitAndTrim(v)
	}
}

func (c *Config) fillDefaults() {
	if c.Database.Provider == "" {
		c.Database.Provider = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Provider == "sqlite" {
		c.Database.DSN = DefaultDBPath
	}
	if c.Compare.KeyColumn == "" {
		c.Compare.KeyColumn = "id"
	}
	if c.Compare.ReportPath == "" {
		c.Compare.ReportPath = DefaultReportPath
	}
	if c.Compare.Source.Provider == "" {
		c.Compare.Source.Provider = c.Database.Provider
	}
	if c.Compare.Target.Provider == "" {
		c.Compare.Target.Provider = c.Database.Provider
	}
}

func (c Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Compare.Source.DSN != "" {
		if err := c.Compare.Source.Validate(); err != nil {
			return fmt.Errorf("compare.source: %w", err)
		}
	}
	if c.Compare.Target.DSN != "" {
		if err := c.Compare.Target.Validate(); err != nil {
			return fmt.Errorf("compare.target: %w", err)
		}
	}
	return nil
}

func (d DBConfig) Validate() error {
	switch strings.ToLower(d.Provider) {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported provider %q", d.Provider)
	}
	if strings.TrimSpace(d.DSN) == "" {
		return errors.New("dsn is required")
	}
	return nil
}

// HasCompare reports whether both comparison sides are configured.
func (c Config) HasCompare() bool {
	return c.Compare.Source.DSN != "" && c.Compare.Target.DSN != ""
}

// Sample is the starter file written by init-config.
func Sample(dbPath string) string {
	return fmt.Sprintf(`database:
  provider: sqlite
  dsn: %s
# migrations_dir: ./migrations   # empty = built-in CMS migrations
log_level: info
log_format: console
http_addr: ":8080"
# admin_token: change-me         # enables POST /api/v1/migrations/*
compare:
  source:
    provider: sqlite
    dsn: ./cms-server1.db
  target:
    provider: sqlite
    dsn: %s
  key_column: id
  exclude_tables:
    - migration_history
  require_key: false
  report_path: %s
`, dbPath, dbPath, DefaultReportPath)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitAndTrim(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
