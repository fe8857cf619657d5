package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override the passwords from the config file.
const (
	envMySQLPassword    = "MYSQL2PG_MYSQL_PASSWORD"
	envPostgresPassword = "MYSQL2PG_POSTGRESQL_PASSWORD"
)

// MigrationConfig holds the full TOML-driven migration configuration. It is
// loaded once and handed to components by value.
type MigrationConfig struct {
	StateDir string         `toml:"state_dir"`
	MySQL    MySQLConfig    `toml:"mysql"`
	Postgres PostgresConfig `toml:"postgresql"`
	Options  OptionsConfig  `toml:"options"`
	Engine   EngineConfig   `toml:"engine"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Hooks    HooksConfig    `toml:"hooks"`
	Report   ReportConfig   `toml:"report"`
	Metrics  MetricsConfig  `toml:"metrics"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

type MySQLConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	Schema   string `toml:"schema"`
}

// OptionsConfig controls what the engine migrates and how.
type OptionsConfig struct {
	ResetSequences bool     `toml:"reset_sequences"`
	IncludeTables  []string `toml:"include_tables"`
	ExcludeTables  []string `toml:"exclude_tables"`
	CreateIndexes  bool     `toml:"create_indexes"`
	ForeignKeys    bool     `toml:"foreign_keys"`
	IdentifierCase string   `toml:"identifier_case"` // downcase|snake_case
	Workers        int      `toml:"workers"`
	Concurrency    int      `toml:"concurrency"`
	BatchRows      int      `toml:"batch_rows"`
}

type EngineConfig struct {
	Image   string `toml:"image"`
	WorkDir string `toml:"work_dir"`
}

// RuntimeConfig describes the container runtime and the managed target.
type RuntimeConfig struct {
	DockerBin          string        `toml:"docker_bin"`
	TargetImage        string        `toml:"target_image"`
	TargetContainer    string        `toml:"target_container"`
	TargetVolume       string        `toml:"target_volume"`
	Network            string        `toml:"network"`
	ProbeTimeout       time.Duration `toml:"probe_timeout"`
	TargetStartTimeout time.Duration `toml:"target_start_timeout"`
}

type HooksConfig struct {
	BeforeLoad []string `toml:"before_load"`
	AfterLoad  []string `toml:"after_load"`
}

type ReportConfig struct {
	Dir     string   `toml:"dir"`
	Formats []string `toml:"formats"` // json|yaml|html
}

type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway_url"`
	Textfile       string `toml:"textfile"`
	JobName        string `toml:"job_name"`
}

func defaultConfig() MigrationConfig {
	return MigrationConfig{
		StateDir: ".mysql2pg",
		MySQL:    MySQLConfig{Port: 3306},
		Postgres: PostgresConfig{Port: 5432, Schema: "public"},
		Options: OptionsConfig{
			ResetSequences: true,
			CreateIndexes:  true,
			ForeignKeys:    true,
			IdentifierCase: "downcase",
			Concurrency:    1,
			BatchRows:      25000,
		},
		Engine: EngineConfig{
			Image:   "dimitri/pgloader:latest",
			WorkDir: "pgloader",
		},
		Runtime: RuntimeConfig{
			DockerBin:          "docker",
			TargetImage:        "postgres:16-alpine",
			TargetContainer:    "pg-target",
			TargetVolume:       "mysql2pg_pgdata",
			Network:            "sql_default",
			ProbeTimeout:       10 * time.Second,
			TargetStartTimeout: 60 * time.Second,
		},
		Report:  ReportConfig{Dir: "reports", Formats: []string{"json"}},
		Metrics: MetricsConfig{JobName: "mysql2pg"},
	}
}

// loadConfig reads a TOML config file and returns a MigrationConfig with
// defaults applied. Every failure is a *ConfigError and happens before any
// connection attempt.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	cfg := defaultConfig()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, &ConfigError{Reason: "unknown config keys: " + strings.Join(keys, ", ")}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("resolve config path: %v", err)}
	}
	cfg.configDir = filepath.Dir(absPath)

	if pw, ok := os.LookupEnv(envMySQLPassword); ok {
		cfg.MySQL.Password = pw
	}
	if pw, ok := os.LookupEnv(envPostgresPassword); ok {
		cfg.Postgres.Password = pw
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *MigrationConfig) validate() error {
	if err := validateConnectionSpec(c.SourceSpec(), "mysql"); err != nil {
		return err
	}
	if err := validateConnectionSpec(c.TargetSpec(), "postgresql"); err != nil {
		return err
	}

	c.Postgres.Schema = strings.TrimSpace(c.Postgres.Schema)
	if c.Postgres.Schema == "" {
		return configErrorf("postgresql.schema", "is required")
	}

	if c.Options.Workers <= 0 {
		c.Options.Workers = defaultWorkers()
	}
	if c.Options.Concurrency <= 0 {
		c.Options.Concurrency = 1
	}
	if c.Options.BatchRows <= 0 {
		return configErrorf("options.batch_rows", "must be positive")
	}
	switch c.Options.IdentifierCase {
	case "downcase", "snake_case":
	default:
		return configErrorf("options.identifier_case", "must be one of: downcase, snake_case")
	}
	if t, ok := overlappingFilter(c.Options.IncludeTables, c.Options.ExcludeTables); ok {
		return configErrorf("options", "table %q is both included and excluded", t)
	}

	for _, f := range c.Report.Formats {
		switch f {
		case "json", "yaml", "html":
		default:
			return configErrorf("report.formats", "unknown format %q (must be json, yaml or html)", f)
		}
	}

	if c.Runtime.ProbeTimeout <= 0 {
		return configErrorf("runtime.probe_timeout", "must be positive")
	}
	if c.Runtime.TargetStartTimeout <= 0 {
		return configErrorf("runtime.target_start_timeout", "must be positive")
	}
	for field, v := range map[string]string{
		"engine.image":             c.Engine.Image,
		"engine.work_dir":          c.Engine.WorkDir,
		"runtime.docker_bin":       c.Runtime.DockerBin,
		"runtime.target_image":     c.Runtime.TargetImage,
		"runtime.target_container": c.Runtime.TargetContainer,
		"runtime.network":          c.Runtime.Network,
		"state_dir":                c.StateDir,
	} {
		if strings.TrimSpace(v) == "" {
			return configErrorf(field, "must not be empty")
		}
	}
	return nil
}

// SourceSpec returns the MySQL connection parameters.
func (c *MigrationConfig) SourceSpec() ConnectionSpec {
	return ConnectionSpec{
		Host:     c.MySQL.Host,
		Port:     c.MySQL.Port,
		User:     c.MySQL.User,
		Password: c.MySQL.Password,
		Database: c.MySQL.Database,
		Role:     RoleSource,
	}
}

// TargetSpec returns the PostgreSQL connection parameters.
func (c *MigrationConfig) TargetSpec() ConnectionSpec {
	return ConnectionSpec{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
		Database: c.Postgres.Database,
		Role:     RoleTarget,
	}
}

// JobOptions returns the engine options with the given hook statements.
func (c *MigrationConfig) JobOptions(beforeLoad, afterLoad []string) JobOptions {
	return JobOptions{
		ResetSequences: c.Options.ResetSequences,
		IncludeTables:  append([]string(nil), c.Options.IncludeTables...),
		ExcludeTables:  append([]string(nil), c.Options.ExcludeTables...),
		CreateIndexes:  c.Options.CreateIndexes,
		ForeignKeys:    c.Options.ForeignKeys,
		IdentifierCase: c.Options.IdentifierCase,
		Workers:        c.Options.Workers,
		Concurrency:    c.Options.Concurrency,
		BatchRows:      c.Options.BatchRows,
		TargetSchema:   c.Postgres.Schema,
		BeforeLoad:     beforeLoad,
		AfterLoad:      afterLoad,

		TargetContainer: c.Runtime.TargetContainer,
	}
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) || c.configDir == "" {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// isPlaceholder reports whether v is an unedited scaffold value.
func isPlaceholder(v string) bool {
	u := strings.ToUpper(strings.TrimSpace(v))
	return strings.HasPrefix(u, "YOUR_") || u == "CHANGEME"
}

// validateConnectionSpec rejects missing or placeholder connection fields.
// section names the config table for the error ("mysql", "postgresql").
func validateConnectionSpec(spec ConnectionSpec, section string) error {
	required := []struct {
		name  string
		value string
	}{
		{"host", spec.Host},
		{"user", spec.User},
		{"database", spec.Database},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return configErrorf(section+"."+f.name, "is required")
		}
		if isPlaceholder(f.value) {
			return configErrorf(section+"."+f.name, "still has placeholder value %q", f.value)
		}
	}
	if isPlaceholder(spec.Password) {
		return configErrorf(section+".password", "still has a placeholder value")
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return configErrorf(section+".port", "%d is out of range 1-65535", spec.Port)
	}
	return nil
}

// overlappingFilter returns the first table named in both lists.
func overlappingFilter(include, exclude []string) (string, bool) {
	inc := make(map[string]bool, len(include))
	for _, t := range include {
		inc[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, t := range exclude {
		if inc[strings.ToLower(strings.TrimSpace(t))] {
			return t, true
		}
	}
	return "", false
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}

const scaffoldHeader = `# mysql2pg migration config.
# Replace every YOUR_* value before running. Passwords may instead be supplied
# via MYSQL2PG_MYSQL_PASSWORD and MYSQL2PG_POSTGRESQL_PASSWORD.

`

// writeScaffold writes a config with placeholder values to path. It refuses
// to overwrite an existing file.
func writeScaffold(path string) error {
	if _, err := os.Stat(path); err == nil {
		return &ConfigError{Reason: fmt.Sprintf("%s already exists; remove it or pick another path", path)}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	cfg := defaultConfig()
	cfg.MySQL.Host = "localhost"
	cfg.MySQL.User = "root"
	cfg.MySQL.Password = "YOUR_MYSQL_PASSWORD"
	cfg.MySQL.Database = "YOUR_DATABASE_NAME"
	cfg.Postgres.Host = "localhost"
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "YOUR_POSTGRES_PASSWORD"
	cfg.Postgres.Database = "YOUR_DATABASE_NAME"
	cfg.Options.Workers = defaultWorkers()
	cfg.Options.IncludeTables = []string{}
	cfg.Options.ExcludeTables = []string{}
	cfg.Hooks.BeforeLoad = []string{}
	cfg.Hooks.AfterLoad = []string{}

	var buf bytes.Buffer
	buf.WriteString(scaffoldHeader)
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode scaffold: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
