package main

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const validConfigTOML = `
state_dir = "state"

[mysql]
host = "127.0.0.1"
port = 3307
user = "root"
password = "secret"
database = "shop"

[postgresql]
host = "db.internal"
user = "postgres"
password = "pgsecret"
database = "shop"
schema = "shop"

[options]
reset_sequences = false
include_tables = ["users", "orders"]
identifier_case = "snake_case"
workers = 3

[runtime]
probe_timeout = "3s"

[hooks]
before_load = ["pre.sql"]

[report]
formats = ["json", "yaml", "html"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "migration.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, validConfigTOML))
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}

	if cfg.MySQL.Port != 3307 {
		t.Errorf("MySQL.Port = %d, want 3307", cfg.MySQL.Port)
	}
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d, want default 5432", cfg.Postgres.Port)
	}
	if cfg.Postgres.Schema != "shop" {
		t.Errorf("Postgres.Schema = %q, want %q", cfg.Postgres.Schema, "shop")
	}
	if cfg.Options.ResetSequences {
		t.Errorf("ResetSequences = true, want false")
	}
	if !cfg.Options.CreateIndexes || !cfg.Options.ForeignKeys {
		t.Errorf("CreateIndexes/ForeignKeys defaults lost: %+v", cfg.Options)
	}
	if cfg.Options.IdentifierCase != "snake_case" {
		t.Errorf("IdentifierCase = %q", cfg.Options.IdentifierCase)
	}
	if cfg.Options.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Options.Workers)
	}
	if cfg.Options.BatchRows != 25000 {
		t.Errorf("BatchRows = %d, want 25000", cfg.Options.BatchRows)
	}
	if cfg.Runtime.ProbeTimeout != 3*time.Second {
		t.Errorf("ProbeTimeout = %v, want 3s", cfg.Runtime.ProbeTimeout)
	}
	if cfg.Runtime.TargetStartTimeout != 60*time.Second {
		t.Errorf("TargetStartTimeout = %v, want 60s", cfg.Runtime.TargetStartTimeout)
	}
	if cfg.Runtime.TargetContainer != "pg-target" || cfg.Runtime.Network != "sql_default" {
		t.Errorf("runtime defaults = %+v", cfg.Runtime)
	}
	if cfg.Engine.Image != "dimitri/pgloader:latest" {
		t.Errorf("Engine.Image = %q", cfg.Engine.Image)
	}
	if len(cfg.Report.Formats) != 3 {
		t.Errorf("Report.Formats = %v", cfg.Report.Formats)
	}
}

func TestLoadConfig_DefaultWorkers(t *testing.T) {
	content := strings.Replace(validConfigTOML, "workers = 3\n", "", 1)
	cfg, err := loadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	want := runtime.NumCPU()
	if want > 8 {
		want = 8
	}
	if cfg.Options.Workers != want {
		t.Errorf("Workers = %d, want %d", cfg.Options.Workers, want)
	}
}

func TestLoadConfig_Specs(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, validConfigTOML))
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	src := cfg.SourceSpec()
	if src.Role != RoleSource || src.Endpoint() != "127.0.0.1:3307" {
		t.Errorf("SourceSpec() = %v", src)
	}
	dst := cfg.TargetSpec()
	if dst.Role != RoleTarget || dst.Host != "db.internal" {
		t.Errorf("TargetSpec() = %v", dst)
	}
	if strings.Contains(src.String(), "secret") || strings.Contains(dst.String(), "pgsecret") {
		t.Errorf("ConnectionSpec.String() leaked a password: %q / %q", src.String(), dst.String())
	}
}

func TestLoadConfig_EnvPasswordOverride(t *testing.T) {
	t.Setenv(envMySQLPassword, "from-env")
	t.Setenv(envPostgresPassword, "pg-from-env")

	content := strings.Replace(validConfigTOML, `password = "secret"`, `password = "YOUR_MYSQL_PASSWORD"`, 1)
	cfg, err := loadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.MySQL.Password != "from-env" {
		t.Errorf("MySQL.Password = %q, want from-env", cfg.MySQL.Password)
	}
	if cfg.Postgres.Password != "pg-from-env" {
		t.Errorf("Postgres.Password = %q, want pg-from-env", cfg.Postgres.Password)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(string) string
		wantSub string
	}{
		{
			"unknown key",
			func(s string) string { return s + "\nbogus = 1\n" },
			"unknown config keys: bogus",
		},
		{
			"placeholder password",
			func(s string) string {
				return strings.Replace(s, `password = "secret"`, `password = "YOUR_MYSQL_PASSWORD"`, 1)
			},
			"mysql.password",
		},
		{
			"placeholder database",
			func(s string) string {
				return strings.Replace(s, `database = "shop"`, `database = "YOUR_DATABASE_NAME"`, 1)
			},
			"mysql.database",
		},
		{
			"missing target host",
			func(s string) string { return strings.Replace(s, `host = "db.internal"`, "", 1) },
			"postgresql.host",
		},
		{
			"port out of range",
			func(s string) string { return strings.Replace(s, "port = 3307", "port = 70000", 1) },
			"mysql.port",
		},
		{
			"include and exclude overlap",
			func(s string) string {
				return strings.Replace(s, `identifier_case`, "exclude_tables = [\"USERS\"]\nidentifier_case", 1)
			},
			"both included and excluded",
		},
		{
			"bad identifier case",
			func(s string) string { return strings.Replace(s, `"snake_case"`, `"upper"`, 1) },
			"options.identifier_case",
		},
		{
			"bad report format",
			func(s string) string { return strings.Replace(s, `"html"`, `"pdf"`, 1) },
			"report.formats",
		},
		{
			"bad duration",
			func(s string) string { return strings.Replace(s, `"3s"`, `"soon"`, 1) },
			"parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.edit(validConfigTOML)))
			if err == nil {
				t.Fatal("expected error")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T is not *ConfigError: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("loadConfig(missing) error = %v, want *ConfigError", err)
	}
}

func TestResolvePath(t *testing.T) {
	cfg := &MigrationConfig{configDir: "/etc/mysql2pg"}
	if got := cfg.resolvePath("hooks/pre.sql"); got != "/etc/mysql2pg/hooks/pre.sql" {
		t.Errorf("resolvePath(relative) = %q", got)
	}
	if got := cfg.resolvePath("/abs/pre.sql"); got != "/abs/pre.sql" {
		t.Errorf("resolvePath(absolute) = %q", got)
	}
}

func TestWriteScaffold(t *testing.T) {
	p := filepath.Join(t.TempDir(), "migration.toml")
	if err := writeScaffold(p); err != nil {
		t.Fatalf("writeScaffold() error: %v", err)
	}

	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("scaffold mode = %v, want 0600", info.Mode().Perm())
	}

	// The scaffold parses but is rejected until placeholders are replaced.
	_, err = loadConfig(p)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("loadConfig(scaffold) error = %v, want *ConfigError", err)
	}
	if strings.Contains(err.Error(), "unknown config keys") {
		t.Fatalf("scaffold contains keys the loader rejects: %v", err)
	}

	if err := writeScaffold(p); err == nil {
		t.Fatal("writeScaffold() overwrote an existing file")
	}
}

func TestIsPlaceholder(t *testing.T) {
	for _, v := range []string{"YOUR_MYSQL_PASSWORD", "your_database_name", "changeme", " CHANGEME "} {
		if !isPlaceholder(v) {
			t.Errorf("isPlaceholder(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"", "secret", "yourdb"} {
		if isPlaceholder(v) {
			t.Errorf("isPlaceholder(%q) = true, want false", v)
		}
	}
}
