//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
)

// integrationConfig loads the config named by MYSQL2PG_IT_CONFIG. It must
// point at a disposable MySQL database and a PostgreSQL target (managed or
// remote) on a host with a working docker daemon.
func integrationConfig(t *testing.T) *MigrationConfig {
	t.Helper()
	path := os.Getenv("MYSQL2PG_IT_CONFIG")
	if path == "" {
		t.Skip("MYSQL2PG_IT_CONFIG env var required")
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.StateDir = t.TempDir()
	cfg.Engine.WorkDir = t.TempDir()
	cfg.Report.Dir = t.TempDir()
	cfg.Metrics = MetricsConfig{JobName: "mysql2pg"}
	cfg.Options.IncludeTables = nil
	cfg.Options.ExcludeTables = nil
	return cfg
}

func openSeedDB(t *testing.T, cfg *MigrationConfig) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", mysqlDSN(cfg.SourceSpec(), 10*time.Second))
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	// session sql_mode must hold across all seed statements
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIntegration_Migration(t *testing.T) {
	cfg := integrationConfig(t)
	seedMySQL(t, openSeedDB(t, cfg))

	var out bytes.Buffer
	m := newMigration(cfg, false)
	m.out = &out
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "validation pass") && !strings.Contains(out.String(), "validation warning") {
		t.Errorf("unexpected report:\n%s", out.String())
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, postgresDSN(cfg.TargetSpec()))
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	schema := cfg.Postgres.Schema
	assertRowCount(t, pool, schema, "users", 5)
	assertRowCount(t, pool, schema, "posts", 5)
	assertRowCount(t, pool, schema, "comments", 10)
	assertPKExists(t, pool, schema, "users")
	assertPKExists(t, pool, schema, "comments")
	assertColumnType(t, pool, schema, "users", "is_active", "boolean")
	assertColumnType(t, pool, schema, "posts", "id", "bigint")
	assertFKExists(t, pool, schema, "posts", "users")
	assertFKExists(t, pool, schema, "comments", "posts")

	// zero dates arrive as NULL
	var nulls int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE published_at IS NULL", pgQualified(schema, "posts"))
	if err := pool.QueryRow(ctx, q).Scan(&nulls); err != nil {
		t.Fatalf("count null dates: %v", err)
	}
	if nulls != 2 {
		t.Errorf("posts with NULL published_at: got %d, want 2", nulls)
	}
}

func TestIntegration_DryRun(t *testing.T) {
	cfg := integrationConfig(t)
	seedMySQL(t, openSeedDB(t, cfg))

	var out bytes.Buffer
	m := newMigration(cfg, true)
	m.out = &out
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out.String(), "LOAD DATABASE") {
		t.Errorf("expected load file preview, got:\n%s", out.String())
	}
	if cfg.MySQL.Password != "" && strings.Contains(out.String(), cfg.MySQL.Password) {
		t.Error("preview leaks the source password")
	}
}

func TestIntegration_MySQLReadOnlyUser(t *testing.T) {
	cfg := integrationConfig(t)
	db := openSeedDB(t, cfg)
	seedMySQL(t, db)

	ctx := context.Background()
	const user, password = "mysql2pg_ro", "mysql2pg_ro_pw"
	if err := createReadOnlyMySQLUser(ctx, db, cfg.MySQL.Database, user, password); err != nil {
		t.Skipf("cannot create read-only user: %v", err)
	}
	t.Cleanup(func() { db.Exec(fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", user)) })

	spec := cfg.SourceSpec()
	spec.User, spec.Password = user, password
	src, err := openMySQLSource(spec, 10*time.Second)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	if err := src.Probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
	tables, err := src.Inventory(ctx)
	if err != nil {
		t.Fatalf("inventory as read-only user: %v", err)
	}
	if len(tables) != 3 {
		t.Fatalf("expected 3 tables, got %d", len(tables))
	}
	n, err := src.CountRows(ctx, "comments")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Errorf("comments: got %d rows, want 10", n)
	}
	maxID, err := src.MaxValue(ctx, "users", "id")
	if err != nil {
		t.Fatalf("max: %v", err)
	}
	if maxID != 5 {
		t.Errorf("MAX(users.id) = %d, want 5", maxID)
	}
}

func seedMySQL(t *testing.T, db *sql.DB) {
	t.Helper()

	stmts := []string{
		"SET SESSION sql_mode = ''",
		"DROP TABLE IF EXISTS comments",
		"DROP TABLE IF EXISTS posts",
		"DROP TABLE IF EXISTS users",

		`CREATE TABLE users (
			id INT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			email VARCHAR(200) NULL,
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			UNIQUE KEY uniq_email (email)
		)`,
		`CREATE TABLE posts (
			id INT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
			user_id INT NOT NULL,
			title VARCHAR(200) NOT NULL,
			body TEXT,
			status ENUM('draft','published') NOT NULL DEFAULT 'draft',
			published_at DATETIME NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE comments (
			id INT AUTO_INCREMENT PRIMARY KEY,
			post_id INT UNSIGNED NOT NULL,
			user_id INT NOT NULL,
			content TEXT,
			FOREIGN KEY (post_id) REFERENCES posts(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		"INSERT INTO users (name, email, is_active) VALUES ('Alice', 'alice@example.com', 1)",
		"INSERT INTO users (name, email, is_active) VALUES ('Bob', NULL, 0)",
		"INSERT INTO users (name, email, is_active) VALUES ('Charlie', 'charlie@example.com', 1)",
		"INSERT INTO users (name, email, is_active) VALUES ('Diana', 'diana@example.com', 1)",
		"INSERT INTO users (name, email, is_active) VALUES ('Eve', NULL, 0)",

		"INSERT INTO posts (user_id, title, body, status, published_at) VALUES (1, 'First Post', 'Hello world', 'published', '2024-01-02 10:00:00')",
		"INSERT INTO posts (user_id, title, body, status, published_at) VALUES (2, 'Bobs Post', 'Content here', 'published', '2024-01-03 11:00:00')",
		"INSERT INTO posts (user_id, title, body, status, published_at) VALUES (3, 'Thoughts', 'Some thoughts', 'draft', '0000-00-00 00:00:00')",
		"INSERT INTO posts (user_id, title, body, status, published_at) VALUES (4, 'Update', NULL, 'draft', '0000-00-00 00:00:00')",
		"INSERT INTO posts (user_id, title, body, status, published_at) VALUES (5, 'Hello', 'Eve here', 'published', '2024-02-01 09:30:00')",

		"INSERT INTO comments (post_id, user_id, content) VALUES (1, 2, 'Nice post!')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (1, 3, 'Great read')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (2, 1, 'Thanks Bob')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (2, 4, 'Interesting')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (3, 5, 'I agree')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (3, 1, 'Me too')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (4, 2, 'Good update')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (4, 3, 'Thanks')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (5, 1, 'Welcome Eve')",
		"INSERT INTO comments (post_id, user_id, content) VALUES (5, 4, 'Hi Eve!')",
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed mysql %q: %v", stmt[:min(len(stmt), 60)], err)
		}
	}
}

func createReadOnlyMySQLUser(ctx context.Context, db *sql.DB, dbName, user, password string) error {
	stmts := []string{
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", user),
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s'", user, password),
		fmt.Sprintf("GRANT SELECT, SHOW VIEW ON %s.* TO '%s'@'%%'", mysqlQuote(dbName), user),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			var myErr *mysql.MySQLError
			if errors.As(err, &myErr) && myErr.Number == 1227 {
				return fmt.Errorf("missing CREATE USER privilege: %w", err)
			}
			return err
		}
	}
	return nil
}

func assertRowCount(t *testing.T, pool *pgxpool.Pool, schema, table string, want int) {
	t.Helper()
	var got int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", pgQualified(schema, table))
	if err := pool.QueryRow(context.Background(), q).Scan(&got); err != nil {
		t.Fatalf("count %s.%s: %v", schema, table, err)
	}
	if got != want {
		t.Errorf("%s.%s row count: got %d, want %d", schema, table, got, want)
	}
}

func assertPKExists(t *testing.T, pool *pgxpool.Pool, schema, table string) {
	t.Helper()
	var count int
	err := pool.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM pg_constraint c
		JOIN pg_namespace n ON n.oid = c.connamespace
		JOIN pg_class r ON r.oid = c.conrelid
		WHERE n.nspname = $1 AND r.relname = $2 AND c.contype = 'p'
	`, schema, table).Scan(&count)
	if err != nil {
		t.Fatalf("check PK on %s.%s: %v", schema, table, err)
	}
	if count == 0 {
		t.Errorf("no primary key found on %s.%s", schema, table)
	}
}

func assertColumnType(t *testing.T, pool *pgxpool.Pool, schema, table, column, wantType string) {
	t.Helper()
	var got string
	err := pool.QueryRow(context.Background(), `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
	`, schema, table, column).Scan(&got)
	if err != nil {
		t.Fatalf("check column type %s.%s.%s: %v", schema, table, column, err)
	}
	if got != wantType {
		t.Errorf("%s.%s.%s type: got %q, want %q", schema, table, column, got, wantType)
	}
}

func assertFKExists(t *testing.T, pool *pgxpool.Pool, schema, fromTable, toTable string) {
	t.Helper()
	var count int
	err := pool.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM pg_constraint c
		JOIN pg_namespace n ON n.oid = c.connamespace
		JOIN pg_class src ON src.oid = c.conrelid
		JOIN pg_class dst ON dst.oid = c.confrelid
		WHERE n.nspname = $1 AND src.relname = $2 AND dst.relname = $3 AND c.contype = 'f'
	`, schema, fromTable, toTable).Scan(&count)
	if err != nil {
		t.Fatalf("check FK %s.%s→%s: %v", schema, fromTable, toTable, err)
	}
	if count == 0 {
		t.Errorf("no foreign key from %s.%s → %s.%s", schema, fromTable, schema, toTable)
	}
}
