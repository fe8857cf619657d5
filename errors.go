package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Exit codes returned by the CLI.
const (
	exitOK           = 0
	exitFailed       = 1
	exitConfig       = 2
	exitConnectivity = 3
	exitEngine       = 4
	exitCancelled    = 130
)

var (
	// ErrValidationFailed is returned after a completed report when at least
	// one table has a fail-level finding.
	ErrValidationFailed = errors.New("validation failed")
	ErrCancelled        = errors.New("migration cancelled by operator")
)

// ConfigError reports a bad, missing or placeholder configuration value.
// It is always raised before any connection attempt.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConnectivityError reports an unreachable source or target database.
type ConnectivityError struct {
	Role     Role
	Endpoint string
	Err      error
	Hint     string
}

func (e *ConnectivityError) Error() string {
	msg := fmt.Sprintf("%s unreachable at %s: %v", e.Role, e.Endpoint, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func newConnectivityError(spec ConnectionSpec, err error) *ConnectivityError {
	return &ConnectivityError{
		Role:     spec.Role,
		Endpoint: spec.Endpoint(),
		Err:      err,
		Hint:     connectivityHint(err),
	}
}

// connectivityHint maps well-known driver errors to an operator hint.
func connectivityHint(err error) string {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1045:
			return "access denied: check mysql.user and mysql.password"
		case 1049:
			return "unknown database: check mysql.database"
		case 2003, 2005:
			return "server not reachable: check mysql.host and mysql.port"
		case 2006, 2013:
			return "connection lost: check server timeouts and network"
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000":
			return "authentication failed: check postgresql.user and postgresql.password"
		case "3D000":
			return "database does not exist: check postgresql.database"
		}
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "connection refused"):
			return "connection refused: is the server running and listening on that port?"
		case strings.Contains(msg, "no such host"):
			return "host name does not resolve"
		case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "deadline exceeded"):
			return "probe timed out: check firewall rules or raise runtime.probe_timeout"
		}
	}
	return ""
}

// UnmappedTypeWarning names a column whose source type has no mapping rule.
// The column still migrates as opaque data.
type UnmappedTypeWarning struct {
	Table      string
	Column     string
	SourceType string
}

func (w UnmappedTypeWarning) String() string {
	return fmt.Sprintf("unmapped type %s for %s.%s: migrating as opaque data", w.SourceType, w.Table, w.Column)
}

// ColumnMaxOverflowError reports a source column whose MAX is beyond what a
// PostgreSQL bigint sequence can hold.
type ColumnMaxOverflowError struct {
	Table  string
	Column string
	Max    uint64
}

func (e *ColumnMaxOverflowError) Error() string {
	return fmt.Sprintf("max of %s.%s is %d, beyond the bigint range", e.Table, e.Column, e.Max)
}

// EngineExecutionError reports a nonzero pgloader exit. The partial target is
// left in place for inspection.
type EngineExecutionError struct {
	ExitCode int
	LogPath  string
	Hint     string
}

func (e *EngineExecutionError) Error() string {
	msg := fmt.Sprintf("pgloader exited with code %d", e.ExitCode)
	if e.LogPath != "" {
		msg += "; log saved to " + e.LogPath
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// engineFailureHint inspects the engine transcript for common failure causes.
func engineFailureHint(transcript string) string {
	lower := strings.ToLower(transcript)
	switch {
	case strings.Contains(transcript, "Access denied") || strings.Contains(lower, "authentication"):
		return "authentication failed inside the engine container; make sure the user may connect from the docker network"
	case strings.Contains(lower, "could not connect") || strings.Contains(lower, "connection refused"):
		return "engine cannot reach the database; check bind-address and firewall rules for the docker bridge"
	case strings.Contains(transcript, "No such file"):
		return "load file not mounted; check engine.work_dir"
	}
	return ""
}

// exitCode maps an orchestration error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cfgErr *ConfigError
	var connErr *ConnectivityError
	var engErr *EngineExecutionError
	switch {
	case errors.Is(err, ErrCancelled):
		return exitCancelled
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &connErr):
		return exitConnectivity
	case errors.As(err, &engErr):
		return exitEngine
	default:
		return exitFailed
	}
}
