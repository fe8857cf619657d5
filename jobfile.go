package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// dockerHostAlias reaches the operator's machine from inside a container.
	dockerHostAlias = "host.docker.internal"
	// managedTargetPort is the port PostgreSQL listens on inside its container.
	managedTargetPort = 5432
	loadFileName      = "migration.load"
)

// engineSourceHost is the source address as seen from the engine container.
func (j *JobDescription) engineSourceHost() string {
	if j.Source.IsLoopback() {
		return dockerHostAlias
	}
	return j.Source.Host
}

// engineTargetAddr is the target address as seen from the engine container.
func (j *JobDescription) engineTargetAddr() (string, int) {
	if j.Target.IsLoopback() && j.Options.TargetContainer != "" {
		return j.Options.TargetContainer, managedTargetPort
	}
	return j.Target.Host, j.Target.Port
}

// Render produces the pgloader load file. Output depends only on the job, so
// two equal jobs render byte-identical files. With redact set, passwords are
// masked for logs and previews.
//
// The pinned pgloader grammar has no conditional predicates on precision and
// rejects options after a using clause, so every cast is rendered as
// "column t.c to <type> [options] [using <fn>]".
func (j *JobDescription) Render(redact bool) []byte {
	var b bytes.Buffer
	o := j.Options

	targetHost, targetPort := j.engineTargetAddr()
	b.WriteString("LOAD DATABASE\n")
	fmt.Fprintf(&b, "     FROM %s\n", mysqlEngineURI(j.Source, j.engineSourceHost(), redact))
	fmt.Fprintf(&b, "     INTO %s\n", postgresEngineURI(j.Target, targetHost, targetPort, redact))

	with := []string{"include drop", "create tables"}
	if o.CreateIndexes {
		with = append(with, "create indexes")
	} else {
		with = append(with, "create no indexes")
	}
	if o.ResetSequences {
		with = append(with, "reset sequences")
	} else {
		with = append(with, "reset no sequences")
	}
	if o.ForeignKeys {
		with = append(with, "foreign keys")
	} else {
		with = append(with, "no foreign keys")
	}
	if o.IdentifierCase == "snake_case" {
		with = append(with, "snake_case identifiers")
	} else {
		with = append(with, "downcase identifiers")
	}
	if o.Workers > 0 {
		with = append(with, fmt.Sprintf("workers = %d", o.Workers))
	}
	if o.Concurrency > 0 {
		with = append(with, fmt.Sprintf("concurrency = %d", o.Concurrency))
	}
	if o.BatchRows > 0 {
		with = append(with, fmt.Sprintf("batch rows = %d", o.BatchRows))
	}
	b.WriteString("\nWITH ")
	b.WriteString(strings.Join(with, ",\n     "))
	b.WriteString("\n")

	if len(j.Casts) > 0 {
		columns := j.columnIndex()
		clauses := make([]string, 0, len(j.Casts))
		for _, c := range j.Casts {
			clauses = append(clauses, castClause(c, columns[c.Table+"."+c.Column]))
		}
		b.WriteString("\nCAST ")
		b.WriteString(strings.Join(clauses, ",\n     "))
		b.WriteString("\n")
	}

	if len(o.IncludeTables) > 0 {
		fmt.Fprintf(&b, "\nINCLUDING ONLY TABLE NAMES MATCHING %s\n", quotedNameList(j.TableNames()))
	}
	if len(o.ExcludeTables) > 0 {
		fmt.Fprintf(&b, "\nEXCLUDING TABLE NAMES MATCHING %s\n", quotedNameList(o.ExcludeTables))
	}

	if o.TargetSchema != "" && o.TargetSchema != j.Source.Database {
		fmt.Fprintf(&b, "\nALTER SCHEMA %s RENAME TO %s\n", loadFileString(j.Source.Database), loadFileString(o.TargetSchema))
	}

	writeLoadBlock(&b, "BEFORE LOAD DO", o.BeforeLoad)
	writeLoadBlock(&b, "AFTER LOAD DO", o.AfterLoad)

	b.WriteString(";\n")
	return b.Bytes()
}

func (j *JobDescription) columnIndex() map[string]ColumnSpec {
	idx := make(map[string]ColumnSpec)
	for _, t := range j.Tables {
		for _, c := range t.Columns {
			idx[t.Name+"."+c.Name] = c
		}
	}
	return idx
}

// castClause renders one column cast. The using function, when present, is
// always the last element.
func castClause(d CastDirective, col ColumnSpec) string {
	target := d.TargetType
	parts := []string{
		"column " + loadFileIdent(d.Table) + "." + loadFileIdent(d.Column),
		"to " + target,
	}

	keepTypmod := (target == "varchar" || target == "numeric") && d.Transform == TransformDirect
	if keepTypmod {
		parts = append(parts, "keep typemod")
	} else {
		parts = append(parts, "drop typemod")
	}

	using := ""
	switch {
	case d.Transform == TransformZeroDateToNull:
		parts = append(parts, "drop default")
		if !col.Nullable {
			parts = append(parts, "drop not null")
		}
		using = "zero-dates-to-null"
	case d.SourceType.Kind == KindTinyInt:
		using = "tinyint-to-boolean"
	case d.SourceType.Kind == KindBit && d.SourceType.Width == 1:
		using = "bits-to-boolean"
	case d.SourceType.Kind == KindBit:
		using = "bits-to-hex-bitstring"
	}
	if using != "" {
		parts = append(parts, "using "+using)
	}
	return strings.Join(parts, " ")
}

// loadFileIdent quotes identifiers pgloader would otherwise misparse.
func loadFileIdent(name string) string {
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
		}
	}
	return name
}

func loadFileString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quotedNameList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = loadFileString(n)
	}
	return strings.Join(quoted, ", ")
}

func writeLoadBlock(b *bytes.Buffer, keyword string, stmts []string) {
	if len(stmts) == 0 {
		return
	}
	entries := make([]string, len(stmts))
	for i, s := range stmts {
		entries[i] = "$$ " + s + "; $$"
	}
	fmt.Fprintf(b, "\n%s\n     %s\n", keyword, strings.Join(entries, ",\n     "))
}

// writeLoadFile writes the unredacted load file into dir with owner-only
// permissions and returns its path.
func writeLoadFile(job *JobDescription, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create engine work dir: %w", err)
	}
	path := filepath.Join(dir, loadFileName)
	if err := os.WriteFile(path, job.Render(false), 0o600); err != nil {
		return "", fmt.Errorf("write load file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("chmod load file: %w", err)
	}
	return path, nil
}
