package main

import (
	"strings"
	"testing"
)

func TestCollectCollationWarnings_Empty(t *testing.T) {
	warnings := collectCollationWarnings(nil)
	if len(warnings) != 0 {
		t.Errorf("expected 0 warnings for no tables, got %d: %v", len(warnings), warnings)
	}
}

func TestCollectCollationWarnings_CIWarnings(t *testing.T) {
	tables := []Table{
		{
			Name: "users",
			Columns: []ColumnSpec{
				{Name: "name", Charset: "utf8mb4", Collation: "utf8mb4_general_ci"},
				{Name: "email", Charset: "utf8mb4", Collation: "utf8mb4_general_ci"},
				{Name: "id"},
			},
		},
	}

	warnings := collectCollationWarnings(tables)

	if len(warnings) != 3 {
		t.Fatalf("expected charset, collation and _ci warnings, got %v", warnings)
	}
	if warnings[0] != "source charsets found: utf8mb4" {
		t.Errorf("warnings[0] = %q", warnings[0])
	}
	if !strings.Contains(warnings[2], "2 column(s) use utf8mb4_general_ci (case-insensitive)") {
		t.Errorf("expected 2 columns in CI warning, got: %s", warnings[2])
	}
}

func TestCollectCollationWarnings_CIDeduplicated(t *testing.T) {
	tables := []Table{
		{Name: "t1", Columns: []ColumnSpec{{Name: "a", Charset: "utf8mb4", Collation: "utf8mb4_general_ci"}}},
		{Name: "t2", Columns: []ColumnSpec{{Name: "b", Charset: "utf8mb4", Collation: "utf8mb4_general_ci"}}},
	}

	ciCount := 0
	for _, w := range collectCollationWarnings(tables) {
		if strings.Contains(w, "case-insensitive") {
			ciCount++
		}
	}
	if ciCount != 1 {
		t.Errorf("expected 1 deduplicated CI warning, got %d", ciCount)
	}
}

func TestCollectCollationWarnings_BinNotFlagged(t *testing.T) {
	tables := []Table{
		{Name: "tokens", Columns: []ColumnSpec{{Name: "value", Charset: "utf8mb4", Collation: "utf8mb4_bin"}}},
	}
	for _, w := range collectCollationWarnings(tables) {
		if strings.Contains(w, "case-insensitive") {
			t.Errorf("unexpected CI warning for _bin collation: %s", w)
		}
	}
}

func TestCollectCollationWarnings_UniqueIndexCI(t *testing.T) {
	tables := []Table{
		{
			Name:    "users",
			Columns: []ColumnSpec{{Name: "email", Charset: "utf8mb4", Collation: "utf8mb4_unicode_ci"}},
			Indexes: []Index{{Name: "idx_email", Columns: []string{"email"}, Unique: true}},
		},
	}

	var found bool
	for _, w := range collectCollationWarnings(tables) {
		if strings.Contains(w, "unique index/PK") && strings.Contains(w, "users.email") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unique index CI warning")
	}
}

func TestCollectCollationWarnings_PKColumnCI(t *testing.T) {
	tables := []Table{
		{
			Name:       "tags",
			PrimaryKey: &Index{Name: "PRIMARY", Columns: []string{"slug"}, Unique: true, IsPrimary: true},
			Columns:    []ColumnSpec{{Name: "slug", Charset: "utf8mb4", Collation: "utf8mb4_general_ci"}},
		},
	}

	var found bool
	for _, w := range collectCollationWarnings(tables) {
		if strings.Contains(w, "unique index/PK") && strings.Contains(w, "tags.slug") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected PK CI warning")
	}
}

func TestIsCICollation(t *testing.T) {
	tests := []struct {
		collation string
		want      bool
	}{
		{"utf8mb4_general_ci", true},
		{"utf8mb4_unicode_ci", true},
		{"UTF8MB4_GENERAL_CI", true},
		{"utf8mb4_bin", false},
		{"latin1_swedish_ci", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.collation, func(t *testing.T) {
			if got := isCICollation(tt.collation); got != tt.want {
				t.Errorf("isCICollation(%q) = %v, want %v", tt.collation, got, tt.want)
			}
		})
	}
}
