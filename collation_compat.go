package main

import (
	"fmt"
	"sort"
	"strings"
)

// collectCollationWarnings summarizes the source charsets and collations and
// warns about case-insensitive collations. The engine creates text columns
// with the target's default collation, so comparisons and unique indexes on
// those columns become case-sensitive.
func collectCollationWarnings(tables []Table) []string {
	charsets := make(map[string]bool)
	collations := make(map[string]bool)
	// _ci collation → count of columns using it
	ciCounts := make(map[string]int)
	// _ci collation → "table.column" covered by a unique index or PK
	ciUniqueRefs := make(map[string][]string)

	for _, t := range tables {
		uniqueCols := make(map[string]bool)
		if t.PrimaryKey != nil {
			for _, c := range t.PrimaryKey.Columns {
				uniqueCols[c] = true
			}
		}
		for _, idx := range t.Indexes {
			if idx.Unique {
				for _, c := range idx.Columns {
					uniqueCols[c] = true
				}
			}
		}

		for _, col := range t.Columns {
			if col.Charset != "" {
				charsets[col.Charset] = true
			}
			if col.Collation == "" {
				continue
			}
			collations[col.Collation] = true
			if isCICollation(col.Collation) {
				ciCounts[col.Collation]++
				if uniqueCols[col.Name] {
					ciUniqueRefs[col.Collation] = append(ciUniqueRefs[col.Collation], t.Name+"."+col.Name)
				}
			}
		}
	}

	var warnings []string
	if len(charsets) > 0 {
		warnings = append(warnings, "source charsets found: "+strings.Join(sortedKeys(charsets), ", "))
	}
	if len(collations) > 0 {
		warnings = append(warnings, "source collations found: "+strings.Join(sortedKeys(collations), ", "))
	}
	for _, coll := range sortedKeys(ciCounts) {
		warnings = append(warnings, fmt.Sprintf(
			"%d column(s) use %s (case-insensitive); PostgreSQL text comparisons are case-sensitive by default",
			ciCounts[coll], coll))
	}
	for _, coll := range sortedKeys(ciUniqueRefs) {
		warnings = append(warnings, fmt.Sprintf(
			"unique index/PK on %s column(s), uniqueness may differ after migration: %s",
			coll, strings.Join(ciUniqueRefs[coll], ", ")))
	}
	return warnings
}

func isCICollation(collation string) bool {
	return strings.HasSuffix(strings.ToLower(collation), "_ci")
}

// sortedKeys returns the keys of a map in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
