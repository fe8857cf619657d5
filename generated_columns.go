package main

import (
	"fmt"
	"strings"
)

// isGeneratedColumn matches VIRTUAL GENERATED and STORED GENERATED but not
// DEFAULT_GENERATED, which MySQL uses for expression defaults.
func isGeneratedColumn(col ColumnSpec) bool {
	extra := strings.ToUpper(col.Extra)
	return strings.Contains(extra, "VIRTUAL GENERATED") || strings.Contains(extra, "STORED GENERATED")
}

func collectGeneratedColumnWarnings(tables []Table) []string {
	var warnings []string
	for _, t := range tables {
		for _, col := range t.Columns {
			if !isGeneratedColumn(col) {
				continue
			}
			warnings = append(warnings, fmt.Sprintf(
				"generated column %s.%s (%s) will be copied as plain data; the expression is not recreated",
				t.Name, col.Name, strings.ToLower(col.Extra),
			))
		}
	}
	return warnings
}
