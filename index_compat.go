package main

import "fmt"

// indexUnsupportedReason reports source indexes the engine cannot recreate
// faithfully on the target.
func indexUnsupportedReason(idx Index) (string, bool) {
	if idx.HasExpression {
		return "expression key-parts are not recreated", true
	}
	if idx.HasPrefix {
		return "prefix index (SUB_PART) will cover the full column", true
	}
	if idx.Type != "" && idx.Type != "BTREE" {
		return fmt.Sprintf("index type %s is not recreated", idx.Type), true
	}
	if len(idx.Columns) == 0 {
		return "index has no plain column key-parts", true
	}
	return "", false
}

func collectIndexCompatibilityWarnings(tables []Table) []string {
	var warnings []string
	for _, t := range tables {
		for _, idx := range t.Indexes {
			if reason, unsupported := indexUnsupportedReason(idx); unsupported {
				warnings = append(warnings, fmt.Sprintf("index %s.%s: %s", t.Name, idx.Name, reason))
			}
		}
	}
	return warnings
}
