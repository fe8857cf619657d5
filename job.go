package main

import (
	"slices"
	"sort"
	"strings"
)

// buildJob assembles the immutable job description for one run. Every column
// of every kept table gets exactly one cast directive; unmapped columns are
// returned as warnings and still migrate as opaque data.
func buildJob(source, target ConnectionSpec, inventory []Table, opts JobOptions) (*JobDescription, []UnmappedTypeWarning, error) {
	if err := validateConnectionSpec(source, "mysql"); err != nil {
		return nil, nil, err
	}
	if err := validateConnectionSpec(target, "postgresql"); err != nil {
		return nil, nil, err
	}
	if t, ok := overlappingFilter(opts.IncludeTables, opts.ExcludeTables); ok {
		return nil, nil, configErrorf("options", "table %q is both included and excluded", t)
	}
	if opts.TargetSchema == "" {
		opts.TargetSchema = "public"
	}

	tables := filterTables(inventory, opts.IncludeTables, opts.ExcludeTables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	var casts []CastDirective
	var warnings []UnmappedTypeWarning
	for _, t := range tables {
		for _, col := range t.Columns {
			d := resolveCast(t.Name, col)
			casts = append(casts, d)
			if d.Unmapped {
				warnings = append(warnings, UnmappedTypeWarning{
					Table:      t.Name,
					Column:     col.Name,
					SourceType: col.SourceType.String(),
				})
			}
		}
	}

	opts.IncludeTables = sortedCopy(opts.IncludeTables)
	opts.ExcludeTables = sortedCopy(opts.ExcludeTables)
	opts.BeforeLoad = slices.Clone(opts.BeforeLoad)
	opts.AfterLoad = slices.Clone(opts.AfterLoad)

	return &JobDescription{
		Source:  source,
		Target:  target,
		Tables:  tables,
		Casts:   casts,
		Options: opts,
	}, warnings, nil
}

// filterTables returns deep copies of the inventory entries kept by the
// include/exclude filters. An empty include list keeps everything.
func filterTables(inventory []Table, include, exclude []string) []Table {
	inc := lowerSet(include)
	exc := lowerSet(exclude)

	var out []Table
	for _, t := range inventory {
		name := strings.ToLower(t.Name)
		if len(inc) > 0 && !inc[name] {
			continue
		}
		if exc[name] {
			continue
		}
		out = append(out, cloneTable(t))
	}
	return out
}

// unmatchedFilters lists filter entries that name no inventory table.
func unmatchedFilters(inventory []Table, include, exclude []string) []string {
	names := make(map[string]bool, len(inventory))
	for _, t := range inventory {
		names[strings.ToLower(t.Name)] = true
	}
	var out []string
	for _, f := range include {
		if !names[strings.ToLower(strings.TrimSpace(f))] {
			out = append(out, "include_tables entry "+f+" matches no source table")
		}
	}
	for _, f := range exclude {
		if !names[strings.ToLower(strings.TrimSpace(f))] {
			out = append(out, "exclude_tables entry "+f+" matches no source table")
		}
	}
	return out
}

func cloneTable(t Table) Table {
	c := t
	c.Columns = make([]ColumnSpec, len(t.Columns))
	for i, col := range t.Columns {
		col.SourceType.Values = slices.Clone(col.SourceType.Values)
		c.Columns[i] = col
	}
	if t.PrimaryKey != nil {
		pk := cloneIndex(*t.PrimaryKey)
		c.PrimaryKey = &pk
	}
	c.Indexes = nil
	for _, idx := range t.Indexes {
		c.Indexes = append(c.Indexes, cloneIndex(idx))
	}
	c.ForeignKeys = nil
	for _, fk := range t.ForeignKeys {
		fk.Columns = slices.Clone(fk.Columns)
		fk.RefColumns = slices.Clone(fk.RefColumns)
		c.ForeignKeys = append(c.ForeignKeys, fk)
	}
	return c
}

func cloneIndex(idx Index) Index {
	idx.Columns = slices.Clone(idx.Columns)
	return idx
}

func lowerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return set
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	sort.Strings(out)
	return out
}

// castFor returns the directive for table.column.
func (j *JobDescription) castFor(table, column string) (CastDirective, bool) {
	for _, c := range j.Casts {
		if c.Table == table && c.Column == column {
			return c, true
		}
	}
	return CastDirective{}, false
}

// TableNames returns the names of the tables the job migrates.
func (j *JobDescription) TableNames() []string {
	names := make([]string, len(j.Tables))
	for i, t := range j.Tables {
		names[i] = t.Name
	}
	return names
}
