package ddl

import (
	"fmt"
	"strings"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/schema"
)

// Plan is the outcome of Synthesize.
type Plan struct {
	Table      string
	Statements []string
	// Effective is the schema rows are loaded with: the batch's columns in
	// batch order, typed as the target table will store them.
	Effective *schema.Descriptor
	// Create is set when the target table did not exist.
	Create bool
	Diff   *schema.Diff
}

// Synthesize returns the statements that bring table up to desc. existing
// is the table's current schema, or nil when the table does not exist.
// The result is a pure function of its arguments.
//
// Only additive changes are planned. A column missing from desc, or one
// whose existing type cannot hold the new values, is a SchemaConflict.
func Synthesize(d Dialect, table string, desc, existing *schema.Descriptor, mergeKey []string) (*Plan, error) {
	if desc == nil || len(desc.Columns) == 0 {
		return nil, lferrors.SchemaConflict(table, "no columns to load")
	}
	if err := checkMergeKey(table, desc, mergeKey); err != nil {
		return nil, err
	}

	plan := &Plan{Table: table}
	if existing == nil || len(existing.Columns) == 0 {
		plan.Create = true
		plan.Effective = desc
		plan.Statements = []string{createTable(d, table, desc, mergeKey)}
		return plan, nil
	}

	plan.Diff = schema.Compare(existing, desc)
	for _, c := range plan.Diff.Breaking() {
		switch c.Kind {
		case schema.ChangeRemoved:
			return nil, lferrors.SchemaConflict(table, "column %q exists in the table but not in the batch; dropping columns is not supported", c.Column)
		default:
			return nil, lferrors.SchemaConflict(table, "column %q is %s in the table and cannot hold %s values", c.Column, c.OldType, c.NewType)
		}
	}

	eff := &schema.Descriptor{SampledRows: desc.SampledRows, Columns: make([]schema.Column, len(desc.Columns))}
	for i, c := range desc.Columns {
		if prev, ok := existing.Lookup(c.Name); ok {
			c.Type = prev.Type
		} else {
			plan.Statements = append(plan.Statements, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				d.Quote(table), d.Quote(c.Name), d.NativeType(c.Type)))
		}
		eff.Columns[i] = c
	}
	plan.Effective = eff
	return plan, nil
}

func checkMergeKey(table string, desc *schema.Descriptor, mergeKey []string) error {
	if len(mergeKey) == 0 {
		return lferrors.SchemaConflict(table, "merge key is empty")
	}
	for _, k := range mergeKey {
		c, ok := desc.Lookup(k)
		if !ok {
			return lferrors.SchemaConflict(table, "merge key column %q is not in the batch", k)
		}
		if c.Type == schema.TypeJSON {
			return lferrors.SchemaConflict(table, "merge key column %q holds json", k)
		}
	}
	return nil
}

func createTable(d Dialect, table string, desc *schema.Descriptor, mergeKey []string) string {
	keys := make(map[string]bool, len(mergeKey))
	for _, k := range mergeKey {
		keys[k] = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", d.Quote(table))
	for i, c := range desc.Columns {
		fmt.Fprintf(&sb, "    %s %s", d.Quote(c.Name), d.NativeType(c.Type))
		if keys[c.Name] {
			sb.WriteString(" NOT NULL")
		}
		if i < len(desc.Columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(")")
	return sb.String()
}

// StagingColumns renders the column list of a staging table. Staging tables
// are all-nullable; key checks happen before rows reach them.
func StagingColumns(d Dialect, desc *schema.Descriptor) string {
	cols := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		cols[i] = d.Quote(c.Name) + " " + d.NativeType(c.Type)
	}
	return strings.Join(cols, ", ")
}
