package schema

import "fmt"

// ChangeType categorizes schema changes.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeTypeChanged
	ChangeNullability
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeTypeChanged:
		return "type_changed"
	case ChangeNullability:
		return "nullability_changed"
	default:
		return "unknown"
	}
}

// Change is one difference between two descriptors.
type Change struct {
	Kind    ChangeType
	Column  string
	OldType ColumnType
	NewType ColumnType
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeTypeChanged:
		return fmt.Sprintf("%s %s: %s -> %s", c.Column, c.Kind, c.OldType, c.NewType)
	default:
		return fmt.Sprintf("%s %s", c.Column, c.Kind)
	}
}

// Diff contains the differences between two descriptors, in column order.
type Diff struct {
	Changes []Change
	// Additive is true when every change can be applied without rewriting
	// or dropping existing columns.
	Additive bool
}

// Breaking returns the changes that are not additive.
func (d *Diff) Breaking() []Change {
	var out []Change
	for _, c := range d.Changes {
		if c.Kind == ChangeRemoved || (c.Kind == ChangeTypeChanged && !Absorbs(c.OldType, c.NewType)) {
			out = append(out, c)
		}
	}
	return out
}

// Compare lists how next differs from prev. Removed columns are reported in
// prev's order after the changes found walking next.
func Compare(prev, next *Descriptor) *Diff {
	diff := &Diff{Additive: true}

	for _, nc := range next.Columns {
		pc, ok := prev.Lookup(nc.Name)
		switch {
		case !ok:
			diff.Changes = append(diff.Changes, Change{Kind: ChangeAdded, Column: nc.Name, NewType: nc.Type})
		case pc.Type != nc.Type:
			diff.Changes = append(diff.Changes, Change{Kind: ChangeTypeChanged, Column: nc.Name, OldType: pc.Type, NewType: nc.Type})
		case pc.Nullable != nc.Nullable:
			diff.Changes = append(diff.Changes, Change{Kind: ChangeNullability, Column: nc.Name, OldType: pc.Type, NewType: nc.Type})
		}
	}
	if prev != nil {
		for _, pc := range prev.Columns {
			if _, ok := next.Lookup(pc.Name); !ok {
				diff.Changes = append(diff.Changes, Change{Kind: ChangeRemoved, Column: pc.Name, OldType: pc.Type})
			}
		}
	}

	diff.Additive = len(diff.Breaking()) == 0
	return diff
}
