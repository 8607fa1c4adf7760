// Package metrics computes per-slice morphometric measurements of the spinal
// cord: cross-sectional area, cord angle, shape descriptors and length.
package metrics

import (
	"errors"
	"fmt"
	"math"

	"cordmetrics/internal/models"
)

// ErrEmptySegmentation is returned when the segmentation holds no foreground
var ErrEmptySegmentation = errors.New("segmentation is empty")

// Status qualifies how a value was obtained
type Status int

const (
	// OK is a computed value, possibly zero
	OK Status = iota

	// Warning is a computed value of low confidence
	Warning

	// NotComputed marks a value that could not be computed, e.g. out of range
	NotComputed

	// Failed marks a computation that produced an invalid result
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Warning:
		return "warning"
	case NotComputed:
		return "not computed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Value is a metric value tagged with its status
type Value struct {
	V      float64
	Status Status
	Reason string
}

// Ok returns a computed value
func Ok(v float64) Value { return Value{V: v} }

// Warn returns a low-confidence value
func Warn(v float64, reason string) Value {
	return Value{V: v, Status: Warning, Reason: reason}
}

// Missing returns a value that was not computed
func Missing(reason string) Value {
	return Value{V: math.NaN(), Status: NotComputed, Reason: reason}
}

// Fail returns a failed value
func Fail(reason string) Value {
	return Value{V: math.NaN(), Status: Failed, Reason: reason}
}

// Usable reports whether the value may enter an aggregate
func (v Value) Usable() bool {
	return v.Status == OK || v.Status == Warning
}

// Reduction selects how a column is aggregated over slices
type Reduction int

const (
	// Mean reports the mean and standard deviation
	Mean Reduction = iota

	// Sum reports the total, used for per-slice length contributions
	Sum
)

// Column is a named dense per-slice metric
type Column struct {
	Name   string
	Values []Value
	Reduce Reduction
}

// Table holds dense per-slice columns; row i belongs to slice MinZ+i
type Table struct {
	MinZ    int
	Columns []Column
}

// NewTable allocates an empty table whose first row is slice minZ
func NewTable(minZ int) *Table {
	return &Table{MinZ: minZ}
}

// Len returns the number of slices covered by the table
func (t *Table) Len() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0].Values)
}

// Range returns the slices covered by the table
func (t *Table) Range() models.SliceRange {
	return models.SliceRange{Start: t.MinZ, End: t.MinZ + t.Len() - 1}
}

// Add appends a column; its length must match the existing columns
func (t *Table) Add(col Column) error {
	if len(t.Columns) > 0 && len(col.Values) != t.Len() {
		return fmt.Errorf("column %q has %d values, table has %d slices", col.Name, len(col.Values), t.Len())
	}
	t.Columns = append(t.Columns, col)
	return nil
}

// Column returns the column with the given name
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// At returns the value of column name at slice z
func (t *Table) At(name string, z int) (Value, bool) {
	col, ok := t.Column(name)
	if !ok || z < t.MinZ || z >= t.MinZ+t.Len() {
		return Value{}, false
	}
	return col.Values[z-t.MinZ], true
}

// Warnings lists the reasons of all non-OK values, one entry per slice and column
func (t *Table) Warnings() []string {
	var out []string
	for _, col := range t.Columns {
		for i, v := range col.Values {
			if v.Status != OK {
				out = append(out, fmt.Sprintf("slice %d %s: %s (%s)", t.MinZ+i, col.Name, v.Reason, v.Status))
			}
		}
	}
	return out
}
