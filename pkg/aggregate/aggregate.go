// Package aggregate reduces per-slice metric tables to result rows, per
// slice, per vertebral level or over a whole selection, and stores them in
// the CSV result file.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/metrics"
	"cordmetrics/pkg/vertebral"
)

// ErrNoLevelMap is returned when levels are requested without a labeling
var ErrNoLevelMap = errors.New("vertebral levels requested without a vertebral labeling")

// Mode selects how slices are grouped into rows
type Mode int

const (
	// Single aggregates the whole selection into one row
	Single Mode = iota

	// PerSlice emits one row per selected slice
	PerSlice

	// PerLevel emits one row per vertebral level
	PerLevel
)

// Params controls the grouping of slices
type Params struct {
	Mode Mode

	// Slices restricts the selection, nil for every slice of the table
	Slices *models.SliceRange

	// Levels restricts the selection to vertebral levels; requires LevelMap
	Levels []int

	// LevelMap maps levels to slices; also labels per-slice rows
	LevelMap *vertebral.LevelMap
}

// Cell is one aggregated metric
type Cell struct {
	Mean, Std float64
	Sum       float64
	N         int
}

// Computed reports whether at least one slice contributed
func (c Cell) Computed() bool { return c.N > 0 }

// Row is one line of the result file
type Row struct {
	Slices  []int
	Level   string
	Cells   []Cell
	Warning string
}

// SliceLabel formats the slices of the row as "a:b", or "a" for one slice
func (r Row) SliceLabel() string {
	if len(r.Slices) == 0 {
		return ""
	}
	lo, hi := r.Slices[0], r.Slices[len(r.Slices)-1]
	if lo == hi {
		return strconv.Itoa(lo)
	}
	return fmt.Sprintf("%d:%d", lo, hi)
}

// ColumnSpec names an aggregated metric and its reduction
type ColumnSpec struct {
	Name   string
	Reduce metrics.Reduction
}

// Result holds the aggregated rows of one run
type Result struct {
	Columns []ColumnSpec
	Rows    []Row
}

type group struct {
	slices []int
	level  string
	note   string
}

// Aggregate groups the slices of t according to p and reduces every column.
// Only OK and Warning values contribute; the others are counted in the row
// warning.
func Aggregate(t *metrics.Table, p Params) (*Result, error) {
	res := &Result{}
	for _, col := range t.Columns {
		res.Columns = append(res.Columns, ColumnSpec{Name: col.Name, Reduce: col.Reduce})
	}

	groups, err := buildGroups(t, p)
	if err != nil {
		return nil, err
	}

	for _, g := range groups {
		row := Row{Slices: g.slices, Level: g.level}
		var warnings []string
		if g.note != "" {
			warnings = append(warnings, g.note)
		}
		for _, col := range t.Columns {
			cell, skipped := reduce(t, col, g.slices)
			row.Cells = append(row.Cells, cell)
			if skipped > 0 {
				warnings = append(warnings, fmt.Sprintf("%s: %d slice(s) skipped", col.Name, skipped))
			}
		}
		row.Warning = strings.Join(warnings, "; ")
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func buildGroups(t *metrics.Table, p Params) ([]group, error) {
	tableRange := t.Range()
	var note string

	type levelSlices struct {
		level  int
		slices []int
	}
	var selected []levelSlices

	if len(p.Levels) > 0 {
		if p.LevelMap == nil {
			return nil, ErrNoLevelMap
		}
		found, warning := vertebral.Resolve(p.LevelMap, p.Levels)
		note = warning
		for _, lr := range found {
			r := lr.Range
			if p.Slices != nil {
				var ok bool
				if r, ok = r.Intersect(*p.Slices); !ok {
					continue
				}
			}
			selected = append(selected, levelSlices{level: lr.Level, slices: sliceList(r)})
		}
	} else {
		r := tableRange
		if p.Slices != nil {
			r = *p.Slices
		}
		selected = append(selected, levelSlices{slices: sliceList(r)})
	}

	if p.Slices != nil && !overlaps(*p.Slices, tableRange) {
		note = joinNotes(note, fmt.Sprintf("slices %s outside the segmented range %s", p.Slices, tableRange))
	}

	var groups []group
	switch p.Mode {
	case PerLevel:
		if p.LevelMap == nil {
			return nil, ErrNoLevelMap
		}
		if len(p.Levels) == 0 {
			selected = selected[:0]
			for _, lr := range p.LevelMap.Levels {
				r := lr.Range
				if p.Slices != nil {
					var ok bool
					if r, ok = r.Intersect(*p.Slices); !ok {
						continue
					}
				}
				selected = append(selected, levelSlices{level: lr.Level, slices: sliceList(r)})
			}
		}
		for _, s := range selected {
			groups = append(groups, group{slices: s.slices, level: strconv.Itoa(s.level)})
		}
		if len(groups) > 0 {
			groups[0].note = note
		} else if note != "" {
			groups = append(groups, group{note: note})
		}
	case PerSlice:
		seen := make(map[int]bool)
		var all []int
		for _, s := range selected {
			for _, z := range s.slices {
				if !seen[z] {
					seen[z] = true
					all = append(all, z)
				}
			}
		}
		sort.Ints(all)
		for _, z := range all {
			if !tableRange.Contains(z) {
				continue
			}
			g := group{slices: []int{z}}
			if p.LevelMap != nil {
				if level, ok := p.LevelMap.LevelAt(z); ok {
					g.level = strconv.Itoa(level)
				}
			}
			groups = append(groups, g)
		}
		if len(groups) == 0 && note == "" && len(all) > 0 {
			note = fmt.Sprintf("selected slices outside the segmented range %s", tableRange)
		}
		if len(groups) > 0 {
			groups[0].note = note
		} else if note != "" {
			groups = append(groups, group{note: note})
		}
	default:
		g := group{note: note}
		var levels []int
		for _, s := range selected {
			g.slices = append(g.slices, s.slices...)
			if len(p.Levels) > 0 {
				levels = append(levels, s.level)
			}
		}
		sort.Ints(g.slices)
		g.level = formatLevels(levels)
		groups = append(groups, g)
	}
	return groups, nil
}

func reduce(t *metrics.Table, col metrics.Column, slices []int) (Cell, int) {
	var values []float64
	skipped := 0
	for _, z := range slices {
		v, ok := t.At(col.Name, z)
		if !ok {
			// Slices beyond the segmented range carry no cord.
			continue
		}
		if !v.Usable() {
			skipped++
			continue
		}
		values = append(values, v.V)
	}

	cell := Cell{N: len(values)}
	if len(values) == 0 {
		return cell, skipped
	}
	if col.Reduce == metrics.Sum {
		cell.Sum = floats.Sum(values)
		return cell, skipped
	}
	cell.Mean, cell.Std = stat.PopMeanStdDev(values, nil)
	return cell, skipped
}

func sliceList(r models.SliceRange) []int {
	out := make([]int, 0, r.Len())
	for z := r.Start; z <= r.End; z++ {
		out = append(out, z)
	}
	return out
}

func overlaps(a, b models.SliceRange) bool {
	_, ok := a.Intersect(b)
	return ok
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// formatLevels renders levels as "3", "2:4" when contiguous, else "2,4,7"
func formatLevels(levels []int) string {
	if len(levels) == 0 {
		return ""
	}
	sorted := append([]int(nil), levels...)
	sort.Ints(sorted)
	contiguous := true
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			contiguous = false
			break
		}
	}
	if len(sorted) == 1 {
		return strconv.Itoa(sorted[0])
	}
	if contiguous {
		return fmt.Sprintf("%d:%d", sorted[0], sorted[len(sorted)-1])
	}
	parts := make([]string, len(sorted))
	for i, v := range sorted {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// ParseSlices parses "a:b" or "a" into an inclusive slice range
func ParseSlices(s string) (*models.SliceRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	bounds := strings.Split(s, ":")
	if len(bounds) > 2 {
		return nil, fmt.Errorf("invalid slice range %q", s)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid slice range %q: %w", s, err)
	}
	hi := lo
	if len(bounds) == 2 {
		if hi, err = strconv.Atoi(strings.TrimSpace(bounds[1])); err != nil {
			return nil, fmt.Errorf("invalid slice range %q: %w", s, err)
		}
	}
	if lo < 0 || hi < lo {
		return nil, fmt.Errorf("invalid slice range %q", s)
	}
	return &models.SliceRange{Start: lo, End: hi}, nil
}
