// Package vertebral maps vertebral levels to axial slice ranges using disc
// labels or a vertebral level volume.
package vertebral

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"cordmetrics/internal/models"
)

// ErrNoLevels is returned when no level can be derived from the labels
var ErrNoLevels = errors.New("no vertebral level could be derived from the labels")

// Disc is an intervertebral disc landmark. Value is the label value, see
// DiscName for the anatomical convention.
type Disc struct {
	X, Y, Z float64
	Value   int
}

// LevelRange is the slice range covered by one vertebral level
type LevelRange struct {
	Level int
	Range models.SliceRange
}

// LevelMap holds the non-overlapping slice ranges of each level, sorted by
// level.
type LevelMap struct {
	Levels []LevelRange
}

// Lookup returns the range of level v
func (m *LevelMap) Lookup(v int) (models.SliceRange, bool) {
	for _, l := range m.Levels {
		if l.Level == v {
			return l.Range, true
		}
	}
	return models.SliceRange{}, false
}

// LevelAt returns the level covering slice z
func (m *LevelMap) LevelAt(z int) (int, bool) {
	for _, l := range m.Levels {
		if l.Range.Contains(z) {
			return l.Level, true
		}
	}
	return 0, false
}

// DiscsFromVolume reads disc landmarks from the non-zero voxels of a label
// volume in RPI orientation. Voxels sharing a label value are averaged into
// one disc. The result is sorted by decreasing z.
func DiscsFromVolume(labels *models.Volume) []Disc {
	type acc struct{ x, y, z, n float64 }
	byValue := make(map[int]*acc)
	for _, c := range labels.NonZeroCoordinates("") {
		v := int(math.Round(c.Value))
		a, ok := byValue[v]
		if !ok {
			a = &acc{}
			byValue[v] = a
		}
		a.x += float64(c.X)
		a.y += float64(c.Y)
		a.z += float64(c.Z)
		a.n++
	}

	discs := make([]Disc, 0, len(byValue))
	for v, a := range byValue {
		discs = append(discs, Disc{X: a.x / a.n, Y: a.y / a.n, Z: a.z / a.n, Value: v})
	}
	sortDiscs(discs)
	return discs
}

func sortDiscs(discs []Disc) {
	sort.Slice(discs, func(i, j int) bool {
		if discs[i].Z != discs[j].Z {
			return discs[i].Z > discs[j].Z
		}
		return discs[i].Value < discs[j].Value
	})
}

// LevelsFromDiscs derives level ranges from discs. Level v spans the slices
// between disc v and the next disc below it, including the lower disc's
// slice and excluding the upper one's: z_inf <= z < z_sup.
func LevelsFromDiscs(discs []Disc) (*LevelMap, error) {
	sorted := append([]Disc(nil), discs...)
	sortDiscs(sorted)

	m := &LevelMap{}
	for i := 0; i+1 < len(sorted); i++ {
		sup, inf := sorted[i], sorted[i+1]
		if inf.Value <= sup.Value {
			return nil, fmt.Errorf("disc %s at z=%.1f lies below disc %s at z=%.1f: labels overlap",
				DiscName(sup.Value), sup.Z, DiscName(inf.Value), inf.Z)
		}
		start, end := int(math.Round(inf.Z)), int(math.Round(sup.Z))-1
		if end < start {
			return nil, fmt.Errorf("discs %s and %s fall on the same slice", DiscName(sup.Value), DiscName(inf.Value))
		}
		m.Levels = append(m.Levels, LevelRange{Level: sup.Value, Range: models.SliceRange{Start: start, End: end}})
	}
	if len(m.Levels) == 0 {
		return nil, ErrNoLevels
	}
	sort.Slice(m.Levels, func(i, j int) bool { return m.Levels[i].Level < m.Levels[j].Level })
	return m, nil
}

// LevelsFromMap derives level ranges from a volume whose voxels carry their
// vertebral level. Each slice is assigned the level holding most of its
// voxels, then each level spans its assigned slices.
func LevelsFromMap(levels *models.Volume) (*LevelMap, error) {
	ranges := make(map[int]*models.SliceRange)
	for z := 0; z < levels.Nz; z++ {
		counts := make(map[int]int)
		for y := 0; y < levels.Ny; y++ {
			for x := 0; x < levels.Nx; x++ {
				if v := int(math.Round(levels.At(x, y, z))); v > 0 {
					counts[v]++
				}
			}
		}
		best, bestCount := 0, 0
		for v, n := range counts {
			if n > bestCount || (n == bestCount && v < best) {
				best, bestCount = v, n
			}
		}
		if best == 0 {
			continue
		}
		if r, ok := ranges[best]; ok {
			r.End = z
		} else {
			ranges[best] = &models.SliceRange{Start: z, End: z}
		}
	}

	m := &LevelMap{}
	for v, r := range ranges {
		m.Levels = append(m.Levels, LevelRange{Level: v, Range: *r})
	}
	if len(m.Levels) == 0 {
		return nil, ErrNoLevels
	}
	sort.Slice(m.Levels, func(i, j int) bool { return m.Levels[i].Level < m.Levels[j].Level })
	for i := 1; i < len(m.Levels); i++ {
		if _, overlap := m.Levels[i].Range.Intersect(m.Levels[i-1].Range); overlap {
			return nil, fmt.Errorf("levels %d and %d overlap", m.Levels[i-1].Level, m.Levels[i].Level)
		}
	}
	return m, nil
}

// Resolve returns the ranges of the requested levels found in m, in the
// requested order, and a warning naming the levels m does not cover. The
// warning is empty when every level was found.
func Resolve(m *LevelMap, requested []int) ([]LevelRange, string) {
	var found []LevelRange
	var missing []string
	for _, v := range requested {
		if r, ok := m.Lookup(v); ok {
			found = append(found, LevelRange{Level: v, Range: r})
		} else {
			missing = append(missing, fmt.Sprintf("%d (%s)", v, LevelName(v)))
		}
	}
	if len(missing) == 0 {
		return found, ""
	}

	available := make([]string, len(m.Levels))
	for i, l := range m.Levels {
		available[i] = fmt.Sprint(l.Level)
	}
	return found, fmt.Sprintf("vertebral level(s) %s not covered by the labeling (available: %s)",
		strings.Join(missing, ", "), strings.Join(available, ","))
}

// LabelSegmentation returns a copy of seg where each foreground voxel holds
// the level of its slice; voxels outside every level are cleared.
func LabelSegmentation(seg *models.Volume, m *LevelMap) *models.Volume {
	out := seg.ZeroLike()
	for z := 0; z < seg.Nz; z++ {
		level, ok := m.LevelAt(z)
		if !ok {
			continue
		}
		for y := 0; y < seg.Ny; y++ {
			for x := 0; x < seg.Nx; x++ {
				if seg.At(x, y, z) > 0 {
					out.Set(x, y, z, float64(level))
				}
			}
		}
	}
	return out
}
