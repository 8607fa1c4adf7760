package vertebral

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LevelName returns the anatomical name of vertebral level v: 1-7 are
// cervical, 8-19 thoracic, 20-24 lumbar and 25 onwards sacral.
func LevelName(v int) string {
	switch {
	case v >= 1 && v <= 7:
		return fmt.Sprintf("C%d", v)
	case v >= 8 && v <= 19:
		return fmt.Sprintf("T%d", v-7)
	case v >= 20 && v <= 24:
		return fmt.Sprintf("L%d", v-19)
	case v >= 25:
		return fmt.Sprintf("S%d", v-24)
	}
	return fmt.Sprintf("level %d", v)
}

// DiscName names the disc carrying label value v, which sits between
// vertebrae v-1 and v (label 3 is the C2/C3 disc).
func DiscName(v int) string {
	return LevelName(v-1) + "/" + LevelName(v)
}

// ParseLevels parses "3", "2:5" or "2,4,6" into a sorted list of levels
func ParseLevels(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	set := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		bounds := strings.Split(strings.TrimSpace(part), ":")
		if len(bounds) > 2 {
			return nil, fmt.Errorf("invalid vertebral levels %q", s)
		}
		lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid vertebral levels %q: %w", s, err)
		}
		hi := lo
		if len(bounds) == 2 {
			if hi, err = strconv.Atoi(strings.TrimSpace(bounds[1])); err != nil {
				return nil, fmt.Errorf("invalid vertebral levels %q: %w", s, err)
			}
		}
		if hi < lo {
			lo, hi = hi, lo
		}
		for v := lo; v <= hi; v++ {
			set[v] = true
		}
	}

	levels := make([]int, 0, len(set))
	for v := range set {
		levels = append(levels, v)
	}
	sort.Ints(levels)
	return levels, nil
}
