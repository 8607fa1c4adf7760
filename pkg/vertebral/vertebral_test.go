package vertebral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/centerline"
)

func discVolume(discs map[int]int) *models.Volume {
	vol := models.NewVolume(10, 10, 60, models.VoxelSize{X: 1, Y: 1, Z: 1})
	for z, v := range discs {
		vol.Set(5, 5, z, float64(v))
	}
	return vol
}

func TestNames(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{1, "C1"}, {7, "C7"}, {8, "T1"}, {19, "T12"}, {20, "L1"}, {24, "L5"}, {25, "S1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelName(tt.level))
	}
	assert.Equal(t, "C2/C3", DiscName(3))
	assert.Equal(t, "C7/T1", DiscName(8))
}

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels("2:4")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, levels)

	levels, err = ParseLevels("5, 3,4:3")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, levels)

	levels, err = ParseLevels("")
	require.NoError(t, err)
	assert.Empty(t, levels)

	_, err = ParseLevels("C3")
	assert.Error(t, err)
	_, err = ParseLevels("1:2:3")
	assert.Error(t, err)
}

func TestLevelsFromDiscsInclusiveLower(t *testing.T) {
	discs := DiscsFromVolume(discVolume(map[int]int{50: 3, 40: 4, 30: 5}))
	require.Len(t, discs, 3)
	assert.Equal(t, 50.0, discs[0].Z)

	m, err := LevelsFromDiscs(discs)
	require.NoError(t, err)

	r, ok := m.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, models.SliceRange{Start: 40, End: 49}, r)

	r, ok = m.Lookup(4)
	require.True(t, ok)
	assert.Equal(t, models.SliceRange{Start: 30, End: 39}, r)

	// The boundary slice belongs to the level below the disc only.
	level, ok := m.LevelAt(40)
	require.True(t, ok)
	assert.Equal(t, 3, level)
	_, ok = m.LevelAt(50)
	assert.False(t, ok)
}

func TestLevelsFromDiscsErrors(t *testing.T) {
	_, err := LevelsFromDiscs([]Disc{{Z: 10, Value: 3}})
	assert.ErrorIs(t, err, ErrNoLevels)

	_, err = LevelsFromDiscs([]Disc{{Z: 50, Value: 4}, {Z: 40, Value: 3}})
	assert.ErrorContains(t, err, "overlap")
}

func TestDiscsFromVolumeAveragesLabels(t *testing.T) {
	vol := discVolume(nil)
	vol.Set(4, 5, 20, 6)
	vol.Set(6, 5, 22, 6)
	discs := DiscsFromVolume(vol)
	require.Len(t, discs, 1)
	assert.Equal(t, Disc{X: 5, Y: 5, Z: 21, Value: 6}, discs[0])
}

func TestResolveReportsMissingLevels(t *testing.T) {
	m, err := LevelsFromDiscs(DiscsFromVolume(discVolume(map[int]int{50: 3, 40: 4, 30: 5})))
	require.NoError(t, err)

	found, warning := Resolve(m, []int{3, 4})
	assert.Len(t, found, 2)
	assert.Empty(t, warning)

	found, warning = Resolve(m, []int{4, 9})
	require.Len(t, found, 1)
	assert.Equal(t, 4, found[0].Level)
	assert.Contains(t, warning, "9 (T2)")
	assert.Contains(t, warning, "available: 3,4")
}

func TestLevelsFromMap(t *testing.T) {
	vol := models.NewVolume(4, 4, 20, models.VoxelSize{X: 1, Y: 1, Z: 1})
	for z := 2; z < 18; z++ {
		level := 2
		if z < 10 {
			level = 3
		}
		vol.Set(1, 1, z, float64(level))
		vol.Set(2, 1, z, float64(level))
	}
	// A stray voxel of level 2 does not outvote level 3 on slice 5.
	vol.Set(3, 3, 5, 2)

	m, err := LevelsFromMap(vol)
	require.NoError(t, err)
	require.Len(t, m.Levels, 2)
	assert.Equal(t, LevelRange{Level: 2, Range: models.SliceRange{Start: 10, End: 17}}, m.Levels[0])
	assert.Equal(t, LevelRange{Level: 3, Range: models.SliceRange{Start: 2, End: 9}}, m.Levels[1])

	_, err = LevelsFromMap(models.NewVolume(2, 2, 2, models.VoxelSize{X: 1, Y: 1, Z: 1}))
	assert.ErrorIs(t, err, ErrNoLevels)
}

func TestLabelSegmentation(t *testing.T) {
	m, err := LevelsFromDiscs([]Disc{{Z: 50, Value: 3}, {Z: 40, Value: 4}, {Z: 30, Value: 5}})
	require.NoError(t, err)

	seg := models.NewVolume(3, 3, 60, models.VoxelSize{X: 1, Y: 1, Z: 1})
	for z := 25; z < 55; z++ {
		seg.Set(1, 1, z, 1)
	}
	labeled := LabelSegmentation(seg, m)
	assert.Equal(t, 3.0, labeled.At(1, 1, 45))
	assert.Equal(t, 4.0, labeled.At(1, 1, 30))
	assert.Equal(t, 0.0, labeled.At(1, 1, 52))
	assert.Equal(t, 0.0, labeled.At(1, 1, 27))
	assert.Equal(t, 0.0, labeled.At(0, 0, 45))
}

func TestProjectOntoCenterline(t *testing.T) {
	// Oblique cord: x advances 2 voxels per slice.
	n := 30
	x, y, z := make([]float64, n), make([]float64, n), make([]float64, n)
	dx, dy, dz := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		x[i], y[i], z[i] = float64(2*i), 5, float64(i)
		dx[i], dz[i] = 2, 1
	}
	c, err := centerline.New(x, y, z, dx, dy, dz, nil, false)
	require.NoError(t, err)

	// A disc beside the cord on slice 10 is nearest to the cord point on slice 14.
	discs := []Disc{{X: 30, Y: 5, Z: 10, Value: 4}, {X: 2, Y: 5, Z: 1, Value: 5}}
	projected := ProjectOntoCenterline(discs, c, models.VoxelSize{X: 1, Y: 1, Z: 1})
	require.Len(t, projected, 2)
	assert.Equal(t, 4, projected[0].Value)
	assert.Equal(t, 14.0, projected[0].Z)
	assert.Equal(t, 28.0, projected[0].X)
	assert.Equal(t, 1.0, projected[1].Z)

	assert.Equal(t, discs, ProjectOntoCenterline(discs, nil, models.VoxelSize{}))
}

func TestProjectKeepsDiscsBeyondTheCord(t *testing.T) {
	// Straight cord on slices 5..34, labeling reaching well above it.
	n := 30
	x, y, z := make([]float64, n), make([]float64, n), make([]float64, n)
	dx, dy, dz := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		x[i], y[i], z[i] = 15, 15, float64(5+i)
		dz[i] = 1
	}
	c, err := centerline.New(x, y, z, dx, dy, dz, nil, false)
	require.NoError(t, err)

	discs := []Disc{
		{X: 15, Y: 15, Z: 55, Value: 2},
		{X: 15, Y: 15, Z: 45, Value: 3},
		{X: 16, Y: 15, Z: 30, Value: 4},
		{X: 15, Y: 14, Z: 20, Value: 5},
	}
	projected := ProjectOntoCenterline(discs, c, models.VoxelSize{X: 1, Y: 1, Z: 1})
	require.Len(t, projected, 4)
	zs := []float64{projected[0].Z, projected[1].Z, projected[2].Z, projected[3].Z}
	assert.Equal(t, []float64{55, 45, 30, 20}, zs)
	assert.Equal(t, 15.0, projected[2].X)

	m, err := LevelsFromDiscs(projected)
	require.NoError(t, err)
	r, ok := m.Lookup(4)
	require.True(t, ok)
	assert.Equal(t, models.SliceRange{Start: 20, End: 29}, r)

	found, warning := Resolve(m, []int{4})
	require.Len(t, found, 1)
	assert.Empty(t, warning)
}
