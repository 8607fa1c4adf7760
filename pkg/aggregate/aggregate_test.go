package aggregate

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/metrics"
	"cordmetrics/pkg/vertebral"
)

// csaTable covers slices 30..59 with CSA = z and a length contribution of 1
// per slice. Slice 45 failed.
func csaTable(t *testing.T) *metrics.Table {
	t.Helper()
	tab := metrics.NewTable(30)
	csa := make([]metrics.Value, 30)
	length := make([]metrics.Value, 30)
	for i := range csa {
		csa[i] = metrics.Ok(float64(30 + i))
		length[i] = metrics.Ok(1)
	}
	csa[15] = metrics.Fail("angle above 90 degrees")
	require.NoError(t, tab.Add(metrics.Column{Name: metrics.ColumnCSA, Values: csa}))
	require.NoError(t, tab.Add(metrics.Column{Name: metrics.ColumnLength, Values: length, Reduce: metrics.Sum}))
	return tab
}

func levelMap(t *testing.T) *vertebral.LevelMap {
	t.Helper()
	m, err := vertebral.LevelsFromDiscs([]vertebral.Disc{{Z: 50, Value: 3}, {Z: 40, Value: 4}, {Z: 30, Value: 5}})
	require.NoError(t, err)
	return m
}

func TestAggregateWholeRange(t *testing.T) {
	res, err := Aggregate(csaTable(t), Params{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	row := res.Rows[0]
	assert.Equal(t, "30:59", row.SliceLabel())
	assert.Equal(t, 29, row.Cells[0].N)
	assert.InDelta(t, (float64(30+59)*30/2-45)/29, row.Cells[0].Mean, 1e-9)
	assert.Equal(t, 30.0, row.Cells[1].Sum)
	assert.Contains(t, row.Warning, "1 slice(s) skipped")
}

func TestAggregateSliceSelection(t *testing.T) {
	sel := &models.SliceRange{Start: 32, End: 34}
	res, err := Aggregate(csaTable(t), Params{Slices: sel})
	require.NoError(t, err)
	row := res.Rows[0]
	assert.Equal(t, "32:34", row.SliceLabel())
	assert.InDelta(t, 33, row.Cells[0].Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3), row.Cells[0].Std, 1e-12)
	assert.Empty(t, row.Warning)
}

func TestAggregatePerSlice(t *testing.T) {
	sel := &models.SliceRange{Start: 38, End: 41}
	res, err := Aggregate(csaTable(t), Params{Mode: PerSlice, Slices: sel, LevelMap: levelMap(t)})
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)
	assert.Equal(t, "38", res.Rows[0].SliceLabel())
	assert.Equal(t, "4", res.Rows[0].Level)
	assert.Equal(t, "3", res.Rows[2].Level)
	assert.Equal(t, 40.0, res.Rows[2].Cells[0].Mean)
	assert.Equal(t, 0.0, res.Rows[2].Cells[0].Std)
}

func TestAggregatePerLevel(t *testing.T) {
	res, err := Aggregate(csaTable(t), Params{Mode: PerLevel, Levels: []int{3, 4}, LevelMap: levelMap(t)})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	level3 := res.Rows[0]
	assert.Equal(t, "3", level3.Level)
	assert.Equal(t, "40:49", level3.SliceLabel())
	assert.Equal(t, 9, level3.Cells[0].N)
	assert.Equal(t, 10.0, level3.Cells[1].Sum)

	level4 := res.Rows[1]
	assert.Equal(t, "30:39", level4.SliceLabel())
	assert.InDelta(t, 34.5, level4.Cells[0].Mean, 1e-12)
}

func TestAggregateLevelsUnion(t *testing.T) {
	res, err := Aggregate(csaTable(t), Params{Levels: []int{3, 4, 12}, LevelMap: levelMap(t)})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, "3:4", row.Level)
	assert.Equal(t, "30:49", row.SliceLabel())
	assert.Contains(t, row.Warning, "12 (T5)")
}

func TestAggregateErrorsAndOutOfRange(t *testing.T) {
	_, err := Aggregate(csaTable(t), Params{Levels: []int{3}})
	assert.ErrorIs(t, err, ErrNoLevelMap)
	_, err = Aggregate(csaTable(t), Params{Mode: PerLevel})
	assert.ErrorIs(t, err, ErrNoLevelMap)

	res, err := Aggregate(csaTable(t), Params{Slices: &models.SliceRange{Start: 80, End: 90}})
	require.NoError(t, err)
	row := res.Rows[0]
	assert.False(t, row.Cells[0].Computed())
	assert.Contains(t, row.Warning, "outside the segmented range 30:59")
}

func TestAggregatePerSliceClampsToTable(t *testing.T) {
	res, err := Aggregate(csaTable(t), Params{Mode: PerSlice, Slices: &models.SliceRange{Start: 1000, End: 2000}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Empty(t, res.Rows[0].Slices)
	assert.Contains(t, res.Rows[0].Warning, "slices 1000:2000 outside the segmented range 30:59")

	res, err = Aggregate(csaTable(t), Params{Mode: PerSlice, Slices: &models.SliceRange{Start: 57, End: 70}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "57", res.Rows[0].SliceLabel())
	assert.Equal(t, "59", res.Rows[2].SliceLabel())
	assert.Empty(t, res.Rows[0].Warning)
}

func TestParseSlices(t *testing.T) {
	r, err := ParseSlices("5:10")
	require.NoError(t, err)
	assert.Equal(t, &models.SliceRange{Start: 5, End: 10}, r)

	r, err = ParseSlices("7")
	require.NoError(t, err)
	assert.Equal(t, &models.SliceRange{Start: 7, End: 7}, r)

	r, err = ParseSlices("")
	require.NoError(t, err)
	assert.Nil(t, r)

	for _, bad := range []string{"10:5", "a:b", "1:2:3", "-1"} {
		_, err := ParseSlices(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteCSVAppendAndOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "csa.csv")
	res, err := Aggregate(csaTable(t), Params{Slices: &models.SliceRange{Start: 32, End: 34}})
	require.NoError(t, err)

	when := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := Run{ID: "run-1", Timestamp: when, Filename: "seg.nii.gz"}
	second := Run{ID: "run-2", Timestamp: when, Filename: "seg.nii.gz"}

	require.NoError(t, WriteCSV(path, res, first, false))
	require.NoError(t, WriteCSV(path, res, second, false))

	blocks, err := ReadBlocks(path)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "run-1", blocks[0].RunID)
	assert.Equal(t, "run-2", blocks[1].RunID)

	row := blocks[0].Rows[0]
	assert.Equal(t, "2026-03-01 10:00:00", row[HeaderTimestamp])
	assert.Equal(t, "32:34", row[HeaderSlice])
	assert.Equal(t, "33.000000", row["MEAN(CSA [mm^2])"])
	assert.Equal(t, "3.000000", row["SUM(Length [mm])"])

	require.NoError(t, WriteCSV(path, res, Run{ID: "run-3", Timestamp: when}, true))
	blocks, err = ReadBlocks(path)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "run-3", blocks[0].RunID)
}

func TestWriteCSVRejectsDifferentColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "csa.csv")
	require.NoError(t, os.WriteFile(path, []byte("Timestamp,RunID,Other\n"), 0644))

	res := &Result{Columns: []ColumnSpec{{Name: metrics.ColumnCSA}}}
	err := WriteCSV(path, res, NewRun("seg.nii"), false)
	assert.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestNewRunHasUniqueIDs(t *testing.T) {
	a, b := NewRun("x"), NewRun("x")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
}
