package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cordmetrics/pkg/metrics"
)

// Fixed leading and trailing columns of the result file
const (
	HeaderTimestamp = "Timestamp"
	HeaderRunID     = "RunID"
	HeaderFilename  = "Filename"
	HeaderSlice     = "Slice (I->S)"
	HeaderLevel     = "VertLevel"
	HeaderWarning   = "Warning"
)

// TimestampFormat is the layout of the Timestamp column
const TimestampFormat = "2006-01-02 15:04:05"

// ErrHeaderMismatch is returned when appending to a file with other columns
var ErrHeaderMismatch = errors.New("result file has different columns")

// Run identifies the invocation that produced a block of rows
type Run struct {
	ID        string
	Timestamp time.Time
	Filename  string
}

// NewRun stamps a run with a fresh identifier
func NewRun(filename string) Run {
	return Run{ID: uuid.NewString(), Timestamp: time.Now(), Filename: filename}
}

// Header returns the CSV header for the columns of res
func Header(res *Result) []string {
	header := []string{HeaderTimestamp, HeaderRunID, HeaderFilename, HeaderSlice, HeaderLevel}
	for _, col := range res.Columns {
		if col.Reduce == metrics.Sum {
			header = append(header, "SUM("+col.Name+")")
			continue
		}
		header = append(header, "MEAN("+col.Name+")", "STD("+col.Name+")")
	}
	return append(header, HeaderWarning)
}

func records(res *Result, run Run) [][]string {
	out := make([][]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		rec := []string{run.Timestamp.Format(TimestampFormat), run.ID, run.Filename, row.SliceLabel(), row.Level}
		for i, col := range res.Columns {
			cell := Cell{}
			if i < len(row.Cells) {
				cell = row.Cells[i]
			}
			switch {
			case col.Reduce == metrics.Sum && cell.Computed():
				rec = append(rec, formatFloat(cell.Sum))
			case col.Reduce == metrics.Sum:
				rec = append(rec, "")
			case cell.Computed():
				rec = append(rec, formatFloat(cell.Mean), formatFloat(cell.Std))
			default:
				rec = append(rec, "", "")
			}
		}
		out = append(out, append(rec, row.Warning))
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// WriteCSV stores res as one block of rows sharing run's identifier. With
// overwrite the file is truncated; otherwise the block is appended and the
// header is only written when the file is new or empty.
func WriteCSV(path string, res *Result, run Run, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	header := Header(res)
	writeHeader := true
	if !overwrite {
		existing, err := readHeader(path)
		if err != nil {
			return err
		}
		if existing != nil {
			if !slices.Equal(existing, header) {
				return fmt.Errorf("failed to append to %s: %w", path, ErrHeaderMismatch)
			}
			writeHeader = false
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	if err := w.WriteAll(records(res, run)); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return f.Close()
}

// readHeader returns the header of an existing non-empty file, or nil
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result header: %w", err)
	}
	return header, nil
}

// Block is the set of rows written by one run
type Block struct {
	RunID string
	Rows  []map[string]string
}

// ReadBlocks parses a result file into its blocks, in file order
func ReadBlocks(path string) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read result header: %w", err)
	}

	colMap := make(map[string]int)
	for i, col := range header {
		colMap[col] = i
	}
	runIdx, ok := colMap[HeaderRunID]
	if !ok {
		return nil, fmt.Errorf("result file has no %s column", HeaderRunID)
	}

	var blocks []Block
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read result row: %w", err)
		}

		row := make(map[string]string, len(header))
		for name, i := range colMap {
			row[name] = rec[i]
		}
		id := rec[runIdx]
		if len(blocks) == 0 || blocks[len(blocks)-1].RunID != id {
			blocks = append(blocks, Block{RunID: id})
		}
		last := &blocks[len(blocks)-1]
		last.Rows = append(last.Rows, row)
	}
	return blocks, nil
}
