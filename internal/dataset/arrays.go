// Package dataset loads the raw inputs of a run and aligns samples, labels and
// probe columns into a training-ready matrix.
package dataset

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/pathutil"
	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

// LoadDenseArray reads an Arrow IPC file whose columns are the matrix columns.
// Float64 and float32 columns are accepted; nulls become NaN. Record batches
// are stacked in file order.
func LoadDenseArray(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dense array %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("reading arrow file %s: %w", pathutil.RedactPath(path), err)
	}
	defer r.Close()

	cols := r.Schema().NumFields()
	if cols == 0 {
		return nil, fmt.Errorf("dense array %s has no columns", pathutil.RedactPath(path))
	}

	var data []float64
	rows := 0
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("reading record batch %d: %w", i, err)
		}
		n := int(rec.NumRows())
		batch := make([]float64, n*cols)
		for j := 0; j < cols; j++ {
			if err := copyColumn(rec.Column(j), batch, j, cols); err != nil {
				return nil, fmt.Errorf("column %q: %w", rec.Schema().Field(j).Name, err)
			}
		}
		data = append(data, batch...)
		rows += n
	}
	if rows == 0 {
		return nil, fmt.Errorf("dense array %s has no rows", pathutil.RedactPath(path))
	}

	return mat.NewDense(rows, cols, data), nil
}

// copyColumn writes column values into a row-major buffer at column j.
func copyColumn(col arrow.Array, dst []float64, j, stride int) error {
	switch c := col.(type) {
	case *array.Float64:
		for i := 0; i < c.Len(); i++ {
			v := math.NaN()
			if c.IsValid(i) {
				v = c.Value(i)
			}
			dst[i*stride+j] = v
		}
	case *array.Float32:
		for i := 0; i < c.Len(); i++ {
			v := math.NaN()
			if c.IsValid(i) {
				v = float64(c.Value(i))
			}
			dst[i*stride+j] = v
		}
	default:
		return fmt.Errorf("unsupported column type %s", col.DataType())
	}
	return nil
}

// WriteDenseArray writes m as an Arrow IPC file with one float64 column per
// matrix column. names may be nil, in which case columns are named c0, c1, ...
func WriteDenseArray(path string, m *mat.Dense, names []string) error {
	rows, cols := m.Dims()
	if names != nil && len(names) != cols {
		return fmt.Errorf("got %d column names for %d columns", len(names), cols)
	}

	fields := make([]arrow.Field, cols)
	for j := range fields {
		name := fmt.Sprintf("c%d", j)
		if names != nil {
			name = names[j]
		}
		fields[j] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, m)
		b.Field(j).(*array.Float64Builder).AppendValues(col, nil)
	}
	rec := b.NewRecord()
	defer rec.Release()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dense array file: %w", err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("creating arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing arrow writer: %w", err)
	}
	return f.Close()
}

// LoadStringArray reads an identifier array. Files with an .arrow, .feather
// or .ipc extension are read as Arrow IPC (first column, utf8); anything else
// is newline-delimited text with surrounding whitespace trimmed and blank
// lines skipped.
func LoadStringArray(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".arrow", ".feather", ".ipc":
		return loadArrowStrings(path)
	}
	return loadLines(path)
}

func loadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening string array %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading string array %s: %w", pathutil.RedactPath(path), err)
	}
	return out, nil
}

func loadArrowStrings(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening string array %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("reading arrow file %s: %w", pathutil.RedactPath(path), err)
	}
	defer r.Close()

	if r.Schema().NumFields() == 0 {
		return nil, fmt.Errorf("string array %s has no columns", pathutil.RedactPath(path))
	}

	var out []string
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("reading record batch %d: %w", i, err)
		}
		switch c := rec.Column(0).(type) {
		case *array.String:
			for k := 0; k < c.Len(); k++ {
				out = append(out, c.Value(k))
			}
		case *array.LargeString:
			for k := 0; k < c.Len(); k++ {
				out = append(out, c.Value(k))
			}
		default:
			return nil, fmt.Errorf("string array %s: unsupported column type %s", pathutil.RedactPath(path), c.DataType())
		}
	}
	return out, nil
}
