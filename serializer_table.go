package memo

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
)

// Table is the column-shaped value accepted by the columnar serializer.
// Columns are named, typed, and equal length.
type Table struct {
	cols []tableColumn
}

type tableColumn struct {
	name   string
	values any // []int64, []float64, []string, or []bool
}

// NewTable returns an empty table. Column setters return the table so
// construction chains.
func NewTable() *Table { return &Table{} }

func (t *Table) Int64(name string, values []int64) *Table {
	t.cols = append(t.cols, tableColumn{name: name, values: values})
	return t
}

func (t *Table) Float64(name string, values []float64) *Table {
	t.cols = append(t.cols, tableColumn{name: name, values: values})
	return t
}

func (t *Table) String(name string, values []string) *Table {
	t.cols = append(t.cols, tableColumn{name: name, values: values})
	return t
}

func (t *Table) Bool(name string, values []bool) *Table {
	t.cols = append(t.cols, tableColumn{name: name, values: values})
	return t
}

// NumCols returns the number of columns.
func (t *Table) NumCols() int { return len(t.cols) }

// NumRows returns the row count of the first column, 0 when empty.
func (t *Table) NumRows() int {
	if len(t.cols) == 0 {
		return 0
	}
	return columnLen(t.cols[0].values)
}

// Column returns the named column's values ([]int64, []float64, []string, or
// []bool) and whether it exists.
func (t *Table) Column(name string) (any, bool) {
	for _, c := range t.cols {
		if c.name == name {
			return c.values, true
		}
	}
	return nil, false
}

// ColumnNames returns column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.name
	}
	return names
}

func columnLen(values any) int {
	switch v := values.(type) {
	case []int64:
		return len(v)
	case []float64:
		return len(v)
	case []string:
		return len(v)
	case []bool:
		return len(v)
	default:
		return -1
	}
}

// TableSerializer is the columnar strategy: Arrow IPC stream encoding for
// table-shaped values. Scalar inputs are rejected.
type TableSerializer struct {
	alloc memory.Allocator
}

// NewTableSerializer returns the columnar serializer.
func NewTableSerializer() *TableSerializer {
	return &TableSerializer{alloc: memory.NewGoAllocator()}
}

func (s *TableSerializer) Tag() string { return TagTable }

func (s *TableSerializer) Encode(v any) ([]byte, error) {
	tbl, ok := v.(*Table)
	if !ok {
		return nil, fmt.Errorf("memo: table serializer accepts *memo.Table, got %T", v)
	}
	if len(tbl.cols) == 0 {
		return nil, fmt.Errorf("memo: table has no columns")
	}

	rows := -1
	fields := make([]arrow.Field, 0, len(tbl.cols))
	for _, c := range tbl.cols {
		n := columnLen(c.values)
		if n < 0 {
			return nil, fmt.Errorf("memo: column %q has unsupported type %T", c.name, c.values)
		}
		if rows == -1 {
			rows = n
		} else if n != rows {
			return nil, fmt.Errorf("memo: column %q has %d rows, expected %d", c.name, n, rows)
		}
		fields = append(fields, arrow.Field{Name: c.name, Type: arrowTypeFor(c.values)})
	}

	schema := arrow.NewSchema(fields, nil)
	builder := array.NewRecordBuilder(s.alloc, schema)
	defer builder.Release()

	for i, c := range tbl.cols {
		switch vals := c.values.(type) {
		case []int64:
			builder.Field(i).(*array.Int64Builder).AppendValues(vals, nil)
		case []float64:
			builder.Field(i).(*array.Float64Builder).AppendValues(vals, nil)
		case []string:
			builder.Field(i).(*array.StringBuilder).AppendValues(vals, nil)
		case []bool:
			builder.Field(i).(*array.BooleanBuilder).AppendValues(vals, nil)
		}
	}

	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(s.alloc))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("memo: arrow encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("memo: arrow encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *TableSerializer) Decode(data []byte) (any, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(s.alloc))
	if err != nil {
		return nil, fmt.Errorf("memo: arrow decode: %w", err)
	}
	defer r.Release()

	tbl := NewTable()
	for r.Next() {
		rec := r.Record()
		if tbl.NumCols() > 0 {
			return nil, fmt.Errorf("memo: arrow decode: multiple record batches")
		}
		for i, field := range rec.Schema().Fields() {
			col := rec.Column(i)
			switch arr := col.(type) {
			case *array.Int64:
				vals := make([]int64, arr.Len())
				copy(vals, arr.Int64Values())
				tbl.Int64(field.Name, vals)
			case *array.Float64:
				vals := make([]float64, arr.Len())
				copy(vals, arr.Float64Values())
				tbl.Float64(field.Name, vals)
			case *array.String:
				vals := make([]string, arr.Len())
				for j := range vals {
					vals[j] = arr.Value(j)
				}
				tbl.String(field.Name, vals)
			case *array.Boolean:
				vals := make([]bool, arr.Len())
				for j := range vals {
					vals[j] = arr.Value(j)
				}
				tbl.Bool(field.Name, vals)
			default:
				return nil, fmt.Errorf("memo: arrow decode: unsupported column type %s", field.Type)
			}
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("memo: arrow decode: %w", err)
	}
	if tbl.NumCols() == 0 {
		return nil, fmt.Errorf("memo: arrow decode: no record batch")
	}
	return tbl, nil
}

func arrowTypeFor(values any) arrow.DataType {
	switch values.(type) {
	case []int64:
		return arrow.PrimitiveTypes.Int64
	case []float64:
		return arrow.PrimitiveTypes.Float64
	case []string:
		return arrow.BinaryTypes.String
	default:
		return arrow.FixedWidthTypes.Boolean
	}
}
