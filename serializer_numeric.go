package memo

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element codes of the raw-numeric header.
const (
	rawElemInt32 byte = iota + 1
	rawElemInt64
	rawElemFloat32
	rawElemFloat64
)

// RawNumericSerializer is the dense-array fast path: a one-byte element code,
// a little-endian length, then raw little-endian elements. The output is
// already dense, so the envelope codec stores it pass-through.
type RawNumericSerializer struct{}

// NewRawNumericSerializer returns the raw-numeric serializer.
func NewRawNumericSerializer() *RawNumericSerializer { return &RawNumericSerializer{} }

func (s *RawNumericSerializer) Tag() string { return TagRawNumeric }

func (s *RawNumericSerializer) Incompressible() bool { return true }

func (s *RawNumericSerializer) Encode(v any) ([]byte, error) {
	switch vals := v.(type) {
	case []int32:
		out := rawHeader(rawElemInt32, len(vals), 4)
		for _, x := range vals {
			out = binary.LittleEndian.AppendUint32(out, uint32(x))
		}
		return out, nil
	case []int64:
		out := rawHeader(rawElemInt64, len(vals), 8)
		for _, x := range vals {
			out = binary.LittleEndian.AppendUint64(out, uint64(x))
		}
		return out, nil
	case []float32:
		out := rawHeader(rawElemFloat32, len(vals), 4)
		for _, x := range vals {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(x))
		}
		return out, nil
	case []float64:
		out := rawHeader(rawElemFloat64, len(vals), 8)
		for _, x := range vals {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(x))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("memo: raw serializer accepts dense numeric slices, got %T", v)
	}
}

func (s *RawNumericSerializer) Decode(data []byte) (any, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("memo: raw decode: truncated header")
	}
	elem := data[0]
	count := int(binary.LittleEndian.Uint32(data[1:5]))
	body := data[5:]

	width := 0
	switch elem {
	case rawElemInt32, rawElemFloat32:
		width = 4
	case rawElemInt64, rawElemFloat64:
		width = 8
	default:
		return nil, fmt.Errorf("memo: raw decode: unknown element code 0x%02x", elem)
	}
	if len(body) != count*width {
		return nil, fmt.Errorf("memo: raw decode: %d bytes for %d elements of width %d", len(body), count, width)
	}

	switch elem {
	case rawElemInt32:
		vals := make([]int32, count)
		for i := range vals {
			vals[i] = int32(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return vals, nil
	case rawElemInt64:
		vals := make([]int64, count)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(body[i*8:]))
		}
		return vals, nil
	case rawElemFloat32:
		vals := make([]float32, count)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return vals, nil
	default:
		vals := make([]float64, count)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
		}
		return vals, nil
	}
}

func rawHeader(elem byte, count, width int) []byte {
	out := make([]byte, 0, 5+count*width)
	out = append(out, elem)
	return binary.LittleEndian.AppendUint32(out, uint32(count))
}
