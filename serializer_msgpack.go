package memo

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// timeTagKey marks a promoted time scalar inside msgpack payloads. Times are
// stored as RFC3339Nano strings so fingerprints and payloads stay stable
// across processes and architectures.
const timeTagKey = "__memo:time"

// MsgpackSerializer is the general binary strategy. It encodes primitives,
// ordered sequences, and mappings with msgpack; map keys are sorted so equal
// values produce equal bytes. Mixed sequence kinds collapse to []any on
// round trip.
type MsgpackSerializer struct{}

// NewMsgpackSerializer returns the default general binary serializer.
func NewMsgpackSerializer() *MsgpackSerializer { return &MsgpackSerializer{} }

func (s *MsgpackSerializer) Tag() string { return TagMsgpack }

func (s *MsgpackSerializer) Encode(v any) ([]byte, error) {
	norm, err := promoteScalars(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("memo: msgpack encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeInto decodes into dst, preserving the caller's concrete type.
func (s *MsgpackSerializer) DecodeInto(data []byte, dst any) error {
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("memo: msgpack decode: %w", err)
	}
	return nil
}

func (s *MsgpackSerializer) Decode(data []byte) (any, error) {
	var v any
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("memo: msgpack decode: %w", err)
	}
	return demoteScalars(v), nil
}

// promoteScalars rewrites values msgpack cannot carry portably. time.Time
// becomes a single-key map tagged with timeTagKey.
func promoteScalars(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return map[string]any{timeTagKey: t.UTC().Format(time.RFC3339Nano)}, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			norm, err := promoteScalars(item)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if k == timeTagKey {
				return nil, fmt.Errorf("memo: reserved map key %q", timeTagKey)
			}
			norm, err := promoteScalars(item)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	default:
		return v, nil
	}
}

func demoteScalars(v any) any {
	switch t := v.(type) {
	case []any:
		for i, item := range t {
			t[i] = demoteScalars(item)
		}
		return t
	case map[string]any:
		if raw, ok := t[timeTagKey]; ok && len(t) == 1 {
			if s, ok := raw.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return ts
				}
			}
		}
		for k, item := range t {
			t[k] = demoteScalars(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = demoteScalars(item)
		}
		if raw, ok := out[timeTagKey]; ok && len(out) == 1 {
			if s, ok := raw.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return ts
				}
			}
		}
		return out
	default:
		return v
	}
}
