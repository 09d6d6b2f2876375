package memo

import (
	"fmt"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var jsonFast = jsoniter.ConfigFastest

// JSONSerializer is the JSON-fast strategy. Output is UTF-8 text; values
// containing raw byte slices or invalid UTF-8 strings are rejected with an
// error naming the offending path.
type JSONSerializer struct{}

// NewJSONSerializer returns the JSON-fast serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

func (s *JSONSerializer) Tag() string { return TagJSON }

func (s *JSONSerializer) Encode(v any) ([]byte, error) {
	if err := checkJSONCompatible(v, "$"); err != nil {
		return nil, err
	}
	data, err := jsonFast.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memo: json encode: %w", err)
	}
	return data, nil
}

// DecodeInto decodes into dst, preserving the caller's concrete type.
func (s *JSONSerializer) DecodeInto(data []byte, dst any) error {
	if err := jsonFast.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("memo: json decode: %w", err)
	}
	return nil
}

func (s *JSONSerializer) Decode(data []byte) (any, error) {
	var v any
	if err := jsonFast.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("memo: json decode: %w", err)
	}
	return v, nil
}

func checkJSONCompatible(v any, path string) error {
	switch t := v.(type) {
	case []byte:
		return fmt.Errorf("memo: json serializer cannot carry raw bytes at %s; use the %q serializer", path, TagMsgpack)
	case string:
		if !utf8.ValidString(t) {
			return fmt.Errorf("memo: json serializer requires valid UTF-8 at %s", path)
		}
	case []any:
		for i, item := range t {
			if err := checkJSONCompatible(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, item := range t {
			if !utf8.ValidString(k) {
				return fmt.Errorf("memo: json serializer requires valid UTF-8 key at %s", path)
			}
			if err := checkJSONCompatible(item, path+"."+k); err != nil {
				return err
			}
		}
	}
	return nil
}
