package memo

import "fmt"

// Serializer converts values to and from the plaintext bytes handed to the
// envelope codec. The tag is stamped into every envelope so a reader can
// detect values written under a different strategy.
type Serializer interface {
	Tag() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Incompressible marks serializers whose output is already dense. The
// envelope codec stores their payloads pass-through without attempting LZ4.
type Incompressible interface {
	Incompressible() bool
}

// TypedDecoder is an optional Serializer capability: decode directly into a
// caller-supplied destination so wrapped functions return concrete types
// instead of generic maps.
type TypedDecoder interface {
	DecodeInto(data []byte, dst any) error
}

// SerializerFor returns the built-in serializer registered under tag.
func SerializerFor(tag string) (Serializer, error) {
	switch tag {
	case TagMsgpack:
		return NewMsgpackSerializer(), nil
	case TagJSON:
		return NewJSONSerializer(), nil
	case TagTable:
		return NewTableSerializer(), nil
	case TagRawNumeric:
		return NewRawNumericSerializer(), nil
	default:
		return nil, fmt.Errorf("%w: unknown serializer %q", ErrConfiguration, tag)
	}
}

// Built-in serializer tags.
const (
	TagMsgpack    = "std"
	TagJSON       = "json"
	TagTable      = "table"
	TagRawNumeric = "raw"
)

func serializerSkipsCompression(s Serializer) bool {
	inc, ok := s.(Incompressible)
	return ok && inc.Incompressible()
}
