package memo

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

// MaxKeyLen is the longest composite key emitted. Longer keys are shortened
// to a prefix plus a digest of the full key so every backend accepts them.
const MaxKeyLen = 250

const (
	keyDomainPrimitive byte = 'p'
	keyDomainStructure byte = 'm'
)

// KeyGenerator produces stable cache keys from a function identity and its
// arguments. Equal inputs yield equal keys across processes and runs;
// user-defined hashing is never consulted.
type KeyGenerator struct{}

// Key returns `ns:{ns}:func:{fnID}:args:{fingerprint}` where fingerprint is
// 32 hex characters: the first 16 bytes of a blake2b-256 digest of the
// canonical argument encoding.
func (KeyGenerator) Key(fnID string, args []any, kwargs map[string]any, namespace string) (string, error) {
	fp, err := Fingerprint(args, kwargs)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("ns:%s:func:%s:args:%s", namespace, fnID, fp)
	if len(key) > MaxKeyLen {
		key = shortenKey(key)
	}
	return key, nil
}

// Fingerprint returns the 32-hex-character argument fingerprint on its own.
func Fingerprint(args []any, kwargs map[string]any) (string, error) {
	canon, err := canonicalArgs(args, kwargs)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(canon)
	return hex.EncodeToString(sum[:16]), nil
}

// canonicalArgs encodes [args, kwargs] deterministically. All-primitive
// calls take a cheap type-tagged text path; anything structured goes through
// msgpack with sorted map keys. The two paths are domain-separated so they
// can never collide.
func canonicalArgs(args []any, kwargs map[string]any) ([]byte, error) {
	if len(kwargs) == 0 && allPrimitive(args) {
		var buf bytes.Buffer
		buf.WriteByte(keyDomainPrimitive)
		for _, a := range args {
			buf.WriteByte(0x1F)
			writePrimitive(&buf, a)
		}
		return buf.Bytes(), nil
	}

	norm, err := normalizeArg(append([]any{}, args...))
	if err != nil {
		return nil, err
	}
	normKW, err := normalizeArg(kwargs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(keyDomainStructure)
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode([]any{norm, normKW}); err != nil {
		return nil, fmt.Errorf("memo: canonical encode: %w", err)
	}
	return buf.Bytes(), nil
}

func allPrimitive(args []any) bool {
	for _, a := range args {
		switch a.(type) {
		case nil, bool, string,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return false
		}
	}
	return true
}

func writePrimitive(buf *bytes.Buffer, a any) {
	switch v := a.(type) {
	case nil:
		buf.WriteString("n:")
	case bool:
		buf.WriteString("b:")
		buf.WriteString(strconv.FormatBool(v))
	case string:
		buf.WriteString("s:")
		buf.WriteString(v)
	case int:
		writeInt(buf, int64(v))
	case int8:
		writeInt(buf, int64(v))
	case int16:
		writeInt(buf, int64(v))
	case int32:
		writeInt(buf, int64(v))
	case int64:
		writeInt(buf, v)
	case uint:
		writeUint(buf, uint64(v))
	case uint8:
		writeUint(buf, uint64(v))
	case uint16:
		writeUint(buf, uint64(v))
	case uint32:
		writeUint(buf, uint64(v))
	case uint64:
		writeUint(buf, v)
	case float32:
		writeFloat(buf, float64(v))
	case float64:
		writeFloat(buf, v)
	}
}

func writeInt(buf *bytes.Buffer, v int64) {
	buf.WriteString("i:")
	buf.WriteString(strconv.FormatInt(v, 10))
}

func writeUint(buf *bytes.Buffer, v uint64) {
	// Non-negative integers hash identically regardless of signedness.
	if v <= math.MaxInt64 {
		writeInt(buf, int64(v))
		return
	}
	buf.WriteString("u:")
	buf.WriteString(strconv.FormatUint(v, 10))
}

func writeFloat(buf *bytes.Buffer, v float64) {
	buf.WriteString("f:")
	buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
}

// normalizeArg rewrites values into a form msgpack encodes deterministically:
// maps keyed by strings, times as RFC3339Nano, slices normalized element-wise.
func normalizeArg(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []byte:
		return t, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			norm, err := normalizeArg(item)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			norm, err := normalizeArg(item)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out, nil
	case KeySet:
		return t.canonical(), nil
	default:
		return nil, fmt.Errorf("%w: unhashable argument type %T", ErrConfiguration, v)
	}
}

// KeySet is an unordered argument collection. Members are sorted before
// hashing so insertion order never changes the fingerprint.
type KeySet []string

func (s KeySet) canonical() []any {
	sorted := append([]string(nil), s...)
	sort.Strings(sorted)
	out := make([]any, len(sorted))
	for i, v := range sorted {
		out[i] = v
	}
	return out
}

// shortenKey keeps a readable prefix and appends a digest of the full key.
func shortenKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:16])
	keep := MaxKeyLen - len(digest) - 1
	return key[:keep] + ":" + digest
}
