package memo

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"
)

// Envelope framing:
//
//	version(1) || fmt_len(uvarint) || fmt_tag(fmt_len) || checksum(8,LE) || original_size(4,LE) || compressed_payload
//
// The checksum is xxh3-64 of compressed_payload. Pass-through (payload stored
// uncompressed) is expressed as compressed_payload == plaintext and detected
// on read by original_size == len(compressed_payload). The framing is part of
// the cache wire contract and must not change between releases.
const (
	envelopeVersion byte = 0x01

	// DefaultMaxUncompressedSize bounds the declared plaintext size of any
	// envelope accepted on read.
	DefaultMaxUncompressedSize = 512 << 20
	// DefaultMaxCompressionRatio bounds original_size / compressed_len.
	DefaultMaxCompressionRatio = 100

	// Payloads below this many bytes are stored without attempting LZ4.
	compressMinSize = 64

	envelopeMaxTagLen = 32
)

// EnvelopeCodec frames plaintext values for second-tier storage: LZ4 block
// compression, an xxh3-64 checksum, and a serializer format tag.
type EnvelopeCodec struct {
	// MaxUncompressedSize rejects envelopes whose declared plaintext size
	// exceeds it. Zero means DefaultMaxUncompressedSize.
	MaxUncompressedSize int
	// MaxCompressionRatio rejects envelopes whose declared expansion factor
	// exceeds it. Zero means DefaultMaxCompressionRatio.
	MaxCompressionRatio int
	// DisableCompression stores every payload pass-through. Retrieval is
	// unaffected and still accepts compressed envelopes.
	DisableCompression bool
}

func (c *EnvelopeCodec) maxUncompressed() int {
	if c.MaxUncompressedSize > 0 {
		return c.MaxUncompressedSize
	}
	return DefaultMaxUncompressedSize
}

func (c *EnvelopeCodec) maxRatio() int {
	if c.MaxCompressionRatio > 0 {
		return c.MaxCompressionRatio
	}
	return DefaultMaxCompressionRatio
}

// Store frames plain under formatTag and returns the envelope bytes.
func (c *EnvelopeCodec) Store(plain []byte, formatTag string) ([]byte, error) {
	if formatTag == "" || len(formatTag) > envelopeMaxTagLen {
		return nil, fmt.Errorf("%w: format tag %q", ErrMalformedEnvelope, formatTag)
	}
	if len(plain) > c.maxUncompressed() {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrSizeLimitExceeded, len(plain), c.maxUncompressed())
	}

	payload := plain
	if !c.DisableCompression && len(plain) >= compressMinSize {
		dst := make([]byte, lz4.CompressBlockBound(len(plain)))
		n, err := lz4.CompressBlock(plain, dst, nil)
		if err == nil && n > 0 && n < len(plain) {
			payload = dst[:n]
		}
	}

	tag := []byte(formatTag)
	var lenBuf [binary.MaxVarintLen64]byte
	lenN := binary.PutUvarint(lenBuf[:], uint64(len(tag)))

	out := make([]byte, 0, 1+lenN+len(tag)+8+4+len(payload))
	out = append(out, envelopeVersion)
	out = append(out, lenBuf[:lenN]...)
	out = append(out, tag...)
	out = binary.LittleEndian.AppendUint64(out, xxh3.Hash(payload))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(plain)))
	out = append(out, payload...)
	return out, nil
}

// Retrieve parses an envelope and returns the plaintext and its format tag.
func (c *EnvelopeCodec) Retrieve(envelope []byte) ([]byte, string, error) {
	if len(envelope) < 1 {
		return nil, "", fmt.Errorf("%w: empty", ErrMalformedEnvelope)
	}
	if envelope[0] != envelopeVersion {
		return nil, "", fmt.Errorf("%w: unknown version 0x%02x", ErrMalformedEnvelope, envelope[0])
	}
	rest := envelope[1:]

	tagLen, n := binary.Uvarint(rest)
	if n <= 0 || tagLen == 0 || tagLen > envelopeMaxTagLen {
		return nil, "", fmt.Errorf("%w: bad tag length", ErrMalformedEnvelope)
	}
	rest = rest[n:]
	if uint64(len(rest)) < tagLen+8+4 {
		return nil, "", fmt.Errorf("%w: truncated header", ErrMalformedEnvelope)
	}
	tag := string(rest[:tagLen])
	rest = rest[tagLen:]

	wantSum := binary.LittleEndian.Uint64(rest[:8])
	originalSize := int(binary.LittleEndian.Uint32(rest[8:12]))
	payload := rest[12:]

	if originalSize > c.maxUncompressed() {
		return nil, "", fmt.Errorf("%w: declared size %d exceeds %d", ErrSizeLimitExceeded, originalSize, c.maxUncompressed())
	}
	if originalSize/max(1, len(payload)) > c.maxRatio() {
		return nil, "", fmt.Errorf("%w: compression ratio exceeds %d", ErrSizeLimitExceeded, c.maxRatio())
	}
	if xxh3.Hash(payload) != wantSum {
		return nil, "", fmt.Errorf("%w: checksum mismatch", ErrIntegrity)
	}

	if originalSize == len(payload) {
		return cloneBytes(payload), tag, nil
	}
	plain := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(payload, plain)
	if err != nil {
		return nil, "", fmt.Errorf("%w: lz4: %v", ErrMalformedEnvelope, err)
	}
	if n != originalSize {
		return nil, "", fmt.Errorf("%w: decompressed %d bytes, declared %d", ErrMalformedEnvelope, n, originalSize)
	}
	return plain, tag, nil
}

// CompressionEstimate reports projected envelope savings for a payload.
type CompressionEstimate struct {
	OriginalSize   int
	CompressedSize int
	Ratio          float64
	WouldCompress  bool
}

// EstimateCompression compresses plain once and reports the projected
// savings without producing an envelope.
func (c *EnvelopeCodec) EstimateCompression(plain []byte) CompressionEstimate {
	est := CompressionEstimate{OriginalSize: len(plain), CompressedSize: len(plain), Ratio: 1.0}
	if c.DisableCompression || len(plain) < compressMinSize {
		return est
	}
	dst := make([]byte, lz4.CompressBlockBound(len(plain)))
	n, err := lz4.CompressBlock(plain, dst, nil)
	if err != nil || n == 0 || n >= len(plain) {
		return est
	}
	est.CompressedSize = n
	est.Ratio = float64(len(plain)) / float64(n)
	est.WouldCompress = true
	return est
}

// EnvelopeTag returns the format tag of an envelope without decoding the
// payload. Used on the read path to detect serializer mismatches cheaply.
func EnvelopeTag(envelope []byte) (string, error) {
	if len(envelope) < 1 || envelope[0] != envelopeVersion {
		return "", ErrMalformedEnvelope
	}
	rest := envelope[1:]
	tagLen, n := binary.Uvarint(rest)
	if n <= 0 || tagLen == 0 || tagLen > envelopeMaxTagLen || uint64(len(rest)-n) < tagLen {
		return "", ErrMalformedEnvelope
	}
	return string(rest[n : uint64(n)+tagLen]), nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
