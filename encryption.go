package memo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLen is the minimum accepted master secret length.
const MinMasterKeyLen = 32

const gcmNonceSize = 12

// ErrEncryptionKey reports a master secret shorter than MinMasterKeyLen.
var ErrEncryptionKey = errors.New("memo: master key must be at least 32 bytes")

// Encryptor authenticates envelopes with AES-256-GCM. Per-namespace subkeys
// are derived once via HKDF-SHA256 with the namespace as info and cached.
// The composite cache key is bound as AAD, so a value moved to a different
// key fails to open.
//
// Nonces are 8 big-endian counter bytes followed by a 4-byte random suffix
// chosen at startup, so restarted processes never repeat a nonce under the
// same key.
type Encryptor struct {
	master  []byte
	retired [][]byte

	counter atomic.Uint64
	suffix  [4]byte

	mu      sync.RWMutex
	subkeys map[string]cipher.AEAD
}

// EncryptorOption adjusts Encryptor construction.
type EncryptorOption func(*Encryptor)

// WithRetiredKeys registers prior master secrets. Open tries the current key
// first, then each retired key in order; Seal always uses the current key.
func WithRetiredKeys(keys ...[]byte) EncryptorOption {
	return func(e *Encryptor) {
		for _, k := range keys {
			e.retired = append(e.retired, cloneBytes(k))
		}
	}
}

// NewEncryptor builds an Encryptor from a master secret of at least 32 bytes.
func NewEncryptor(masterKey []byte, opts ...EncryptorOption) (*Encryptor, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, ErrEncryptionKey
	}
	e := &Encryptor{
		master:  cloneBytes(masterKey),
		subkeys: make(map[string]cipher.AEAD),
	}
	if _, err := io.ReadFull(rand.Reader, e.suffix[:]); err != nil {
		return nil, fmt.Errorf("memo: nonce suffix: %w", err)
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, k := range e.retired {
		if len(k) < MinMasterKeyLen {
			return nil, ErrEncryptionKey
		}
	}
	return e, nil
}

// Seal encrypts envelope under the namespace subkey with AAD = cacheKey.
// Output is nonce(12) || ciphertext+tag.
func (e *Encryptor) Seal(namespace, cacheKey string, envelope []byte) ([]byte, error) {
	aead, err := e.subkey(namespace)
	if err != nil {
		return nil, err
	}
	var nonce [gcmNonceSize]byte
	binary.BigEndian.PutUint64(nonce[:8], e.counter.Add(1))
	copy(nonce[8:], e.suffix[:])

	out := make([]byte, gcmNonceSize, gcmNonceSize+len(envelope)+aead.Overhead())
	copy(out, nonce[:])
	return aead.Seal(out, nonce[:], envelope, []byte(cacheKey)), nil
}

// Open decrypts blob under the namespace subkey with AAD = cacheKey. Any tag
// mismatch returns ErrDecryptFailed; plaintext is never partially returned.
func (e *Encryptor) Open(namespace, cacheKey string, blob []byte) ([]byte, error) {
	if len(blob) < gcmNonceSize+1 {
		return nil, ErrDecryptFailed
	}
	nonce := blob[:gcmNonceSize]
	ct := blob[gcmNonceSize:]
	aad := []byte(cacheKey)

	aead, err := e.subkey(namespace)
	if err != nil {
		return nil, err
	}
	if plain, err := aead.Open(nil, nonce, ct, aad); err == nil {
		return plain, nil
	}
	for _, master := range e.retired {
		retiredAEAD, err := deriveAEAD(master, namespace)
		if err != nil {
			continue
		}
		if plain, err := retiredAEAD.Open(nil, nonce, ct, aad); err == nil {
			return plain, nil
		}
	}
	return nil, ErrDecryptFailed
}

func (e *Encryptor) subkey(namespace string) (cipher.AEAD, error) {
	e.mu.RLock()
	aead, ok := e.subkeys[namespace]
	e.mu.RUnlock()
	if ok {
		return aead, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if aead, ok := e.subkeys[namespace]; ok {
		return aead, nil
	}
	aead, err := deriveAEAD(e.master, namespace)
	if err != nil {
		return nil, err
	}
	e.subkeys[namespace] = aead
	return aead, nil
}

func deriveAEAD(master []byte, namespace string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(namespace))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("memo: derive namespace key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
