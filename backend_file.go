package memo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goforj/memo/memocore"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
)

// fileRecordMagic prefixes every on-disk record ahead of the big-endian
// nanosecond expiry.
var fileRecordMagic = []byte("MFR1")

const fileRecordHeaderLen = 12

// fileBackend keeps each value in its own file under dir, named by the
// sha256 of the cache key. Writes go through a temp file plus rename so
// readers never observe a partial record.
type fileBackend struct {
	dir        string
	defaultTTL time.Duration
	mu         sync.Mutex
}

func newFileBackend(dir string, defaultTTL time.Duration) (Backend, error) {
	if dir == "" {
		dir = defaultFileDir()
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultBackendTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileBackend{
		dir:        dir,
		defaultTTL: defaultTTL,
	}, nil
}

func defaultFileDir() string {
	return filepath.Join(os.TempDir(), "memo-cache")
}

func (b *fileBackend) Driver() Driver { return DriverFile }

func (b *fileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := b.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	expiresAt, value, err := decodeFileRecord(data)
	if err != nil {
		_ = os.Remove(path)
		return nil, false, err
	}
	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return value, true, nil
}

func (b *fileBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	return b.writeRecord(b.path(key), value, time.Now().Add(ttl).UnixNano())
}

func (b *fileBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Add is only atomic against other writers in this process; the file driver
// is meant for single-process deployments.
func (b *fileBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok, err := b.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return true, b.Set(ctx, key, value, ttl)
}

// ReleaseToken implements memocore.TokenReleaser with a read-compare-delete
// under the backend mutex.
func (b *fileBackend) ReleaseToken(ctx context.Context, key string, token []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if !bytes.Equal(body, token) {
		return false, nil
	}
	return true, b.Delete(ctx, key)
}

// Flush implements memocore.Flusher.
func (b *fileBackend) Flush(_ context.Context) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		_ = os.Remove(filepath.Join(b.dir, entry.Name()))
	}
	return nil
}

func (b *fileBackend) writeRecord(path string, value []byte, expiresAt int64) error {
	tmp, err := createTempFile(b.dir, "memo-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	var header [fileRecordHeaderLen]byte
	copy(header[:4], fileRecordMagic)
	binary.BigEndian.PutUint64(header[4:], uint64(expiresAt))

	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return renameFile(tmpPath, path)
}

func (b *fileBackend) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+".memo")
}

func decodeFileRecord(data []byte) (int64, []byte, error) {
	if len(data) < fileRecordHeaderLen || !bytes.Equal(data[:4], fileRecordMagic) {
		return 0, nil, errors.New("memo: malformed file record")
	}
	expiresAt := int64(binary.BigEndian.Uint64(data[4:fileRecordHeaderLen]))
	return expiresAt, data[fileRecordHeaderLen:], nil
}

var (
	_ memocore.AtomicAdder   = (*fileBackend)(nil)
	_ memocore.TokenReleaser = (*fileBackend)(nil)
	_ memocore.Flusher       = (*fileBackend)(nil)
)
