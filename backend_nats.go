package memo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/goforj/memo/memocore"
)

const natsEnvelopeMarker = "memo-v1"

// DefaultNATSBucket is the JetStream key-value bucket used when none is
// configured.
const DefaultNATSBucket = "memo"

// NATSKeyValue captures the subset of nats.KeyValue used by the backend.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Create(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Purge(key string, opts ...nats.DeleteOpt) error
	ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error)
}

// natsEnvelope carries the value plus a millisecond expiry, because
// JetStream buckets only support a single bucket-wide TTL.
type natsEnvelope struct {
	Marker    string `json:"m"`
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"ea"`
}

type natsBackend struct {
	kv         NATSKeyValue
	defaultTTL time.Duration
	prefix     string
}

func newNATSBackend(kv NATSKeyValue, defaultTTL time.Duration, prefix string) Backend {
	if defaultTTL <= 0 {
		defaultTTL = defaultBackendTTL
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &natsBackend{
		kv:         kv,
		defaultTTL: defaultTTL,
		prefix:     prefix,
	}
}

func dialNATSKV(cfg Config) (NATSKeyValue, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("memo: nats driver requires a key-value bucket or url")
	}
	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	bucket := cfg.NATSBucket
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return kv, nil
}

func (b *natsBackend) Driver() Driver { return DriverNATS }

func (b *natsBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	if b.kv == nil {
		return nil, false, errors.New("memo: nats key-value unavailable")
	}
	cacheKey := b.cacheKey(key)
	entry, err := b.kv.Get(cacheKey)
	if isNATSMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return nil, false, nil
	}
	envelope, err := decodeNATSEnvelope(entry.Value())
	if err != nil {
		return nil, false, err
	}
	if envelope.ExpiresAt > 0 && time.Now().UnixMilli() > envelope.ExpiresAt {
		_ = b.kv.Purge(cacheKey)
		return nil, false, nil
	}
	return cloneBytes(envelope.Value), true, nil
}

func (b *natsBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if b.kv == nil {
		return errors.New("memo: nats key-value unavailable")
	}
	body, err := b.encodeNATSEnvelope(value, ttl)
	if err != nil {
		return err
	}
	_, err = b.kv.Put(b.cacheKey(key), body)
	return err
}

func (b *natsBackend) Delete(_ context.Context, key string) error {
	if b.kv == nil {
		return errors.New("memo: nats key-value unavailable")
	}
	err := b.kv.Delete(b.cacheKey(key))
	if isNATSMiss(err) {
		return nil
	}
	return err
}

func (b *natsBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Add implements memocore.AtomicAdder via the key-value Create operation,
// which fails when the key already holds a live revision.
func (b *natsBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if b.kv == nil {
		return false, errors.New("memo: nats key-value unavailable")
	}
	// Create refuses keys whose last operation was a plain Put, even when
	// the envelope inside has expired, so purge expired entries first.
	if _, ok, err := b.Get(ctx, key); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	body, err := b.encodeNATSEnvelope(value, ttl)
	if err != nil {
		return false, err
	}
	_, err = b.kv.Create(b.cacheKey(key), body)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	return false, err
}

// ReleaseToken implements memocore.TokenReleaser with a revision-guarded
// delete, so a lock reacquired under a newer revision survives a stale
// holder's release.
func (b *natsBackend) ReleaseToken(_ context.Context, key string, token []byte) (bool, error) {
	if b.kv == nil {
		return false, errors.New("memo: nats key-value unavailable")
	}
	cacheKey := b.cacheKey(key)
	entry, err := b.kv.Get(cacheKey)
	if isNATSMiss(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return false, nil
	}
	envelope, err := decodeNATSEnvelope(entry.Value())
	if err != nil {
		return false, err
	}
	if !bytes.Equal(envelope.Value, token) {
		return false, nil
	}
	err = b.kv.Purge(cacheKey, nats.LastRevision(entry.Revision()))
	if err != nil {
		if isNATSMiss(err) || errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Flush implements memocore.Flusher by purging every key under the prefix
// scope.
func (b *natsBackend) Flush(_ context.Context) error {
	if b.kv == nil {
		return errors.New("memo: nats key-value unavailable")
	}
	lister, err := b.kv.ListKeys(nats.IgnoreDeletes())
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	defer func() { _ = lister.Stop() }()

	scopePrefix := b.scopePrefix()
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, scopePrefix) {
			continue
		}
		if err := b.kv.Purge(key); err != nil && !isNATSMiss(err) {
			return err
		}
	}
	for err := range lister.Error() {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *natsBackend) cacheKey(key string) string {
	return b.scopePrefix() + encodeNATSKeyPart(key)
}

func (b *natsBackend) scopePrefix() string {
	return "p." + encodeNATSKeyPart(b.prefix) + ".k."
}

func (b *natsBackend) encodeNATSEnvelope(value []byte, ttl time.Duration) ([]byte, error) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	envelope := natsEnvelope{
		Marker:    natsEnvelopeMarker,
		Value:     cloneBytes(value),
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("memo: marshal nats envelope: %w", err)
	}
	return body, nil
}

func decodeNATSEnvelope(body []byte) (natsEnvelope, error) {
	var envelope natsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return natsEnvelope{}, fmt.Errorf("memo: decode nats envelope: %w", err)
	}
	if envelope.Marker != natsEnvelopeMarker {
		return natsEnvelope{}, errors.New("memo: unexpected nats envelope marker")
	}
	return envelope, nil
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}

var (
	_ memocore.AtomicAdder   = (*natsBackend)(nil)
	_ memocore.TokenReleaser = (*natsBackend)(nil)
	_ memocore.Flusher       = (*natsBackend)(nil)
)
