package memo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goforj/memo/memocore"
)

var dialMemcached = func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, network, addr)
}

// memcachedBackend speaks the memcached text protocol directly over pooled
// connections, round-robining across the configured addresses.
type memcachedBackend struct {
	addrs       []string
	defaultTTL  time.Duration
	prefix      string
	ioTimeout   time.Duration
	pools       map[string]chan *memcachedConn
	rr          uint32
}

type memcachedConn struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
}

func newMemcachedBackend(addrs []string, defaultTTL time.Duration, prefix string, ioTimeout time.Duration) (Backend, error) {
	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1:11211"}
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultBackendTTL
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	pools := make(map[string]chan *memcachedConn, len(addrs))
	for _, addr := range addrs {
		pools[addr] = make(chan *memcachedConn, 16)
	}
	return &memcachedBackend{
		addrs:      addrs,
		defaultTTL: defaultTTL,
		prefix:     prefix,
		ioTimeout:  ioTimeout,
		pools:      pools,
	}, nil
}

func (b *memcachedBackend) Driver() Driver { return DriverMemcached }

func (b *memcachedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, _, ok, err := b.get(ctx, key, "get")
	return body, ok, err
}

func (b *memcachedBackend) get(ctx context.Context, key, verb string) ([]byte, uint64, bool, error) {
	mc, err := b.acquire(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	bad := false
	defer func() { b.release(mc, bad) }()

	full := b.cacheKey(key)
	if _, err := fmt.Fprintf(mc.conn, "%s %s\r\n", verb, full); err != nil {
		bad = true
		return nil, 0, false, err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return nil, 0, false, err
	}
	if line == "END\r\n" {
		return nil, 0, false, nil
	}

	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 4 || fields[0] != "VALUE" {
		return nil, 0, false, fmt.Errorf("memo: unexpected memcached response: %s", strings.TrimSpace(line))
	}
	bytesLen, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, 0, false, fmt.Errorf("memo: parse memcached length: %w", err)
	}
	var casID uint64
	if verb == "gets" && len(fields) >= 5 {
		casID, err = strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return nil, 0, false, fmt.Errorf("memo: parse memcached cas id: %w", err)
		}
	}
	value := make([]byte, bytesLen)
	if _, err := io.ReadFull(mc.reader, value); err != nil {
		bad = true
		return nil, 0, false, err
	}
	// consume trailing \r\n
	if _, err := mc.reader.ReadString('\n'); err != nil {
		bad = true
		return nil, 0, false, err
	}
	// consume END
	if _, err := mc.reader.ReadString('\n'); err != nil {
		bad = true
		return nil, 0, false, err
	}
	return value, casID, true, nil
}

func (b *memcachedBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.store(ctx, "set", key, value, ttl)
	return err
}

func (b *memcachedBackend) Delete(ctx context.Context, key string) error {
	mc, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	bad := false
	defer func() { b.release(mc, bad) }()
	full := b.cacheKey(key)
	if _, err := fmt.Fprintf(mc.conn, "delete %s\r\n", full); err != nil {
		bad = true
		return err
	}
	if _, err := mc.reader.ReadString('\n'); err != nil {
		bad = true
		return err
	}
	return nil
}

func (b *memcachedBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Add implements memocore.AtomicAdder with the protocol's add verb, which
// the server rejects with NOT_STORED when the key is live.
func (b *memcachedBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.store(ctx, "add", key, value, ttl)
}

func (b *memcachedBackend) store(ctx context.Context, verb, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	mc, err := b.acquire(ctx)
	if err != nil {
		return false, err
	}
	bad := false
	defer func() { b.release(mc, bad) }()

	full := b.cacheKey(key)
	seconds := int(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if _, err := fmt.Fprintf(mc.conn, "%s %s 0 %d %d\r\n", verb, full, seconds, len(value)); err != nil {
		bad = true
		return false, err
	}
	if _, err := mc.conn.Write(value); err != nil {
		bad = true
		return false, err
	}
	if _, err := mc.conn.Write([]byte("\r\n")); err != nil {
		bad = true
		return false, err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return false, err
	}
	switch {
	case strings.HasPrefix(line, "STORED"):
		return true, nil
	case strings.HasPrefix(line, "NOT_STORED"):
		return false, nil
	default:
		bad = true
		return false, fmt.Errorf("memo: memcached %s failed: %s", verb, strings.TrimSpace(line))
	}
}

// ReleaseToken implements memocore.TokenReleaser. The text protocol has no
// compare-and-delete, so the value check and the delete are separate round
// trips; the token comparison bounds the window to holders of the same
// token.
func (b *memcachedBackend) ReleaseToken(ctx context.Context, key string, token []byte) (bool, error) {
	body, _, ok, err := b.get(ctx, key, "gets")
	if err != nil || !ok {
		return false, err
	}
	if !bytes.Equal(body, token) {
		return false, nil
	}
	if err := b.Delete(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

// Flush implements memocore.Flusher with flush_all; the prefix scope cannot
// be enumerated over the text protocol.
func (b *memcachedBackend) Flush(ctx context.Context) error {
	mc, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	bad := false
	defer func() { b.release(mc, bad) }()
	if _, err := fmt.Fprintf(mc.conn, "flush_all\r\n"); err != nil {
		bad = true
		return err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return err
	}
	if !strings.HasPrefix(line, "OK") {
		bad = true
		return fmt.Errorf("memo: memcached flush failed: %s", strings.TrimSpace(line))
	}
	return nil
}

func (b *memcachedBackend) acquire(ctx context.Context) (*memcachedConn, error) {
	if len(b.addrs) == 0 {
		return nil, errors.New("memo: memcached has no addresses configured")
	}
	var errs bytes.Buffer
	start := int(atomic.AddUint32(&b.rr, 1)-1) % len(b.addrs)
	for i := 0; i < len(b.addrs); i++ {
		addr := b.addrs[(start+i)%len(b.addrs)]
		if pool, ok := b.pools[addr]; ok {
			select {
			case mc := <-pool:
				if mc != nil {
					b.applyDeadline(mc)
					return mc, nil
				}
			default:
			}
		}
		conn, err := dialMemcached(ctx, "tcp", addr, b.ioTimeout)
		if err == nil {
			mc := &memcachedConn{
				addr:   addr,
				conn:   conn,
				reader: bufio.NewReader(conn),
			}
			b.applyDeadline(mc)
			return mc, nil
		}
		fmt.Fprintf(&errs, "%s: %v; ", addr, err)
	}
	return nil, fmt.Errorf("memo: memcached dial failed: %s", errs.String())
}

func (b *memcachedBackend) applyDeadline(mc *memcachedConn) {
	if b.ioTimeout > 0 {
		_ = mc.conn.SetDeadline(time.Now().Add(b.ioTimeout))
	}
}

func (b *memcachedBackend) release(mc *memcachedConn, bad bool) {
	if mc == nil || mc.conn == nil {
		return
	}
	if bad {
		_ = mc.conn.Close()
		return
	}
	pool, ok := b.pools[mc.addr]
	if !ok {
		_ = mc.conn.Close()
		return
	}
	select {
	case pool <- mc:
	default:
		_ = mc.conn.Close()
	}
}

func (b *memcachedBackend) cacheKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + ":" + key
}

var (
	_ memocore.AtomicAdder   = (*memcachedBackend)(nil)
	_ memocore.TokenReleaser = (*memcachedBackend)(nil)
	_ memocore.Flusher       = (*memcachedBackend)(nil)
)
