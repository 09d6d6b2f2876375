package memo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var sqliteDBSeq atomic.Int64

func newSQLiteBackend(t *testing.T, ttl time.Duration) *sqlBackend {
	t.Helper()
	dsn := fmt.Sprintf("file:memo%d?mode=memory&cache=shared", sqliteDBSeq.Add(1))
	backend, err := newSQLBackend(Config{
		Driver:        DriverSQL,
		SQLDriverName: "sqlite",
		SQLDSN:        dsn,
		SQLTable:      "memo_entries",
		DefaultTTL:    ttl,
		Prefix:        "p",
	})
	if err != nil {
		t.Fatalf("sqlite backend create failed: %v", err)
	}
	return backend.(*sqlBackend)
}

func TestSQLBackendDialects(t *testing.T) {
	pg := &sqlBackend{driverName: "postgres", table: "t"}
	if !strings.Contains(pg.upsertSQL(), "ON CONFLICT") {
		t.Fatalf("expected postgres upsert")
	}
	if pg.ph(2) != "$2" {
		t.Fatalf("expected positional placeholder for postgres")
	}
	mysql := &sqlBackend{driverName: "mysql", table: "t"}
	if !strings.Contains(mysql.upsertSQL(), "ON DUPLICATE") {
		t.Fatalf("expected mysql upsert")
	}
	sqlite := &sqlBackend{driverName: "sqlite", table: "t"}
	if !strings.Contains(sqlite.upsertSQL(), "ON CONFLICT") {
		t.Fatalf("expected sqlite upsert")
	}

	if !isDuplicateErr(errors.New("duplicate key value violates"), "pgx") {
		t.Fatalf("expected duplicate detection pg")
	}
	if !isDuplicateErr(errors.New("Duplicate entry"), "mysql") {
		t.Fatalf("expected duplicate detection mysql")
	}
	if !isDuplicateErr(errors.New("UNIQUE constraint failed: memo_entries.k"), "sqlite") {
		t.Fatalf("expected duplicate detection sqlite")
	}
	if isDuplicateErr(errors.New("other"), "sqlite") {
		t.Fatalf("unexpected duplicate detection")
	}
}

func TestSQLBackendTableNameValidation(t *testing.T) {
	if err := validateSQLTableName("memo_entries"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	if err := validateSQLTableName("app.memo_entries"); err != nil {
		t.Fatalf("qualified name rejected: %v", err)
	}
	for _, bad := range []string{"", "  ", "1start", "bad-name", "x; DROP TABLE y"} {
		if err := validateSQLTableName(bad); err == nil {
			t.Fatalf("expected rejection for %q", bad)
		}
	}
}

func TestSQLBackendRoundTrip(t *testing.T) {
	backend := newSQLiteBackend(t, time.Minute)
	ctx := context.Background()

	if err := backend.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := backend.Get(ctx, "k")
	if err != nil || !ok || string(body) != "v" {
		t.Fatalf("get failed: ok=%v err=%v val=%s", ok, err, string(body))
	}

	// overwrite through the upsert path
	if err := backend.Set(ctx, "k", []byte("v2"), time.Minute); err != nil {
		t.Fatalf("second set failed: %v", err)
	}
	body, _, _ = backend.Get(ctx, "k")
	if string(body) != "v2" {
		t.Fatalf("expected overwrite, got %s", string(body))
	}

	exists, err := backend.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("exists failed: ok=%v err=%v", exists, err)
	}

	if err := backend.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "k"); ok {
		t.Fatalf("expected key deleted")
	}
}

func TestSQLBackendExpiry(t *testing.T) {
	backend := newSQLiteBackend(t, time.Minute)
	ctx := context.Background()

	if err := backend.Set(ctx, "exp", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, ok, err := backend.Get(ctx, "exp"); err != nil || ok {
		t.Fatalf("expected key expired; ok=%v err=%v", ok, err)
	}
}

func TestSQLBackendAddReusesExpiredRow(t *testing.T) {
	backend := newSQLiteBackend(t, time.Minute)
	ctx := context.Background()

	created, err := backend.Add(ctx, "lock", []byte("tok-1"), 10*time.Millisecond)
	if err != nil || !created {
		t.Fatalf("expected first add, created=%v err=%v", created, err)
	}
	created, err = backend.Add(ctx, "lock", []byte("tok-2"), time.Minute)
	if err != nil || created {
		t.Fatalf("expected live row to refuse add, created=%v err=%v", created, err)
	}
	time.Sleep(25 * time.Millisecond)
	created, err = backend.Add(ctx, "lock", []byte("tok-3"), time.Minute)
	if err != nil || !created {
		t.Fatalf("expected expired row reuse, created=%v err=%v", created, err)
	}
	body, ok, _ := backend.Get(ctx, "lock")
	if !ok || string(body) != "tok-3" {
		t.Fatalf("expected reacquired token, ok=%v body=%s", ok, string(body))
	}
}

func TestSQLBackendReleaseToken(t *testing.T) {
	backend := newSQLiteBackend(t, time.Minute)
	ctx := context.Background()

	if _, err := backend.Add(ctx, "lock", []byte("tok"), time.Minute); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	released, err := backend.ReleaseToken(ctx, "lock", []byte("other"))
	if err != nil || released {
		t.Fatalf("expected wrong-token release refused, released=%v err=%v", released, err)
	}
	released, err = backend.ReleaseToken(ctx, "lock", []byte("tok"))
	if err != nil || !released {
		t.Fatalf("expected matching release, released=%v err=%v", released, err)
	}
	released, err = backend.ReleaseToken(ctx, "lock", []byte("tok"))
	if err != nil || released {
		t.Fatalf("expected release of missing row to report false")
	}
}

func TestSQLBackendFlush(t *testing.T) {
	backend := newSQLiteBackend(t, time.Minute)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if err := backend.Set(ctx, key, []byte(key), time.Minute); err != nil {
			t.Fatalf("set %s failed: %v", key, err)
		}
	}
	if err := backend.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	for _, key := range []string{"a", "b"} {
		if _, ok, _ := backend.Get(ctx, key); ok {
			t.Fatalf("expected %s flushed", key)
		}
	}
}

func TestSQLBackendRequiresDriverAndDSN(t *testing.T) {
	if _, err := newSQLBackend(Config{}); err == nil {
		t.Fatalf("expected error without driver name and dsn")
	}
	if _, err := newSQLBackend(Config{SQLDriverName: "sqlite", SQLDSN: ":memory:", SQLTable: "bad name"}); err == nil {
		t.Fatalf("expected table name validation error")
	}
}
