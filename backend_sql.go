package memo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/goforj/memo/memocore"
)

type sqlBackend struct {
	db            *sql.DB
	table         string
	driverName    string
	prefix        string
	defaultTTL    time.Duration
	getStmt       *sql.Stmt
	upsertStmt    *sql.Stmt
	addInsertStmt *sql.Stmt
	addReuseStmt  *sql.Stmt
	deleteStmt    *sql.Stmt
	releaseStmt   *sql.Stmt
	flushStmt     *sql.Stmt
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newSQLBackend(cfg Config) (Backend, error) {
	if cfg.SQLDriverName == "" || cfg.SQLDSN == "" {
		return nil, errors.New("memo: sql driver requires driver name and dsn")
	}
	db, err := sql.Open(cfg.SQLDriverName, cfg.SQLDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	table := cfg.SQLTable
	if table == "" {
		table = "memo_entries"
	}
	if err := validateSQLTableName(table); err != nil {
		return nil, err
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultBackendTTL
	}
	b := &sqlBackend{
		db:         db,
		table:      table,
		driverName: cfg.SQLDriverName,
		prefix:     cfg.Prefix,
		defaultTTL: ttl,
	}
	if err := b.ensureSchema(); err != nil {
		return nil, err
	}
	if err := b.prepareStatements(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *sqlBackend) Driver() Driver { return DriverSQL }

func (b *sqlBackend) ensureSchema() error {
	var stmt string
	switch b.driverName {
	case "postgres", "pgx":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL,
			ea BIGINT NOT NULL
		);`, b.table)
	case "mysql":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k VARBINARY(255) PRIMARY KEY,
			v LONGBLOB NOT NULL,
			ea BIGINT NOT NULL
		) ENGINE=InnoDB;`, b.table)
	default: // sqlite
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			ea INTEGER NOT NULL
		);`, b.table)
	}
	_, err := b.db.Exec(stmt)
	return err
}

func (b *sqlBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	var exp int64
	err := b.getStmt.QueryRowContext(ctx, b.cacheKey(key)).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().UnixMilli() > exp {
		_ = b.Delete(ctx, key)
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (b *sqlBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	exp := time.Now().Add(ttl).UnixMilli()
	_, err := b.upsertStmt.ExecContext(ctx, b.cacheKey(key), value, exp, value, exp)
	return err
}

func (b *sqlBackend) Delete(ctx context.Context, key string) error {
	_, err := b.deleteStmt.ExecContext(ctx, b.cacheKey(key))
	return err
}

func (b *sqlBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Add implements memocore.AtomicAdder. Logically expired rows are treated
// as absent so lock helpers can reacquire after TTL.
func (b *sqlBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	nowMs := time.Now().UnixMilli()
	exp := time.UnixMilli(nowMs).Add(ttl).UnixMilli()
	cacheKey := b.cacheKey(key)
	_, err := b.addInsertStmt.ExecContext(ctx, cacheKey, value, exp)
	if err != nil {
		if isDuplicateErr(err, b.driverName) {
			res, updateErr := b.addReuseStmt.ExecContext(ctx, value, exp, cacheKey, nowMs)
			if updateErr != nil {
				return false, updateErr
			}
			rows, rowsErr := res.RowsAffected()
			if rowsErr != nil {
				return false, rowsErr
			}
			return rows > 0, nil
		}
		return false, err
	}
	return true, nil
}

// ReleaseToken implements memocore.TokenReleaser with a single conditional
// DELETE so the compare and the delete commit together.
func (b *sqlBackend) ReleaseToken(ctx context.Context, key string, token []byte) (bool, error) {
	res, err := b.releaseStmt.ExecContext(ctx, b.cacheKey(key), token)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Flush implements memocore.Flusher.
func (b *sqlBackend) Flush(ctx context.Context) error {
	_, err := b.flushStmt.ExecContext(ctx)
	return err
}

func (b *sqlBackend) cacheKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + ":" + key
}

func (b *sqlBackend) upsertSQL() string {
	// Placeholders must be positional for postgres/pgx.
	p1, p2, p3, p4, p5 := b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5)
	switch b.driverName {
	case "postgres", "pgx":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT (k) DO UPDATE SET v = %s, ea = %s", b.table, p1, p2, p3, p4, p5)
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON DUPLICATE KEY UPDATE v = %s, ea = %s", b.table, p1, p2, p3, p4, p5)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT(k) DO UPDATE SET v = %s, ea = %s", b.table, p1, p2, p3, p4, p5)
	}
}

func (b *sqlBackend) getSQL() string {
	return fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", b.table, b.ph(1))
}

func (b *sqlBackend) addInsertSQL() string {
	return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s)", b.table, b.ph(1), b.ph(2), b.ph(3))
}

func (b *sqlBackend) addReuseExpiredSQL() string {
	return fmt.Sprintf("UPDATE %s SET v = %s, ea = %s WHERE k = %s AND ea < %s", b.table, b.ph(1), b.ph(2), b.ph(3), b.ph(4))
}

func (b *sqlBackend) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE k = %s", b.table, b.ph(1))
}

func (b *sqlBackend) releaseSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE k = %s AND v = %s", b.table, b.ph(1), b.ph(2))
}

func (b *sqlBackend) flushSQL() string {
	return fmt.Sprintf("DELETE FROM %s", b.table)
}

func (b *sqlBackend) prepareStatements() error {
	var err error
	if b.getStmt, err = b.db.Prepare(b.getSQL()); err != nil {
		return err
	}
	if b.upsertStmt, err = b.db.Prepare(b.upsertSQL()); err != nil {
		return err
	}
	if b.addInsertStmt, err = b.db.Prepare(b.addInsertSQL()); err != nil {
		return err
	}
	if b.addReuseStmt, err = b.db.Prepare(b.addReuseExpiredSQL()); err != nil {
		return err
	}
	if b.deleteStmt, err = b.db.Prepare(b.deleteSQL()); err != nil {
		return err
	}
	if b.releaseStmt, err = b.db.Prepare(b.releaseSQL()); err != nil {
		return err
	}
	if b.flushStmt, err = b.db.Prepare(b.flushSQL()); err != nil {
		return err
	}
	return nil
}

func (b *sqlBackend) ph(i int) string {
	if b.driverName == "postgres" || b.driverName == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func isDuplicateErr(err error, driver string) bool {
	msg := err.Error()
	switch driver {
	case "postgres", "pgx":
		return strings.Contains(msg, "duplicate key value")
	case "mysql":
		return strings.Contains(msg, "Duplicate entry")
	default:
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "unique constraint")
	}
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("memo: sql table name is required")
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return fmt.Errorf("memo: invalid sql table name %q", name)
		}
	}
	return nil
}

var (
	_ memocore.AtomicAdder   = (*sqlBackend)(nil)
	_ memocore.TokenReleaser = (*sqlBackend)(nil)
	_ memocore.Flusher       = (*sqlBackend)(nil)
)
