// Package sqlite is a single-host storage.Store on modernc.org/sqlite. SQLite
// has no row locks; a claim is one UPDATE ... WHERE id = (SELECT ...)
// RETURNING statement, which the database-wide write lock makes atomic.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ storage.Store = (*Store)(nil)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	// One writer at a time; readers share the same connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.Named("sqlite")}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "sqlite: migrations fs")
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return errors.Wrap(err, "sqlite: migration provider")
	}
	results, err := p.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "sqlite: migrate")
	}
	for _, r := range results {
		s.log.Debug("applied migration", zap.String("file", r.Source.Path))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx), "ping")
}

func (s *Store) Close() error { return s.db.Close() }

func isDuplicateKey(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
		return true
	}
	return false
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return errors.Wrapf(domain.ErrStoreUnavailable, "sqlite: %s: %v", op, err)
	}
	return errors.Wrapf(err, "sqlite: %s", op)
}
