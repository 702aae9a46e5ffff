// Package postgres is the production storage.Store. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers pass over rows
// another claim transaction holds instead of blocking on them.
package postgres

import (
	"context"
	"embed"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ storage.Store = (*Store)(nil)

type Store struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func New(db *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("postgres")}
}

// Open connects a pool for dsn and verifies connectivity.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify(err, "connect")
	}
	s := New(pool, log)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "postgres: migrations fs")
	}
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return errors.Wrap(err, "postgres: migration provider")
	}
	results, err := p.Up(ctx)
	if err != nil {
		return classify(err, "migrate")
	}
	for _, r := range results {
		s.log.Info("applied migration", zap.String("file", r.Source.Path), zap.Duration("took", r.Duration))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.Ping(ctx), "ping")
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Pool exposes the pool for callers that need advisory locks.
func (s *Store) Pool() *pgxpool.Pool { return s.db }
