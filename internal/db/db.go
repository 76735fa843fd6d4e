package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("db: not found")

	// ErrDuplicateTemplate is returned when a template name is already taken.
	ErrDuplicateTemplate = errors.New("db: template name already exists")

	// ErrInvalidTemplate is returned when a template document fails validation.
	ErrInvalidTemplate = errors.New("db: invalid template")

	// ErrInvalidSMTPSettings is returned when an SMTP settings document is incomplete.
	ErrInvalidSMTPSettings = errors.New("db: invalid smtp settings")
)

// Store is the Postgres document store for templates and SMTP settings.
type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context, log *zap.Logger) error {
	// The sql.DB shares the pool's connections and must not be closed here.
	sqlDB := stdlib.OpenDBFromPool(s.Pool)

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: log.Sugar()})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

type gooseLogger struct {
	log *zap.SugaredLogger
}

func (g *gooseLogger) Printf(format string, args ...any) {
	g.log.Infof(format, args...)
}

// Fatalf logs at error level; goose returns the error to the caller anyway.
func (g *gooseLogger) Fatalf(format string, args ...any) {
	g.log.Errorf(format, args...)
}
