package auth

import (
	"context"
	"embed"
	"io/fs"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/goliatone/go-auth-actions/queue"
)

//go:embed data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the SQL migration files for this package
func GetMigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationsFS, "data/sql/migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrations returns the users and logs migrations followed by the
// queue_jobs migration from the queue package
func Migrations() (*migrate.Migrations, error) {
	ms := migrate.NewMigrations()
	if err := ms.Discover(GetMigrationsFS()); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to discover migrations")
	}
	for _, m := range queue.Migrations.Sorted() {
		ms.Add(m)
	}
	return ms, nil
}

// Migrate applies pending migrations and returns how many ran
func Migrate(ctx context.Context, db *bun.DB, logger Logger) (int, error) {
	if logger == nil {
		logger = defLogger{}
	}

	ms, err := Migrations()
	if err != nil {
		return 0, err
	}

	migrator := migrate.NewMigrator(db, ms)
	if err := migrator.Init(ctx); err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to init migrations table")
	}

	if err := migrator.Lock(ctx); err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to lock migrations")
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to run migrations")
	}

	if group.IsZero() {
		logger.Debug("no new migrations to run")
		return 0, nil
	}

	logger.Info("migrated database", "group", group.ID, "migrations", len(group.Migrations))
	return len(group.Migrations), nil
}
