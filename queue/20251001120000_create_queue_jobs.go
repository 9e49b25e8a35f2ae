package queue

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations creates the queue_jobs table used by SQLStore
var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewCreateTable().
			Model((*jobRecord)(nil)).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}

		_, err := db.NewCreateIndex().
			Model((*jobRecord)(nil)).
			Index("queue_jobs_claim_idx").
			IfNotExists().
			Column("topic", "status", "priority", "seq").
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().
			Model((*jobRecord)(nil)).
			IfExists().
			Exec(ctx)
		return err
	})
}
