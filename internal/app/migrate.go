package app

import (
	"context"
	"errors"
	"fmt"

	"treasury-metrics/internal/storage"
	"treasury-metrics/internal/storage/migrations"
)

// Migrate applies the embedded postgres migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.RunPostgres(ctx, pool)
	if err != nil {
		return err
	}
	for _, file := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", file)
	}
	a.Logger.Info().Int("count", len(applied)).Msg("migrations applied")
	return nil
}
