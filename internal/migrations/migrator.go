package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed sql/*.sql
var files embed.FS

func Run(ctx context.Context, dsn string, log zerolog.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil { return fmt.Errorf("open sql db: %w", err) }
	defer db.Close()

	if err := db.PingContext(ctx); err != nil { return fmt.Errorf("ping db: %w", err) }

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil { return fmt.Errorf("init migrate driver: %w", err) }

	source, err := iofs.New(files, "sql")
	if err != nil { return fmt.Errorf("load migrations: %w", err) }

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil { return fmt.Errorf("create migrate instance: %w", err) }
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Msg("migrations applied")
	return nil
}
