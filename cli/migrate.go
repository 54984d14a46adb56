package cli

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
)

func init() {
	RootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the database schema",
	Long: `migrate creates the authoring tables (flows, nodes, connections,
subscriptions) and the runtime tables (sessions, history, traces,
outbox) if they do not exist. Safe to run repeatedly; the server does
the same on startup when database.auto_migrate is set.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("migrate")

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}

		ctx := cmd.Context()
		gdb, err := db.NewGorm(cfg.Database.DSN(), false)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		pool, err := db.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatalf("failed to open pgx pool: %v", err)
		}
		defer pool.Close()

		if err := migrateSchema(ctx, gdb, pool); err != nil {
			log.Fatalf("failed to migrate schema: %v", err)
		}
		log.Info("schema is up to date")
	},
}

// migrateSchema applies both halves of the schema: gorm automigration
// for the authoring tables, plain DDL for the runtime tables.
func migrateSchema(ctx context.Context, gdb *gorm.DB, pool *pgxpool.Pool) error {
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	return db.Migrate(ctx, pool)
}
