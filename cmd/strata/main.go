package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantry-labs/strata/internal/config"
	"github.com/gantry-labs/strata/internal/pipeline"
	"github.com/gantry-labs/strata/internal/storage"
	"github.com/gantry-labs/strata/internal/util"
	"github.com/gantry-labs/strata/migrations"
	"github.com/gantry-labs/strata/pkg/logger"
	"github.com/gantry-labs/strata/pkg/logger/console"
	pgxstore "github.com/gantry-labs/strata/pkg/store/pgx"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/spf13/cobra"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	}))

	root := &cobra.Command{
		Use:           "strata",
		Short:         "Temporal ownership-graph windowing and feature extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), migrateCmd(), windowsCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Fatal("Command failed", "err", err)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a windowed feature extraction run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			var uploader pipeline.Uploader
			if cfg.UploadS3 {
				s3up, err := storage.NewS3Uploader(ctx)
				if err != nil {
					return err
				}
				uploader = s3up
			}

			st := pgxstore.NewGraphDBStore(pool)
			res, err := pipeline.New(cfg, st, uploader).Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("run %s finished: %d rows, output %s\n", res.RunID, res.Rows, res.OutputDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the run configuration YAML")
	cmd.MarkFlagRequired("config")
	return cmd
}

func migrateCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and backfill stable ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			databaseURL, err := util.RequireEnv("DATABASE_URL")
			if err != nil {
				return err
			}

			src, err := iofs.New(migrations.FS, ".")
			if err != nil {
				return fmt.Errorf("failed to open embedded migrations: %w", err)
			}
			m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
			if err != nil {
				return fmt.Errorf("failed to initialize migrations: %w", err)
			}
			defer m.Close()

			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			logger.Info("[Migrate] Schema up to date")

			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			st := pgxstore.NewGraphDBStore(pool)
			missing, err := st.CountMissingStableIDs(ctx)
			if err != nil {
				return err
			}
			if missing == 0 {
				logger.Info("[Migrate] All entities carry stable ids")
				return nil
			}
			logger.Info("[Migrate] Backfilling stable ids", "missing", missing)

			started := time.Now()
			assigned, err := st.BackfillStableIDs(ctx, batchSize)
			if err != nil {
				return err
			}
			logger.Info("[Migrate] Backfill complete", "assigned", assigned, "duration", time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "entities per backfill transaction")
	return cmd
}

func windowsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "windows",
		Short: "Print the window plan a configuration would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			plan, err := cfg.Plan()
			if err != nil {
				return err
			}

			fmt.Printf("%d windows, width %d ms, step %d ms, overlapping=%v\n",
				len(plan.Windows), plan.Width, plan.Step, plan.Overlapping)
			for _, w := range plan.Windows {
				fmt.Printf("  %-12s [%s, %s)\n",
					w.ID,
					time.UnixMilli(w.Start).UTC().Format(time.RFC3339),
					time.UnixMilli(w.End).UTC().Format(time.RFC3339),
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the run configuration YAML")
	cmd.MarkFlagRequired("config")
	return cmd
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	databaseURL, err := util.RequireEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}
