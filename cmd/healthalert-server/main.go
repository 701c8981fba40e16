package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medora/healthalert/internal/config"
	"github.com/medora/healthalert/internal/domain/cds"
	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/inbox"
	"github.com/medora/healthalert/internal/domain/portal"
	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/platform/db"
	"github.com/medora/healthalert/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "healthalert-server",
		Short:        "Patient and doctor health dashboard API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(feedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsDev() {
				logger.Warn().Msg("running in development mode; do not expose this instance")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return a.run(ctx, ":"+cfg.Port)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres event log schema",
	}

	newMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required")
		}
		logger := newLogger(cfg)
		pool, err := db.NewPool(cmd.Context(), db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return nil, nil, err
		}
		schema, _ := cmd.Flags().GetString("schema")
		return db.NewMigrator(pool, migrations.FS, logger, db.WithSchema(schema)), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer done()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer done()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema")
		cmd.AddCommand(c)
	}
	return cmd
}

// offline wires the read side without an HTTP server for the CLI commands.
type offline struct {
	engine *cds.Engine
	feeds  *inbox.Service
	views  *portal.Service
	close  func() error
}

func openOffline(ctx context.Context) (*offline, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// keep command output clean
	logger = logger.Level(zerolog.WarnLevel)

	b, err := openEventLog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	src, err := referenceSource(ctx, cfg)
	if err != nil {
		b.close()
		return nil, err
	}
	accessor := reference.NewAccessor(src, logger)
	store := eventlog.NewStore(b.kv, logger)

	engine := cds.NewEngine(logger)
	feeds := inbox.NewService(store, accessor, logger)
	return &offline{
		engine: engine,
		feeds:  feeds,
		views:  portal.NewService(accessor, store, engine, feeds, logger),
		close:  b.close,
	}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <patientID>",
		Short: "Print the clinical evaluation for a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline(cmd.Context())
			if err != nil {
				return err
			}
			defer o.close()

			p, ref, err := o.views.ResolvePatient(cmd.Context(), reference.NormalizeID(args[0]))
			if err != nil {
				return fmt.Errorf("patient %s: %w", args[0], err)
			}
			return printJSON(cmd, o.engine.Evaluate(p, ref))
		},
	}
}

func feedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed <patientID>",
		Short: "Print a patient's notification feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderFlag, _ := cmd.Flags().GetString("order")
			typeFlag, _ := cmd.Flags().GetString("type")
			order := inbox.ParseOrder(orderFlag, inbox.Descending)
			itemType, err := inbox.ParseItemType(typeFlag)
			if err != nil {
				return err
			}

			o, err := openOffline(cmd.Context())
			if err != nil {
				return err
			}
			defer o.close()

			p, _, err := o.views.ResolvePatient(cmd.Context(), reference.NormalizeID(args[0]))
			if err != nil {
				return fmt.Errorf("patient %s: %w", args[0], err)
			}
			return printJSON(cmd, o.feeds.PatientFeed(cmd.Context(), p, inbox.FeedQuery{Order: order, Type: itemType}))
		},
	}
	cmd.Flags().String("order", string(inbox.Descending), "Sort order: asc or desc")
	cmd.Flags().String("type", string(inbox.TypeAll), "Item type: all, message, lab-order or appointment")
	return cmd
}
