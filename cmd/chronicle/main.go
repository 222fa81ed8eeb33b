package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/config"
	"github.com/jgrady/chronicle/internal/db"
	"github.com/jgrady/chronicle/internal/export"
	"github.com/jgrady/chronicle/internal/logging"
	"github.com/jgrady/chronicle/internal/store"
	"github.com/jgrady/chronicle/pkg/serializer"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Audit trail maintenance tooling",
		Long:  "Operational commands for the chronicle version store: schema migrations, retention cleanup and history export.",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", ".", "directory containing config.yaml")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newCleanCommand(opts))
	cmd.AddCommand(newExportCommand(opts))

	return cmd
}

// setup loads configuration and builds the shared logger.
func setup(opts *rootOptions) (config.Config, *zap.Logger, error) {
	log, err := logging.New(opts.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	cfg, err := config.Load(opts.ConfigPath, log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, log, nil
}

func buildCodec(cfg config.Config) (serializer.Serializer, error) {
	switch strings.ToLower(cfg.Serializer) {
	case "", "json":
		return serializer.JSON{}, nil
	case "yaml":
		return serializer.YAML{}, nil
	default:
		return nil, fmt.Errorf("unsupported serializer: %s", cfg.Serializer)
	}
}

func buildColumnMode(cfg config.Config) (store.ColumnMode, error) {
	switch strings.ToLower(cfg.ObjectColumn) {
	case "", "jsonb":
		return store.ColumnJSONB, nil
	case "text":
		return store.ColumnText, nil
	default:
		return store.ColumnJSONB, fmt.Errorf("unsupported object column mode: %s", cfg.ObjectColumn)
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()
			return db.RunMigrations(cfg.MigrationsPath, cfg.Database, log)
		},
	}
}

func newCleanCommand(opts *rootOptions) *cobra.Command {
	var (
		keepN    int
		itemType string
		itemIDs  []string
		date     string
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete old update versions beyond the retention count",
		Long: `Delete old update and destroy versions, keeping the newest N per record.
Create versions and each record's newest version are always retained.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			filter := store.CleanFilter{ItemType: itemType, ItemIDs: itemIDs}
			if date != "" {
				day, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date, expected YYYY-MM-DD: %w", err)
				}
				filter.Date = &day
			}

			codec, err := buildCodec(cfg)
			if err != nil {
				return err
			}
			mode, err := buildColumnMode(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conn, err := db.NewConnection(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer conn.Close()

			versions := store.NewPostgres(conn.Pool, mode, codec, log)
			cleaner := store.NewCleaner(versions, log)
			deleted, err := cleaner.Clean(ctx, keepN, filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d versions\n", deleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&keepN, "keep", 1, "number of non-create versions to keep per record")
	cmd.Flags().StringVar(&itemType, "item-type", "", "only clean versions of this record type")
	cmd.Flags().StringSliceVar(&itemIDs, "item-id", nil, "only clean versions of these record ids")
	cmd.Flags().StringVar(&date, "date", "", "only clean versions created on this day (YYYY-MM-DD)")

	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		itemType string
		itemID   string
		format   string
		outDir   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export version history to a CSV or XLSX file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			codec, err := buildCodec(cfg)
			if err != nil {
				return err
			}
			mode, err := buildColumnMode(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conn, err := db.NewConnection(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer conn.Close()

			versions := store.NewPostgres(conn.Pool, mode, codec, log)
			var exportOpts []export.Option
			if outDir != "" {
				exportOpts = append(exportOpts, export.WithExportDirectory(outDir))
			}
			service := export.NewService(versions, log, exportOpts...)

			result, err := service.Export(ctx, export.Request{
				ItemType: itemType,
				ItemID:   itemID,
				Format:   export.Format(format),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d versions to %s\n", result.RowsExported, result.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&itemType, "item-type", "", "record type to export (required)")
	cmd.Flags().StringVar(&itemID, "item-id", "", "narrow export to one record id")
	cmd.Flags().StringVar(&format, "format", "csv", "output format (csv|xlsx)")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (defaults to the system temp dir)")
	cmd.MarkFlagRequired("item-type")

	return cmd
}
