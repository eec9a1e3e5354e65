// Package main contains the cli implementation of the engine. It uses
// cobra for cli tool implementation.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flashseries/tsdb"
	"github.com/flashseries/tsdb/stream"
)

func main() {
	var dataDir string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "tsdb",
		Short: "Append-only time-series storage engine",
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "data directory")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(createSeriesCmd(&dataDir, &verbose))
	rootCmd.AddCommand(insertCmd(&dataDir, &verbose))
	rootCmd.AddCommand(readCmd(&dataDir, &verbose))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB(ctx context.Context, dataDir string, verbose bool) (*tsdb.DB, error) {
	var opts []tsdb.Option
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		opts = append(opts, tsdb.WithLogger(log))
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return tsdb.Open(ctx, dataDir, opts...)
}

func createSeriesCmd(dataDir *string, verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-series <name> <format>",
		Short: "Create a series with the given row format, or verify it already exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openDB(ctx, *dataDir, *verbose)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := db.CreateSeries(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("series %q created with id %d\n", args[0], id)
			return nil
		},
	}
	return cmd
}

func insertCmd(dataDir *string, verbose *bool) *cobra.Command {
	var withFormat bool
	var format string
	var timestampLayout string

	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Read \"key timestamp value...\" lines from stdin and insert them",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !withFormat && format == "" {
				return fmt.Errorf("--format is required unless --with-format is set")
			}

			ctx := context.Background()
			db, err := openDB(ctx, *dataDir, *verbose)
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.BeginWrite(ctx)
			if err != nil {
				return err
			}
			defer tx.Close()

			opts := stream.Options{TimestampLayout: timestampLayout}
			if withFormat {
				err = stream.IngestWithFormat(tx, os.Stdin, opts)
			} else {
				err = stream.Ingest(tx, format, os.Stdin, opts)
			}
			if err != nil {
				return err
			}
			return tx.Commit()
		},
	}
	cmd.Flags().BoolVar(&withFormat, "with-format", false, "each line carries its own format string")
	cmd.Flags().StringVar(&format, "format", "", "shared row format for every line")
	cmd.Flags().StringVar(&timestampLayout, "timestamp-layout", "", "Go time layout for timestamps (default: epoch nanoseconds)")
	return cmd
}

func readCmd(dataDir *string, verbose *bool) *cobra.Command {
	var timestampLayout string

	cmd := &cobra.Command{
		Use:   "read <name> <first-ts> <last-ts>",
		Short: "Print every row of a series in [first-ts, last-ts] to stdout",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openDB(ctx, *dataDir, *verbose)
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.BeginRead(ctx)
			if err != nil {
				return err
			}
			defer tx.Close()

			id, err := tx.SeriesID(args[0])
			if err != nil {
				return err
			}
			var first, last uint64
			if _, err := fmt.Sscanf(args[1], "%d", &first); err != nil {
				return fmt.Errorf("parse first-ts: %w", err)
			}
			if _, err := fmt.Sscanf(args[2], "%d", &last); err != nil {
				return fmt.Errorf("parse last-ts: %w", err)
			}

			return stream.Export(tx, id, args[0], first, last, os.Stdout, stream.Options{TimestampLayout: timestampLayout})
		},
	}
	cmd.Flags().StringVar(&timestampLayout, "timestamp-layout", "", "Go time layout for timestamps (default: epoch nanoseconds)")
	return cmd
}
