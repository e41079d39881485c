// Command synapsdctl is a small ops CLI over an opened synapsd.Index: stats,
// backup, and gc. It is operational tooling over the library, not a query or
// schema-authoring surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentic-research/synapsd"
	"github.com/spf13/cobra"
)

var (
	dbPath string
	asJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "synapsdctl",
	Short: "Operational tooling for a synapsd workspace",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "path to the workspace's SQLite file (required)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	_ = rootCmd.MarkPersistentFlagRequired("db")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(gcCmd)
}

func openIndex() (*synapsd.Index, error) {
	return synapsd.Open(synapsd.Options{Path: dbPath})
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report document count, per-dataset key counts, and bitmap cache hit/miss counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := openIndex()
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer idx.Close()

		stats, err := idx.Stats()
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "documents: %d\n", stats.DocumentCount)
		fmt.Fprintf(cmd.OutOrStdout(), "bitmap cache: %d hits, %d misses\n", stats.BitmapCache.Hits, stats.BitmapCache.Misses)
		fmt.Fprintln(cmd.OutOrStdout(), "datasets:")
		for name, size := range stats.DatasetSizes {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %d keys\n", name, size)
		}
		return nil
	},
}

var compact bool

var backupCmd = &cobra.Command{
	Use:   "backup [dest-path]",
	Short: "Snapshot the workspace into a fresh SQLite file via VACUUM INTO",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := openIndex()
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer idx.Close()

		if err := idx.Backup(context.Background(), args[0], compact); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backed up %s -> %s\n", dbPath, args[0])
		return nil
	},
}

func init() {
	backupCmd.Flags().BoolVar(&compact, "compact", false, "run PRAGMA optimize on the workspace before copying")
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Untick bitmap entries left behind by documents that no longer exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := openIndex()
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer idx.Close()

		orphans, err := idx.GC()
		if err != nil {
			return fmt.Errorf("gc: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(orphans)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned oid(s)\n", len(orphans))
		return nil
	},
}
