package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/persist"
	"github.com/kittclouds/kittgraph/internal/registry"
	"github.com/kittclouds/kittgraph/internal/store"
)

// StatsReport is the stats command payload.
type StatsReport struct {
	Graph       registry.DetailedStats  `json:"graph"`
	Persistence persist.Status          `json:"persistence"`
	Recovery    *persist.RecoveryResult `json:"recovery"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show graph, cache and persistence statistics",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				report := StatsReport{
					Graph:       a.Registry.DetailedStats(),
					Persistence: a.Engine.Status(),
					Recovery:    a.Recovery,
				}
				return out.Success(report, func(w io.Writer) { printStats(w, report) })
			})
		},
	}
}

func printStats(w io.Writer, r StatsReport) {
	g := r.Graph
	fmt.Fprintf(w, "Entities:       %d\n", g.TotalEntities)
	kinds := make([]string, 0, len(g.ByKind))
	for k := range g.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-12s  %d\n", k, g.ByKind[store.Kind(k)])
	}
	fmt.Fprintf(w, "Relationships:  %d (avg confidence %.2f)\n", g.TotalRelationships, g.AverageConfidence)
	fmt.Fprintf(w, "Orphans:        %d\n", g.Orphans)
	fmt.Fprintf(w, "Cache:          %d entities, %d relationships, %d hits, %d misses\n",
		g.Cache.Entities, g.Cache.Relationships, g.Cache.Hits, g.Cache.Misses)
	if len(g.TopMentioned) > 0 {
		fmt.Fprintln(w, "Most mentioned:")
		for _, m := range g.TopMentioned {
			fmt.Fprintf(w, "  %-24s %d\n", m.Label, m.Mentions)
		}
	}

	p := r.Persistence
	fmt.Fprintf(w, "WAL sequence:   %d (%d mutations since last compaction)\n", p.Sequence, p.Mutations)
	if !p.LastCompaction.IsZero() {
		fmt.Fprintf(w, "Last compacted: %s\n", p.LastCompaction.Format("2006-01-02 15:04:05"))
	}
	if r.Recovery != nil {
		fmt.Fprintf(w, "Recovery:       snapshot=%t replayed=%d skipped=%d failed=%d\n",
			r.Recovery.SnapshotLoaded, r.Recovery.Replayed, r.Recovery.Skipped, len(r.Recovery.Failed))
		for _, warning := range r.Recovery.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warning)
		}
	}
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "compact",
		Short:         "Write a snapshot and truncate the write-ahead log",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				err := a.Engine.Compact(commandContext(cmd))
				if errors.Is(err, persist.ErrCompactionInProgress) {
					return out.Fail(ExitFailure, ErrCodeGeneric, "compaction already running", err)
				}
				if err != nil {
					return out.Fail(ExitFailure, ErrCodeIO, "compaction failed", err)
				}
				status := a.Engine.Status()
				return out.Success(status, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Compacted through sequence %d\n", status.Sequence)
				})
			})
		},
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file|->",
		Short: "Write a backup of the whole graph",
		Long: `Write a versioned backup file. With "-" the backup goes to standard
output as-is, without the JSON response envelope.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				ctx := commandContext(cmd)
				if args[0] == "-" {
					if _, err := a.ExportBackup(ctx, cmd.OutOrStdout()); err != nil {
						return out.Fail(ExitFailure, ErrCodeIO, "export failed", err)
					}
					return nil
				}

				f, err := os.Create(args[0])
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeIO, "failed to create backup file", err)
				}
				meta, err := a.ExportBackup(ctx, f)
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return out.Fail(ExitFailure, ErrCodeIO, "export failed", err)
				}
				return out.Success(meta, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Exported %d entities from %d notes to %s\n", meta.EntityCount, meta.NoteCount, args[0])
				})
			})
		},
	}
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "import <file|->",
		Short:         "Replace the graph with a backup",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return newFormatter(rootOpts, cmd).Fail(ExitCommandError, ErrCodeIO, "failed to open backup file", err)
				}
				defer f.Close()
				in = f
			}
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				meta, err := a.ImportBackup(commandContext(cmd), in)
				if err != nil {
					return failOp(out, "import failed", err)
				}
				return out.Success(meta, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Imported %d entities (backup from %s)\n", meta.EntityCount, meta.AppVersion)
				})
			})
		},
	}
}
