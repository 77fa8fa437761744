// Package cli is the kittgraph command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // YAML config path; missing file means defaults
	DataDir string // overrides data_dir when set
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kittgraph CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kittgraph",
		Short: "kittgraph - embedded entity graph",
		Long: `An embedded store for a knowledge graph of entities and relationships
extracted from notes, with a write-ahead log, snapshots and a hot cache.`,
		SilenceErrors: true, // main prints errors that commands did not report
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "kittgraph.yaml", "config file")
	cmd.PersistentFlags().StringVarP(&opts.DataDir, "data-dir", "d", "", "data directory (overrides config)")

	// entities
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewFindCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))
	cmd.AddCommand(NewAliasCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewMergeCommand(opts))

	// relationships
	cmd.AddCommand(NewLinkCommand(opts))
	cmd.AddCommand(NewUnlinkCommand(opts))
	cmd.AddCommand(NewEdgesCommand(opts))
	cmd.AddCommand(NewNoteDeletedCommand(opts))
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewNeighborhoodCommand(opts))

	// maintenance
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
