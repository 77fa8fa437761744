package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/registry"
	"github.com/kittclouds/kittgraph/internal/store"
)

func printRelationship(w io.Writer, r *registry.Registry, rel *store.Relationship) {
	label := func(id string) string {
		if e := r.GetEntityByID(id); e != nil {
			return e.Label
		}
		return id
	}
	fmt.Fprintf(w, "%s  %s -[%s]-> %s  confidence=%.2f  sources=%d\n",
		rel.ID, label(rel.SourceID), rel.Type, label(rel.TargetID), rel.Confidence, len(rel.Provenance))
}

// NewLinkCommand creates the link command.
func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		confidence    float64
		source        string
		origin        string
		context       string
		inverse       string
		bidirectional bool
	)
	cmd := &cobra.Command{
		Use:   "link <source> <target> <type>",
		Short: "Record a relationship between two entities",
		Long: `Record source -[type]-> target. Linking an existing pair again adds
provenance; the relationship confidence is the highest confidence seen.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				from := resolveEntity(a.Registry, args[0])
				if from == nil {
					return entityNotFound(out, args[0])
				}
				to := resolveEntity(a.Registry, args[1])
				if to == nil {
					return entityNotFound(out, args[1])
				}
				rel, err := a.Registry.AddRelationship(from.ID, to.ID, args[2], store.Provenance{
					Source:     source,
					OriginID:   origin,
					Confidence: confidence,
					Context:    context,
				}, registry.RelationshipOptions{InverseType: inverse, Bidirectional: bidirectional})
				if err != nil {
					return failOp(out, "failed to add relationship", err)
				}
				return out.Success(rel, func(w io.Writer) { printRelationship(w, a.Registry, rel) })
			})
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "confidence in [0,1]")
	cmd.Flags().StringVar(&source, "source", "user", "provenance source")
	cmd.Flags().StringVarP(&origin, "note", "n", "", "note or document the relationship came from")
	cmd.Flags().StringVar(&context, "context", "", "supporting text")
	cmd.Flags().StringVar(&inverse, "inverse", "", "inverse relationship type")
	cmd.Flags().BoolVar(&bidirectional, "bidirectional", false, "relationship holds both ways")
	return cmd
}

// NewUnlinkCommand creates the unlink command.
func NewUnlinkCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unlink <relationship-id>",
		Short:         "Delete a relationship",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				deleted, err := a.Registry.DeleteRelationship(args[0])
				if err != nil {
					return failOp(out, "failed to delete relationship", err)
				}
				if !deleted {
					return out.Fail(ExitFailure, ErrCodeNotFound, "relationship not found: "+args[0], nil)
				}
				return out.Success(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Deleted relationship %s\n", args[0])
				})
			})
		},
	}
}

// NewEdgesCommand creates the edges command.
func NewEdgesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "edges <entity>",
		Short:         "List relationships touching an entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				e := resolveEntity(a.Registry, args[0])
				if e == nil {
					return entityNotFound(out, args[0])
				}
				rels := a.Registry.GetRelationshipsForEntity(e.ID)
				return out.Success(rels, func(w io.Writer) {
					if len(rels) == 0 {
						fmt.Fprintln(w, "No relationships")
					}
					for _, rel := range rels {
						printRelationship(w, a.Registry, rel)
					}
				})
			})
		},
	}
}

// NewNoteDeletedCommand creates the note-deleted command.
func NewNoteDeletedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "note-deleted <note-id>",
		Short: "Drop mentions and provenance that came from a deleted note",
		Long: `Remove the note's mentions and the provenance it contributed.
Relationships left without provenance are deleted; the rest have their
confidence recalculated.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				res, err := a.Registry.OnNoteDeleted(args[0])
				if err != nil {
					return failOp(out, "failed to clean up note", err)
				}
				return out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Note %s cleaned up: %d provenance removed, %d relationships deleted, %d updated\n",
						args[0], res.ProvenanceRemoved, res.RelationshipsDeleted, res.RelationshipsUpdated)
				})
			})
		},
	}
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "scan [file]",
		Short:         "Find known entity names in text",
		Long:          `Scan a file, or standard input when no file is given, for entity labels and aliases.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				text []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				text, err = os.ReadFile(args[0])
			} else {
				text, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return newFormatter(rootOpts, cmd).Fail(ExitCommandError, ErrCodeIO, "failed to read text", err)
			}
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				matches := a.Registry.ScanText(string(text))
				return out.Success(matches, func(w io.Writer) {
					if len(matches) == 0 {
						fmt.Fprintln(w, "No matches")
					}
					for _, m := range matches {
						fmt.Fprintf(w, "%d-%d  %q  -> %s (%s)\n", m.Start, m.End, m.Text, m.Label, m.Kind)
					}
				})
			})
		},
	}
}

// NewNeighborhoodCommand creates the neighborhood command.
func NewNeighborhoodCommand(rootOpts *RootOptions) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:           "neighborhood <entity>",
		Short:         "Show the entities within a number of hops of an entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				e := resolveEntity(a.Registry, args[0])
				if e == nil {
					return entityNotFound(out, args[0])
				}
				sub, err := a.Registry.Neighborhood(e.ID, depth)
				if err != nil {
					return failOp(out, "failed to build neighborhood", err)
				}
				view := sub.View()
				return out.Success(view, func(w io.Writer) {
					labels := make(map[string]string, len(view.Nodes))
					for _, n := range view.Nodes {
						labels[n.ID] = n.Label
						fmt.Fprintf(w, "%s (%s)\n", n.Label, n.Kind)
					}
					for _, edge := range view.Edges {
						fmt.Fprintf(w, "  %s -[%s]-> %s  confidence=%.2f\n",
							labels[edge.Source], edge.Type, labels[edge.Target], edge.Confidence)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "number of hops to follow")
	return cmd
}
