package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/registry"
	"github.com/kittclouds/kittgraph/internal/store"
)

func printEntity(w io.Writer, e *store.Entity) {
	fmt.Fprintf(w, "%s  %s (%s)", e.ID, e.Label, e.Kind)
	if e.Subtype != "" {
		fmt.Fprintf(w, " [%s]", e.Subtype)
	}
	fmt.Fprintf(w, "  mentions=%d", e.TotalMentions)
	if len(e.Aliases) > 0 {
		fmt.Fprintf(w, "  aka %s", strings.Join(e.Aliases, ", "))
	}
	fmt.Fprintln(w)
}

func printEntities(entities []*store.Entity) func(io.Writer) {
	return func(w io.Writer) {
		if len(entities) == 0 {
			fmt.Fprintln(w, "No entities")
			return
		}
		for _, e := range entities {
			printEntity(w, e)
		}
	}
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		kind      string
		note      string
		subtype   string
		narrative string
		aliases   []string
	)
	cmd := &cobra.Command{
		Use:   "register <label>",
		Short: "Register an entity or count another mention of it",
		Long: `Register an entity by label. A label or alias that is already known
resolves to the existing entity, which gains the mention and any new aliases.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				e, err := a.Registry.RegisterEntity(args[0], kind, note, registry.RegisterOptions{
					Subtype:     subtype,
					Aliases:     aliases,
					NarrativeID: narrative,
				})
				if err != nil {
					return failOp(out, "failed to register entity", err)
				}
				return out.Success(e, func(w io.Writer) { printEntity(w, e) })
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(store.KindCharacter), "entity kind")
	cmd.Flags().StringVarP(&note, "note", "n", "", "note the entity was seen in")
	cmd.Flags().StringVar(&subtype, "subtype", "", "free-form subtype")
	cmd.Flags().StringVar(&narrative, "narrative", "", "narrative id")
	cmd.Flags().StringSliceVarP(&aliases, "alias", "a", nil, "alternate name (repeatable)")
	return cmd
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "find <label|alias|id>",
		Short:         "Look up one entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				e := resolveEntity(a.Registry, args[0])
				if e == nil {
					return entityNotFound(out, args[0])
				}
				return out.Success(e, func(w io.Writer) { printEntity(w, e) })
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var kind, narrative string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List entities",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				filter := store.EntityFilter{NarrativeID: narrative}
				if kind != "" {
					k, err := store.ParseKind(kind)
					if err != nil {
						return failOp(out, "invalid kind", err)
					}
					filter.Kind = k
				}
				entities := a.Registry.ListEntities(filter)
				return out.Success(entities, printEntities(entities))
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "only this kind")
	cmd.Flags().StringVar(&narrative, "narrative", "", "only this narrative")
	return cmd
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "search <query>",
		Short:         "Search entities by label and alias words",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				entities := a.Registry.SearchEntities(strings.Join(args, " "), limit)
				return out.Success(entities, printEntities(entities))
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum results")
	return cmd
}

// NewAliasCommand creates the alias command.
func NewAliasCommand(rootOpts *RootOptions) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:           "alias <entity> <alias>",
		Short:         "Add or remove an alias",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				e := resolveEntity(a.Registry, args[0])
				if e == nil {
					return entityNotFound(out, args[0])
				}
				op := a.Registry.AddAlias
				if remove {
					op = a.Registry.RemoveAlias
				}
				changed, err := op(e.ID, args[1])
				if err != nil {
					return failOp(out, "failed to update alias", err)
				}
				if !changed && !remove {
					return out.Fail(ExitFailure, ErrCodeConflict, fmt.Sprintf("alias %q not added", args[1]), nil)
				}
				updated := a.Registry.GetEntityByID(e.ID)
				return out.Success(updated, func(w io.Writer) { printEntity(w, updated) })
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove instead of add")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <entity>",
		Short:         "Delete an entity and everything attached to it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				e := resolveEntity(a.Registry, args[0])
				if e == nil {
					return entityNotFound(out, args[0])
				}
				if _, err := a.Registry.DeleteEntity(e.ID); err != nil {
					return failOp(out, "failed to delete entity", err)
				}
				return out.Success(map[string]string{"deleted": e.ID}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Deleted %s (%s)\n", e.Label, e.ID)
				})
			})
		},
	}
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <target> <source>",
		Short: "Merge source into target",
		Long: `Merge the source entity into the target. The source label and aliases
become target aliases, mentions and metadata move over and relationships
are re-pointed. The source is deleted.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(a *app.App, out *OutputFormatter) error {
				target := resolveEntity(a.Registry, args[0])
				if target == nil {
					return entityNotFound(out, args[0])
				}
				source := resolveEntity(a.Registry, args[1])
				if source == nil {
					return entityNotFound(out, args[1])
				}
				merged, err := a.Registry.MergeEntities(target.ID, source.ID)
				if err != nil {
					return failOp(out, "failed to merge", err)
				}
				if !merged {
					return out.Fail(ExitFailure, ErrCodeInvalid, "nothing merged: source and target are the same entity", nil)
				}
				e := a.Registry.GetEntityByID(target.ID)
				return out.Success(e, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Merged %s into %s\n", source.Label, target.Label)
					printEntity(w, e)
				})
			})
		},
	}
}
