package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/mnemos/internal/mnemos/app"
	"github.com/bdobrica/mnemos/internal/mnemos/memory"
)

var (
	storeImportance   float64
	storeRelatedTo    string
	storeRelationType string
	storeStrength     float64
	storeJSON         bool

	retrieveLimit         int
	retrieveMinImportance float64
	retrieveContext       int

	searchTopK int

	relateType     string
	relateStrength float64

	storeCmd = &cobra.Command{
		Use:   "store <category> <content>",
		Short: "Store a record and print its id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := parseContent(args[1], storeJSON)
			if err != nil {
				return err
			}
			opts := []memory.StoreOption{memory.WithImportance(storeImportance)}
			if storeRelatedTo != "" {
				opts = append(opts, memory.WithRelatedTo(storeRelatedTo))
				if cmd.Flags().Changed("relation-type") || cmd.Flags().Changed("strength") {
					strength := storeStrength
					if !cmd.Flags().Changed("strength") {
						strength = storeImportance
					}
					opts = append(opts, memory.WithRelation(storeRelationType, strength))
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := a.Manager.Store(ctx, content, args[0], opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	retrieveCmd = &cobra.Command{
		Use:   "retrieve <category>",
		Short: "List recent records in a category, most important first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := a.Manager.Retrieve(ctx, args[0], memory.RetrieveOptions{
					Limit:         retrieveLimit,
					MinImportance: retrieveMinImportance,
					ContextSize:   retrieveContext,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}

	getCmd = &cobra.Command{
		Use:   "get <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Manager.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record and its relations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Manager.Delete(ctx, args[0])
			})
		},
	}

	relateCmd = &cobra.Command{
		Use:   "relate <source-id> <target-id>",
		Short: "Create or overwrite a relation between two records",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Manager.Relate(ctx, memory.Relation{
					SourceID: args[0],
					TargetID: args[1],
					Type:     relateType,
					Strength: relateStrength,
				})
			})
		},
	}

	searchCmd = &cobra.Command{
		Use:   "search <category> <query>",
		Short: "Rank records in a category by similarity to a query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				hits, err := a.Manager.SearchSimilar(ctx, args[0], args[1], searchTopK)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), hits)
			})
		},
	}
)

// parseContent returns raw as a string, or decoded as a JSON value.
func parseContent(raw string, asJSON bool) (any, error) {
	if !asJSON {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, memory.Validationf("store", "content is not valid JSON: %v", err)
	}
	return v, nil
}

func init() {
	storeCmd.Flags().Float64Var(&storeImportance, "importance", 0.5, "importance in [0, 1]")
	storeCmd.Flags().StringVar(&storeRelatedTo, "related-to", "", "id of an existing record to link to")
	storeCmd.Flags().StringVar(&storeRelationType, "relation-type", memory.DefaultRelationType, "type of the --related-to relation")
	storeCmd.Flags().Float64Var(&storeStrength, "strength", 0.5, "strength of the --related-to relation (default: the importance)")
	storeCmd.Flags().BoolVar(&storeJSON, "json", false, "parse content as a JSON value")

	retrieveCmd.Flags().IntVarP(&retrieveLimit, "limit", "n", 10, "maximum number of records")
	retrieveCmd.Flags().Float64Var(&retrieveMinImportance, "min-importance", 0, "skip records below this importance")
	retrieveCmd.Flags().IntVar(&retrieveContext, "context", 0, "related records per result (0: configured depth, -1: none)")

	searchCmd.Flags().IntVarP(&searchTopK, "top", "k", 5, "number of results")

	relateCmd.Flags().StringVar(&relateType, "type", memory.DefaultRelationType, "relation type")
	relateCmd.Flags().Float64Var(&relateStrength, "strength", 0.5, "relation strength in [0, 1]")

	rootCmd.AddCommand(storeCmd, retrieveCmd, getCmd, deleteCmd, relateCmd, searchCmd)
}
