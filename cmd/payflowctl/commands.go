package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"payflow/internal/cache"
	"payflow/internal/cli"
	"payflow/internal/core"
	"payflow/internal/statestore"
)

var errAmbiguousID = errors.New("id prefix matches more than one item")

// resolveID accepts a full id or any unique prefix of one.
func resolveID(doc core.Document, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", errors.New("empty id")
	}
	if _, ok := doc.Item(prefix); ok {
		return prefix, nil
	}
	match := ""
	for _, it := range doc.Items {
		if strings.HasPrefix(it.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("%w: %q", errAmbiguousID, prefix)
			}
			match = it.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no item with id %q", prefix)
	}
	return match, nil
}

func parseDirectionArg(s string) (core.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "income", "receive", "in":
		return core.Income, nil
	case "expense", "pay", "out":
		return core.Expense, nil
	default:
		return "", fmt.Errorf("%w: %q (want income or expense)", core.ErrInvalidDirection, s)
	}
}

func newListCmd(a *app) *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recurring items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), func(_ context.Context, _ *cli.Peer, doc core.Document) error {
				items := doc.Items
				if direction != "" {
					dir, err := parseDirectionArg(direction)
					if err != nil {
						return err
					}
					items = core.ItemsByDirection(doc, dir)
				}
				return renderItems(cmd.OutOrStdout(), doc, items, a.cfg.CurrencySymbol)
			})
		},
	}
	cmd.Flags().StringVarP(&direction, "direction", "d", "", "only income or expense items")
	return cmd
}

func newSummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show the totals of the current cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), func(_ context.Context, _ *cli.Peer, doc core.Document) error {
				renderSummary(cmd.OutOrStdout(), core.Summarize(doc), a.cfg.CurrencySymbol)
				return nil
			})
		},
	}
}

func newAddCmd(a *app) *cobra.Command {
	var (
		title, amount, direction, category string
		dueDay                             int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recurring item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			money, err := core.ParseAmount(amount)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			dir, err := parseDirectionArg(direction)
			if err != nil {
				return err
			}
			fields := core.ItemFields{Title: title, Amount: money, Direction: dir, DueDay: dueDay, Category: category}
			if err := fields.Validate(); err != nil {
				return err
			}

			var id string
			_, receipt, err := a.mutate(cmd.Context(), "add_item", func(core.Document) (statestore.Mutation, error) {
				return func(doc core.Document) core.Document {
					next, newID := core.AddItem(doc, fields, nil)
					id = newID
					return next
				}, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", id)
			renderReceipt(cmd.OutOrStdout(), receipt)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "item title")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "amount, e.g. 1500 or 12.50")
	cmd.Flags().StringVarP(&direction, "direction", "d", "expense", "income or expense")
	cmd.Flags().IntVar(&dueDay, "due-day", 1, "day of the month the item is due (1-31)")
	cmd.Flags().StringVarP(&category, "category", "c", "", "category (default General)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newToggleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Mark an item paid/received, or undo it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			next, receipt, err := a.mutate(cmd.Context(), "toggle_item", func(doc core.Document) (statestore.Mutation, error) {
				resolved, err := resolveID(doc, args[0])
				if err != nil {
					return nil, err
				}
				id = resolved
				return func(d core.Document) core.Document { return core.ToggleCompletion(d, id) }, nil
			})
			if err != nil {
				return err
			}
			state := "open"
			if next.IsCompleted(id) {
				state = "settled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", id, state)
			renderReceipt(cmd.OutOrStdout(), receipt)
			return nil
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a recurring item",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			_, receipt, err := a.mutate(cmd.Context(), "remove_item", func(doc core.Document) (statestore.Mutation, error) {
				resolved, err := resolveID(doc, args[0])
				if err != nil {
					return nil, err
				}
				id = resolved
				return func(d core.Document) core.Document { return core.RemoveItem(d, id) }, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
			renderReceipt(cmd.OutOrStdout(), receipt)
			return nil
		},
	}
}

func newThemeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "theme <light|dark>",
		Short:     "Set the display theme",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{core.ThemeLight, core.ThemeDark},
		RunE: func(cmd *cobra.Command, args []string) error {
			theme := args[0]
			_, receipt, err := a.mutate(cmd.Context(), "set_preference", func(core.Document) (statestore.Mutation, error) {
				return func(d core.Document) core.Document { return core.SetPreference(d, core.PrefTheme, theme) }, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Theme set to %s\n", theme)
			renderReceipt(cmd.OutOrStdout(), receipt)
			return nil
		},
	}
}

func newCheckCycleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-cycle",
		Short: "Run the monthly reset check now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), func(ctx context.Context, peer *cli.Peer, before core.Document) error {
				reset := peer.Store.OnForeground(ctx)
				after, _ := peer.Store.Current()
				if reset {
					fmt.Fprintf(cmd.OutOrStdout(), "Cycle rolled over: %s -> %s\n", before.LastResetCycle, after.LastResetCycle)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cycle %s is current\n", after.LastResetCycle)
				return nil
			})
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every item, settled marker and the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			_, receipt, err := a.mutate(cmd.Context(), "reset_all", func(core.Document) (statestore.Mutation, error) {
				return core.ResetAll, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All local data reset")
			renderReceipt(cmd.OutOrStdout(), receipt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List closed cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), func(ctx context.Context, peer *cli.Peer, _ core.Document) error {
				records, err := peer.Backend.Recorder.List(ctx, limit)
				if err != nil {
					return err
				}
				return renderHistory(cmd.OutOrStdout(), records, a.cfg.CurrencySymbol, a.now())
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 12, "number of cycles to show")
	return cmd
}

func newAdviceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "advice",
		Short: "Ask the configured provider for saving tips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), func(ctx context.Context, _ *cli.Peer, doc core.Document) error {
				caches := cache.NewManager(a.logger)
				defer caches.Stop()
				svc := cli.NewAdviceService(ctx, a.cfg, caches, a.logger)
				for i, tip := range svc.Tips(ctx, doc) {
					fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, tip)
				}
				return nil
			})
		},
	}
}
