package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "clickforge/internal/cli"
	"clickforge/internal/config"
	"clickforge/internal/upgrade"

	"github.com/spf13/cobra"
)

type globals struct {
	apiBase  string
	playerID string
}

func main() {
	cfg := config.LoadCLIFromEnv()
	g := &globals{apiBase: cfg.APIBaseURL, playerID: cfg.PlayerID}

	root := &cobra.Command{
		Use:          "upgr",
		Short:        "Clicker upgrade shop client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.apiBase, "api", g.apiBase, "upgrades API base URL (UPGR_API_BASE_URL)")
	root.PersistentFlags().StringVar(&g.playerID, "player", g.playerID, "player id (UPGR_PLAYER_ID)")

	root.AddCommand(
		newCatalogCmd(g),
		newEffectsCmd(g),
		newPreviewCmd(g),
		newRecommendCmd(g),
		newBuyCmd(g),
		newBulkCmd(g),
		newResetCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(g *globals) (*cl.Client, error) {
	player := strings.TrimSpace(g.playerID)
	if player == "" {
		return nil, fmt.Errorf("player id required: pass --player or set UPGR_PLAYER_ID")
	}
	if err := upgrade.ValidatePlayerID(player); err != nil {
		return nil, err
	}
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(g.apiBase), "/"), player), nil
}

func newCatalogCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "catalog",
		Short:   "List upgrades with your levels and next cost",
		Aliases: []string{"list", "ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Upgrades(ctx)
			if err != nil {
				return err
			}
			return renderCatalog(out)
		},
	}
}

func newEffectsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "effects",
		Short: "Show the combined effect of your upgrades",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Effects(ctx)
			if err != nil {
				return err
			}
			return renderEffects(out)
		},
	}
}

func newPreviewCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "preview UPGRADE [LEVELS]",
		Short: "Show what buying levels of an upgrade would cost",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			levels, err := levelsArg(args, 1)
			if err != nil {
				return err
			}
			client, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Preview(ctx, args[0], levels)
			if err != nil {
				return err
			}
			return renderPreview(out)
		},
	}
}

func newRecommendCmd(g *globals) *cobra.Command {
	var budget string
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Suggest the most efficient upgrade for a budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Recommendation(ctx, strings.TrimSpace(budget))
			if err != nil {
				return err
			}
			return renderRecommendation(out)
		},
	}
	cmd.Flags().StringVar(&budget, "budget", "", "budget to spend (default: current score)")
	return cmd
}

func newBuyCmd(g *globals) *cobra.Command {
	var maxSpend string
	cmd := &cobra.Command{
		Use:   "buy UPGRADE [LEVELS]",
		Short: "Purchase levels of an upgrade",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			levels, err := levelsArg(args, 1)
			if err != nil {
				return err
			}
			client, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Purchase(ctx, args[0], levels, strings.TrimSpace(maxSpend))
			if err != nil {
				return err
			}
			return renderPurchase(out)
		},
	}
	cmd.Flags().StringVar(&maxSpend, "max-spend", "", "refuse the purchase if it costs more than this")
	return cmd
}

func newBulkCmd(g *globals) *cobra.Command {
	var maxTotal string
	cmd := &cobra.Command{
		Use:   "bulk UPGRADE[:LEVELS]...",
		Short: "Purchase several upgrades in order against one budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseBulkItems(args)
			if err != nil {
				return err
			}
			client, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			out, err := client.Bulk(ctx, items, strings.TrimSpace(maxTotal))
			if err != nil {
				return err
			}
			return renderBulk(out)
		},
	}
	cmd.Flags().StringVar(&maxTotal, "max-total", "", "cap on the total spent across all items")
	return cmd
}

func newResetCmd(g *globals) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all of your upgrades",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(g)
			if err != nil {
				return err
			}
			if !yes {
				choice, err := promptChoice("Reset every upgrade for "+client.PlayerID+"?", []string{"yes", "no"}, "no")
				if err != nil {
					return err
				}
				if choice != "yes" {
					printInfo("Reset cancelled.")
					return nil
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Reset(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Reset complete: removed=%v", out["removed"]))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func levelsArg(args []string, idx int) (int, error) {
	if len(args) <= idx {
		return 1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[idx]))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("levels must be a whole number > 0, got %q", args[idx])
	}
	return n, nil
}

// parseBulkItems reads "id" or "id:levels" arguments.
func parseBulkItems(args []string) ([]cl.BulkItem, error) {
	items := make([]cl.BulkItem, 0, len(args))
	for _, arg := range args {
		id, rawLevels, found := strings.Cut(strings.TrimSpace(arg), ":")
		levels := 1
		if found {
			n, err := strconv.Atoi(rawLevels)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid levels in %q", arg)
			}
			levels = n
		}
		if err := upgrade.ValidateUpgradeID(id); err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		items = append(items, cl.BulkItem{UpgradeID: id, Levels: levels})
	}
	if len(items) > upgrade.MaxBulkItems {
		return nil, fmt.Errorf("at most %d items per bulk purchase", upgrade.MaxBulkItems)
	}
	return items, nil
}
