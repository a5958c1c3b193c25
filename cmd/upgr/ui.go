package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"clickforge/internal/upgrade"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

var rarityColors = map[upgrade.Rarity]*color.Color{
	upgrade.RarityCommon:    color.New(color.FgWhite),
	upgrade.RarityUncommon:  color.New(color.FgGreen),
	upgrade.RarityRare:      color.New(color.FgBlue),
	upgrade.RarityEpic:      color.New(color.FgMagenta),
	upgrade.RarityLegendary: color.New(color.FgYellow, color.Bold),
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]struct{}, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if _, ok := normalized[text]; ok {
			return text, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func renderCatalog(raw []map[string]any) error {
	views, err := decodeInto[[]upgrade.UpgradeView](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== UPGRADES ==")
	if len(views) == 0 {
		printInfo("No upgrades available.")
		return nil
	}
	fmt.Printf("%-18s %-20s %-15s %-10s %9s %14s %12s %-6s\n", "ID", "NAME", "CATEGORY", "RARITY", "LEVEL", "NEXT COST", "EFFECT", "BUY")
	for _, v := range views {
		buy := danger.Sprint("no")
		if v.CanPurchase {
			buy = success.Sprint("yes")
		}
		next := formatDecimal(v.NextCost)
		if v.Level >= v.MaxLevel {
			next = "maxed"
		}
		fmt.Printf("%-18s %-20s %-15s %-10s %9s %14s %12s %-6s\n",
			truncate(v.ID, 18),
			truncate(v.Name, 20),
			v.Category,
			rarityLabel(v.Rarity),
			fmt.Sprintf("%d/%d", v.Level, v.MaxLevel),
			next,
			formatDecimal(v.CurrentValue),
			buy,
		)
		for _, u := range v.Unmet {
			fmt.Printf("%-18s %s\n", "", warn.Sprint("needs "+u))
		}
	}
	fmt.Println()
	return nil
}

func renderEffects(raw map[string]any) error {
	s, err := decodeInto[upgrade.EffectSummary](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== EFFECTS ==")
	fmt.Printf("Click Power Bonus:    +%s\n", formatDecimal(s.ClickPowerBonus))
	fmt.Printf("Passive Income Bonus: +%s/s\n", formatDecimal(s.PassiveIncomeBonus))
	fmt.Printf("Multiplier:           x%s\n", formatDecimal(s.Multiplier))
	fmt.Printf("Total Upgrade Levels: %d\n", s.TotalUpgradeLevel)

	if len(s.PerUpgrade) > 0 {
		fmt.Println()
		accent.Println("By upgrade")
		ids := make([]string, 0, len(s.PerUpgrade))
		for id := range s.PerUpgrade {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %-20s %14s\n", id, formatDecimal(s.PerUpgrade[id]))
		}
	}
	fmt.Println()
	return nil
}

func renderPreview(raw map[string]any) error {
	p, err := decodeInto[upgrade.Preview](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== PREVIEW %s ==\n", p.UpgradeID)
	fmt.Printf("Level:   %d -> %d\n", p.CurrentLevel, p.CurrentLevel+p.Levels)
	fmt.Printf("Cost:    %s\n", formatDecimal(p.Cost))
	fmt.Printf("Effect:  %s -> %s (%s)\n", formatDecimal(p.EffectBefore), formatDecimal(p.EffectAfter), colorizeDecimal(p.EffectDelta))
	if p.CanAfford {
		printSuccess("Affordable.")
	} else {
		printError("Not affordable.")
	}
	for _, w := range p.Warnings {
		printWarn(w)
	}
	fmt.Println()
	return nil
}

func renderRecommendation(raw map[string]any) error {
	r, err := decodeInto[upgrade.Recommendation](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== RECOMMENDATION ==")
	fmt.Printf("%s (%s) x%d for %s\n", r.Name, r.UpgradeID, r.Levels, formatDecimal(r.Cost))
	printInfo(r.Reasoning)
	fmt.Println()
	return nil
}

func renderPurchase(raw map[string]any) error {
	r, err := decodeInto[upgrade.PurchaseResult](raw)
	if err != nil {
		return err
	}
	printPurchaseLine(r)
	if r.Success {
		fmt.Printf("Remaining score: %s\n", formatDecimal(r.RemainingScore))
	}
	return nil
}

func renderBulk(raw map[string]any) error {
	b, err := decodeInto[upgrade.BulkResult](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== BULK PURCHASE ==")
	for _, item := range b.Items {
		printPurchaseLine(item)
	}
	fmt.Println()
	printSuccess(fmt.Sprintf("Bulk complete: bought=%d failed=%d spent=%s", b.SuccessCount, b.FailCount, formatDecimal(b.TotalSpent)))
	return nil
}

func printPurchaseLine(r upgrade.PurchaseResult) {
	switch {
	case r.Success:
		printSuccess(fmt.Sprintf("%s: +%d level(s), now %d, paid %s", r.UpgradeID, r.LevelsPurchased, r.NewLevel, formatDecimal(r.CostPaid)))
	case r.Skipped:
		printWarn(fmt.Sprintf("%s: %s", r.UpgradeID, strings.Join(r.Errors, "; ")))
	default:
		printError(fmt.Sprintf("%s: %s", r.UpgradeID, strings.Join(r.Errors, "; ")))
	}
	for _, w := range r.Warnings {
		printWarn("  " + w)
	}
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// formatDecimal keeps small values exact and abbreviates large ones.
func formatDecimal(d decimal.Decimal) string {
	abs := d.Abs()
	units := []struct {
		suffix string
		exp    int32
	}{{"T", 12}, {"B", 9}, {"M", 6}}
	for _, u := range units {
		if abs.GreaterThanOrEqual(decimal.New(1, u.exp)) {
			return d.Shift(-u.exp).StringFixed(2) + u.suffix
		}
	}
	return d.Round(4).String()
}

func colorizeDecimal(d decimal.Decimal) string {
	text := formatDecimal(d)
	switch {
	case d.IsPositive():
		return success.Sprint("+" + text)
	case d.IsNegative():
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func rarityLabel(r upgrade.Rarity) string {
	c, ok := rarityColors[r]
	if !ok {
		return string(r)
	}
	return c.Sprintf("%-10s", r)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
