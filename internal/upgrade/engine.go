package upgrade

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Engine answers cost, effect and eligibility questions against a catalog.
// It holds no mutable state.
type Engine struct {
	catalog *Catalog
}

func NewEngine(catalog *Catalog) *Engine {
	return &Engine{catalog: catalog}
}

func CanAfford(score, cost decimal.Decimal) bool {
	return score.GreaterThanOrEqual(cost)
}

// CanPurchase is the single predicate behind the "purchasable" state shown to players.
func CanPurchase(def Definition, pc PlayerContext) bool {
	if !def.Active || def.Hidden {
		return false
	}
	level := pc.Owned[def.ID]
	if level >= def.MaxLevel {
		return false
	}
	for _, p := range def.Prerequisites {
		if !p.Satisfied(pc) {
			return false
		}
	}
	cost, ok := def.Cost.CostAt(level)
	return ok && CanAfford(pc.CurrentScore, cost)
}

// MaxAffordableLevels walks forward one level at a time and stops at the last
// level whose cumulative cost fits the budget, or at MaxLevel. It returns the
// number of levels and their total cost.
func MaxAffordableLevels(def Definition, currentLevel int, budget decimal.Decimal) (int, decimal.Decimal) {
	if currentLevel < 0 {
		currentLevel = 0
	}
	total := decimal.Zero
	levels := 0
	for l := currentLevel; l < def.MaxLevel; l++ {
		cost, ok := def.Cost.CostAt(l)
		if !ok {
			break
		}
		next := total.Add(cost)
		if next.GreaterThan(budget) {
			break
		}
		total = next
		levels++
	}
	return levels, total
}

// CalculatePlayerEffects aggregates every owned upgrade into one summary.
// Percentage multiplier effects add value/100 to the multiplier; every other
// multiplier effect multiplies it.
func (e *Engine) CalculatePlayerEffects(playerID string, owned map[string]int) EffectSummary {
	out := EffectSummary{
		PlayerID:           playerID,
		ClickPowerBonus:    decimal.Zero,
		PassiveIncomeBonus: decimal.Zero,
		Multiplier:         one,
		CategoryEffects:    map[Category]decimal.Decimal{},
		PerUpgrade:         map[string]decimal.Decimal{},
	}
	ids := make([]string, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		level := owned[id]
		def, ok := e.catalog.Get(id)
		if !ok || level <= 0 {
			continue
		}
		if level > def.MaxLevel {
			level = def.MaxLevel
		}
		out.TotalUpgradeLevel += level
		contribution := decimal.Zero
		for _, curve := range def.Effects {
			v := curve.EffectAt(level)
			contribution = contribution.Add(v)
			out.CategoryEffects[curve.Target] = out.CategoryEffects[curve.Target].Add(v)
			switch curve.Target {
			case CategoryClickPower:
				out.ClickPowerBonus = out.ClickPowerBonus.Add(v)
			case CategoryPassiveIncome:
				out.PassiveIncomeBonus = out.PassiveIncomeBonus.Add(v)
			case CategoryMultipliers:
				if curve.Kind == EffectPercentage {
					out.Multiplier = out.Multiplier.Add(v.Div(hundred))
				} else if !v.IsZero() {
					out.Multiplier = out.Multiplier.Mul(v)
				}
			}
		}
		out.PerUpgrade[id] = contribution
	}
	out.Multiplier = out.Multiplier.Round(valuePrecision)
	return out
}

// categoryWeight biases recommendations by game phase.
func categoryWeight(cat Category, totalUpgradeLevel int) decimal.Decimal {
	switch cat {
	case CategoryAutomation:
		return decimal.RequireFromString("1.1")
	case CategorySpecial:
		return decimal.RequireFromString("1.4")
	}
	var click, passive, mult, prestige string
	switch {
	case totalUpgradeLevel < 25:
		click, passive, mult, prestige = "1.5", "0.8", "1.2", "0.5"
	case totalUpgradeLevel < 50:
		click, passive, mult, prestige = "1.5", "1.3", "1.2", "0.5"
	case totalUpgradeLevel < 100:
		click, passive, mult, prestige = "1.0", "1.3", "1.2", "0.5"
	case totalUpgradeLevel < 500:
		click, passive, mult, prestige = "1.0", "1.3", "2.0", "0.5"
	default:
		click, passive, mult, prestige = "1.0", "1.3", "2.0", "3.0"
	}
	switch cat {
	case CategoryClickPower:
		return decimal.RequireFromString(click)
	case CategoryPassiveIncome:
		return decimal.RequireFromString(passive)
	case CategoryMultipliers:
		return decimal.RequireFromString(mult)
	case CategoryPrestige:
		return decimal.RequireFromString(prestige)
	}
	return one
}

// EfficiencyScore is the weighted effect gained per unit of cost for the next level.
func EfficiencyScore(def Definition, currentLevel, totalUpgradeLevel int) (decimal.Decimal, bool) {
	if currentLevel >= def.MaxLevel {
		return decimal.Zero, false
	}
	cost, ok := def.Cost.CostAt(currentLevel)
	if !ok || !cost.IsPositive() {
		return decimal.Zero, false
	}
	gain := def.EffectAt(currentLevel + 1).Sub(def.EffectAt(currentLevel))
	return gain.Div(cost).Mul(categoryWeight(def.Category, totalUpgradeLevel)), true
}

type Candidate struct {
	Definition Definition
	Efficiency decimal.Decimal
	Cost       decimal.Decimal
}

// BestUpgradeForBudget picks the purchasable candidate with the highest
// weighted efficiency whose next level fits budget. Ties go to the lower id.
func (e *Engine) BestUpgradeForBudget(candidates []Definition, pc PlayerContext, budget decimal.Decimal) (Candidate, bool) {
	totalLevel := pc.TotalUpgradeLevel()
	scoped := pc
	scoped.CurrentScore = decimal.Min(pc.CurrentScore, budget)

	var best Candidate
	found := false
	for _, def := range candidates {
		if !CanPurchase(def, scoped) {
			continue
		}
		level := pc.Owned[def.ID]
		eff, ok := EfficiencyScore(def, level, totalLevel)
		if !ok {
			continue
		}
		cost, _ := def.Cost.CostAt(level)
		c := Candidate{Definition: def, Efficiency: eff, Cost: cost}
		switch {
		case !found:
			best, found = c, true
		case eff.GreaterThan(best.Efficiency):
			best = c
		case eff.Equal(best.Efficiency) && def.ID < best.Definition.ID:
			best = c
		}
	}
	return best, found
}

// PreviewPurchase clamps levels to what the upgrade still allows and reports
// cost, effect change and affordability without side effects.
func PreviewPurchase(def Definition, pc PlayerContext, levels int) Preview {
	current := pc.Owned[def.ID]
	out := Preview{
		UpgradeID:       def.ID,
		CurrentLevel:    current,
		RequestedLevels: levels,
		Cost:            decimal.Zero,
	}
	remaining := def.MaxLevel - current
	if remaining < 0 {
		remaining = 0
	}
	switch {
	case levels <= 0:
		out.Warnings = append(out.Warnings, "requested levels must be > 0")
		levels = 0
	case remaining == 0:
		out.Warnings = append(out.Warnings, fmt.Sprintf("already at max level %d", def.MaxLevel))
		levels = 0
	case levels > remaining:
		out.Warnings = append(out.Warnings, fmt.Sprintf("requested %d levels but only %d remain; preview truncated", levels, remaining))
		levels = remaining
	}
	out.Levels = levels

	cost, ok := def.Cost.TotalCostForRange(current, current+levels)
	if !ok {
		out.Warnings = append(out.Warnings, "upgrade cannot be purchased again")
		out.Levels = 0
		levels = 0
		cost = decimal.Zero
	}
	out.Cost = cost
	out.EffectBefore = def.EffectAt(current)
	out.EffectAfter = def.EffectAt(current + levels)
	out.EffectDelta = out.EffectAfter.Sub(out.EffectBefore)
	out.CanAfford = levels > 0 && CanAfford(pc.CurrentScore, cost)
	if !def.Active || def.Hidden {
		out.CanAfford = false
		out.Warnings = append(out.Warnings, "upgrade is not available")
	}
	for _, name := range UnmetPrerequisites(def, pc) {
		out.Warnings = append(out.Warnings, "unmet prerequisite: "+name)
	}
	return out
}
