package upgrade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Definition is an immutable catalog entry.
type Definition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Category      Category       `json:"category"`
	Rarity        Rarity         `json:"rarity"`
	Cost          CostCurve      `json:"cost"`
	Effects       []EffectCurve  `json:"effects"`
	Prerequisites []Prerequisite `json:"prerequisites,omitempty"`
	MaxLevel      int            `json:"max_level"`
	Active        bool           `json:"active"`
	Hidden        bool           `json:"hidden"`
}

// EffectAt sums every effect curve of the upgrade at level.
func (d Definition) EffectAt(level int) decimal.Decimal {
	total := decimal.Zero
	for _, e := range d.Effects {
		total = total.Add(e.EffectAt(level))
	}
	return total
}

// Record is one row of the player ledger: the level a player owns of one upgrade.
type Record struct {
	PlayerID       string    `json:"player_id"`
	UpgradeID      string    `json:"upgrade_id"`
	Level          int       `json:"level"`
	PurchasedAt    time.Time `json:"purchased_at"`
	LastUpgradedAt time.Time `json:"last_upgraded_at"`
}

// PurchaseEvent is an append-only history row used by rate limiting and fraud checks.
type PurchaseEvent struct {
	ID        string          `json:"id"`
	PlayerID  string          `json:"player_id"`
	UpgradeID string          `json:"upgrade_id"`
	Levels    int             `json:"levels"`
	Cost      decimal.Decimal `json:"cost"`
	CreatedAt time.Time       `json:"created_at"`
}

// PlayerState is what the remote game session reports about a player.
type PlayerState struct {
	Score      decimal.Decimal `json:"score"`
	TotalScore decimal.Decimal `json:"total_score"`
	ClickCount decimal.Decimal `json:"click_count"`
	Level      int             `json:"level"`
}

// PlayerContext is a request-scoped snapshot assembled from the game session
// and the local ledger. It is never persisted.
type PlayerContext struct {
	PlayerID       string
	CurrentScore   decimal.Decimal
	TotalScore     decimal.Decimal
	ClickCount     decimal.Decimal
	PlayerLevel    int
	Owned          map[string]int
	LastUpgradedAt map[string]time.Time
}

func NewPlayerContext(playerID string, state PlayerState, records []Record) PlayerContext {
	pc := PlayerContext{
		PlayerID:       playerID,
		CurrentScore:   state.Score,
		TotalScore:     state.TotalScore,
		ClickCount:     state.ClickCount,
		PlayerLevel:    state.Level,
		Owned:          make(map[string]int, len(records)),
		LastUpgradedAt: make(map[string]time.Time, len(records)),
	}
	for _, r := range records {
		pc.Owned[r.UpgradeID] = r.Level
		pc.LastUpgradedAt[r.UpgradeID] = r.LastUpgradedAt
	}
	return pc
}

func (pc PlayerContext) TotalUpgradeLevel() int {
	total := 0
	for _, lvl := range pc.Owned {
		total += lvl
	}
	return total
}

// withLevel returns a copy of pc owning level of upgradeID.
func (pc PlayerContext) withLevel(upgradeID string, level int) PlayerContext {
	owned := make(map[string]int, len(pc.Owned)+1)
	for k, v := range pc.Owned {
		owned[k] = v
	}
	owned[upgradeID] = level
	pc.Owned = owned
	return pc
}

// withLastUpgrade copies pc with the last purchase time of one upgrade replaced.
// A zero at removes the entry.
func (pc PlayerContext) withLastUpgrade(upgradeID string, at time.Time) PlayerContext {
	last := make(map[string]time.Time, len(pc.LastUpgradedAt)+1)
	for k, v := range pc.LastUpgradedAt {
		last[k] = v
	}
	if at.IsZero() {
		delete(last, upgradeID)
	} else {
		last[upgradeID] = at
	}
	pc.LastUpgradedAt = last
	return pc
}

// EffectSummary is fully derived from the ledger and safe to recompute at any time.
type EffectSummary struct {
	PlayerID           string                       `json:"player_id"`
	ClickPowerBonus    decimal.Decimal              `json:"click_power_bonus"`
	PassiveIncomeBonus decimal.Decimal              `json:"passive_income_bonus"`
	Multiplier         decimal.Decimal              `json:"multiplier"`
	CategoryEffects    map[Category]decimal.Decimal `json:"category_effects"`
	PerUpgrade         map[string]decimal.Decimal   `json:"per_upgrade"`
	TotalUpgradeLevel  int                          `json:"total_upgrade_level"`
}

// EffectPush is the payload sent to the game session after a purchase.
type EffectPush struct {
	ClickPowerBonus    decimal.Decimal `json:"click_power_bonus"`
	PassiveIncomeBonus decimal.Decimal `json:"passive_income_bonus"`
	MultiplierBonus    decimal.Decimal `json:"multiplier_bonus"`
	SourceUpgradeID    string          `json:"source_upgrade_id,omitempty"`
}

func (s EffectSummary) Push(sourceUpgradeID string) EffectPush {
	return EffectPush{
		ClickPowerBonus:    s.ClickPowerBonus,
		PassiveIncomeBonus: s.PassiveIncomeBonus,
		MultiplierBonus:    s.Multiplier,
		SourceUpgradeID:    sourceUpgradeID,
	}
}

type PurchaseRequest struct {
	PlayerID  string
	UpgradeID string
	Levels    int
	MaxSpend  decimal.NullDecimal
}

type PurchaseResult struct {
	UpgradeID       string          `json:"upgrade_id"`
	Success         bool            `json:"success"`
	Skipped         bool            `json:"skipped,omitempty"`
	LevelsPurchased int             `json:"levels_purchased"`
	NewLevel        int             `json:"new_level"`
	CostPaid        decimal.Decimal `json:"cost_paid"`
	RemainingScore  decimal.Decimal `json:"remaining_score"`
	UpdatedEffects  *EffectSummary  `json:"updated_effects,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
}

type BulkItem struct {
	UpgradeID string `json:"upgrade_id"`
	Levels    int    `json:"levels"`
}

type BulkResult struct {
	Items        []PurchaseResult `json:"items"`
	TotalSpent   decimal.Decimal  `json:"total_spent"`
	SuccessCount int              `json:"success_count"`
	FailCount    int              `json:"fail_count"`
}

type Preview struct {
	UpgradeID       string          `json:"upgrade_id"`
	CurrentLevel    int             `json:"current_level"`
	RequestedLevels int             `json:"requested_levels"`
	Levels          int             `json:"levels"`
	Cost            decimal.Decimal `json:"cost"`
	EffectBefore    decimal.Decimal `json:"effect_before"`
	EffectAfter     decimal.Decimal `json:"effect_after"`
	EffectDelta     decimal.Decimal `json:"effect_delta"`
	CanAfford       bool            `json:"can_afford"`
	Warnings        []string        `json:"warnings,omitempty"`
}

type Recommendation struct {
	UpgradeID       string          `json:"upgrade_id"`
	Name            string          `json:"name"`
	Levels          int             `json:"levels"`
	Cost            decimal.Decimal `json:"cost"`
	EfficiencyScore decimal.Decimal `json:"efficiency_score"`
	Reasoning       string          `json:"reasoning"`
}

// UpgradeView is a catalog entry as seen by one player.
type UpgradeView struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Category     Category        `json:"category"`
	Rarity       Rarity          `json:"rarity"`
	Level        int             `json:"level"`
	MaxLevel     int             `json:"max_level"`
	NextCost     decimal.Decimal `json:"next_cost"`
	CanPurchase  bool            `json:"can_purchase"`
	Unmet        []string        `json:"unmet_prerequisites,omitempty"`
	CurrentValue decimal.Decimal `json:"current_effect"`
}
