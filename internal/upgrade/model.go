package upgrade

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	ErrUpgradeNotFound    = errors.New("upgrade not found")
	ErrValidation         = errors.New("purchase validation failed")
	ErrDuplicatePurchase  = errors.New("duplicate purchase")
	ErrRateLimited        = errors.New("purchase rate limit exceeded")
	ErrPurchaseDenied     = errors.New("purchase denied")
	ErrDeductionFailed    = errors.New("score deduction failed")
	ErrLedgerWriteFailed  = errors.New("purchase could not be recorded; refund pending")
	ErrSessionUnavailable = errors.New("game session unavailable")
	ErrInvalidSession     = errors.New("invalid game session")
	ErrNoRecommendation   = errors.New("no affordable upgrade")
	ErrInvalidPlayerID    = errors.New("player id must be 1-64 letters, digits, '-' or '_'")
	ErrInvalidUpgradeID   = errors.New("upgrade id must be lowercase snake_case")
)

var upgradeIDRE = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

func ValidateUpgradeID(id string) error {
	if !upgradeIDRE.MatchString(strings.TrimSpace(id)) {
		return ErrInvalidUpgradeID
	}
	return nil
}

func ValidatePlayerID(id string) error {
	if id == "" || len(id) > 64 {
		return ErrInvalidPlayerID
	}
	for _, r := range id {
		if r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return ErrInvalidPlayerID
	}
	return nil
}

// Category groups upgrades and is also the target of an effect curve.
type Category string

const (
	CategoryClickPower    Category = "click_power"
	CategoryPassiveIncome Category = "passive_income"
	CategoryMultipliers   Category = "multipliers"
	CategoryAutomation    Category = "automation"
	CategoryPrestige      Category = "prestige"
	CategorySpecial       Category = "special"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryClickPower, CategoryPassiveIncome, CategoryMultipliers,
		CategoryAutomation, CategoryPrestige, CategorySpecial:
		return true
	}
	return false
}

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

func (r Rarity) Valid() bool {
	switch r {
	case RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	}
	return false
}

func parseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}
