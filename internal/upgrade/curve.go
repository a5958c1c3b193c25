package upgrade

import (
	"github.com/shopspring/decimal"
)

const (
	// Fractional digits kept on every evaluated cost or effect.
	valuePrecision = 8
	// Fractional digits kept on intermediate powers.
	powPrecision = 24
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

type CostKind string

const (
	CostLinear      CostKind = "linear"
	CostExponential CostKind = "exponential"
	CostCompound    CostKind = "compound"
	CostOneTime     CostKind = "one_time"
)

type EffectKind string

const (
	EffectLinear      EffectKind = "linear"
	EffectExponential EffectKind = "exponential"
	EffectPercentage  EffectKind = "percentage"
	EffectCompound    EffectKind = "compound"
	EffectThreshold   EffectKind = "threshold"
	EffectOneTime     EffectKind = "one_time"
)

// CostCurve prices the step from level l to l+1. A zero Cap means uncapped.
type CostCurve struct {
	BaseCost   decimal.Decimal `json:"base_cost"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Kind       CostKind        `json:"kind"`
	Cap        decimal.Decimal `json:"cap"`
}

// CostAt returns the price of buying level+1 while owning level. The bool is
// false when the step can never be bought (a OneTime curve past level 0).
func (c CostCurve) CostAt(level int) (decimal.Decimal, bool) {
	if level < 0 {
		level = 0
	}
	var cost decimal.Decimal
	switch c.Kind {
	case CostLinear:
		cost = c.BaseCost.Mul(one.Add(decimal.NewFromInt(int64(level)).Mul(c.Multiplier)))
	case CostExponential:
		cost = c.BaseCost.Mul(powInt(c.Multiplier, level))
	case CostCompound:
		cost = c.BaseCost.Mul(powInt(one.Add(c.Multiplier), level))
	case CostOneTime:
		if level > 0 {
			return decimal.Zero, false
		}
		cost = c.BaseCost
	default:
		return decimal.Zero, false
	}
	cost = cost.Round(valuePrecision)
	if c.Cap.IsPositive() && cost.GreaterThan(c.Cap) {
		cost = c.Cap
	}
	return cost, true
}

// TotalCostForRange sums CostAt(l) for l in [from, to). Curves are summed level
// by level rather than in closed form so any curve shape stays correct.
func (c CostCurve) TotalCostForRange(from, to int) (decimal.Decimal, bool) {
	if from < 0 {
		from = 0
	}
	total := decimal.Zero
	for l := from; l < to; l++ {
		cost, ok := c.CostAt(l)
		if !ok {
			return decimal.Zero, false
		}
		total = total.Add(cost)
	}
	return total, true
}

// EffectCurve is the magnitude an upgrade contributes at a given owned level.
// A zero Cap means uncapped.
type EffectCurve struct {
	Target        Category        `json:"target"`
	BaseValue     decimal.Decimal `json:"base_value"`
	ScalingFactor decimal.Decimal `json:"scaling_factor"`
	Cap           decimal.Decimal `json:"cap"`
	Kind          EffectKind      `json:"kind"`
}

func (e EffectCurve) EffectAt(level int) decimal.Decimal {
	if level <= 0 {
		return decimal.Zero
	}
	var v decimal.Decimal
	switch e.Kind {
	case EffectLinear:
		v = e.BaseValue.Mul(one.Add(decimal.NewFromInt(int64(level - 1)).Mul(e.ScalingFactor)))
	case EffectExponential:
		v = e.BaseValue.Mul(powInt(e.ScalingFactor, level-1))
	case EffectPercentage:
		v = e.BaseValue.Mul(decimal.NewFromInt(int64(level)))
	case EffectCompound:
		v = e.BaseValue.Mul(powInt(one.Add(e.ScalingFactor), level-1))
	case EffectThreshold:
		// Step function: nothing until the threshold level, then the full value.
		if decimal.NewFromInt(int64(level)).LessThan(e.ScalingFactor) {
			return decimal.Zero
		}
		v = e.BaseValue
	case EffectOneTime:
		v = e.BaseValue
	default:
		return decimal.Zero
	}
	v = v.Round(valuePrecision)
	if e.Cap.IsPositive() && v.GreaterThan(e.Cap) {
		v = e.Cap
	}
	return v
}

// powInt raises base to a non-negative integer power by squaring.
func powInt(base decimal.Decimal, exp int) decimal.Decimal {
	result := one
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(base).Round(powPrecision)
		}
		exp >>= 1
		if exp > 0 {
			base = base.Mul(base).Round(powPrecision)
		}
	}
	return result
}
