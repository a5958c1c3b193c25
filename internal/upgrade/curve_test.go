package upgrade

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCostAt(t *testing.T) {
	tests := []struct {
		name  string
		curve CostCurve
		level int
		want  string
	}{
		{"exponential level 0", CostCurve{Kind: CostExponential, BaseCost: dec("10"), Multiplier: dec("1.15")}, 0, "10"},
		{"exponential level 3", CostCurve{Kind: CostExponential, BaseCost: dec("10"), Multiplier: dec("1.15")}, 3, "15.20875"},
		{"linear", CostCurve{Kind: CostLinear, BaseCost: dec("2000"), Multiplier: dec("0.75")}, 2, "5000"},
		{"compound", CostCurve{Kind: CostCompound, BaseCost: dec("5000"), Multiplier: dec("0.2")}, 2, "7200"},
		{"one time", CostCurve{Kind: CostOneTime, BaseCost: dec("1e12")}, 0, "1000000000000"},
		{"capped", CostCurve{Kind: CostExponential, BaseCost: dec("10"), Multiplier: dec("10"), Cap: dec("1000")}, 5, "1000"},
		{"negative level clamps", CostCurve{Kind: CostLinear, BaseCost: dec("5"), Multiplier: dec("1")}, -3, "5"},
	}
	for _, tc := range tests {
		got, ok := tc.curve.CostAt(tc.level)
		if !ok {
			t.Fatalf("%s: unexpected unpurchasable step", tc.name)
		}
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestOneTimeCostOnlyOnce(t *testing.T) {
	c := CostCurve{Kind: CostOneTime, BaseCost: dec("100")}
	if _, ok := c.CostAt(1); ok {
		t.Fatalf("one-time upgrade should not be purchasable twice")
	}
	if _, ok := c.TotalCostForRange(0, 2); ok {
		t.Fatalf("range crossing a one-time purchase should be rejected")
	}
}

func TestCostCurvesAreMonotonic(t *testing.T) {
	curves := []CostCurve{
		{Kind: CostLinear, BaseCost: dec("2000"), Multiplier: dec("0.75")},
		{Kind: CostExponential, BaseCost: dec("10"), Multiplier: dec("1.15")},
		{Kind: CostExponential, BaseCost: dec("500"), Multiplier: dec("1.18"), Cap: dec("1e9")},
		{Kind: CostCompound, BaseCost: dec("2500"), Multiplier: dec("0.5")},
	}
	for _, c := range curves {
		prev, _ := c.CostAt(0)
		for l := 1; l <= 200; l++ {
			cur, ok := c.CostAt(l)
			if !ok {
				t.Fatalf("%s: level %d unpurchasable", c.Kind, l)
			}
			if cur.LessThan(prev) {
				t.Fatalf("%s: cost dropped at level %d: %s < %s", c.Kind, l, cur, prev)
			}
			prev = cur
		}
	}
}

func TestTotalCostForRangeIsAdditive(t *testing.T) {
	c := CostCurve{Kind: CostExponential, BaseCost: dec("10"), Multiplier: dec("1.15")}
	whole, _ := c.TotalCostForRange(3, 17)
	left, _ := c.TotalCostForRange(3, 9)
	right, _ := c.TotalCostForRange(9, 17)
	if !whole.Equal(left.Add(right)) {
		t.Fatalf("range sum %s != %s + %s", whole, left, right)
	}
	empty, ok := c.TotalCostForRange(5, 5)
	if !ok || !empty.IsZero() {
		t.Fatalf("empty range should cost 0, got %s", empty)
	}
	four, _ := c.TotalCostForRange(0, 4)
	if !four.Equal(dec("49.93375")) {
		t.Fatalf("first four levels cost %s", four)
	}
}

func TestEffectAt(t *testing.T) {
	tests := []struct {
		name  string
		curve EffectCurve
		level int
		want  string
	}{
		{"linear level 0", EffectCurve{Kind: EffectLinear, BaseValue: dec("1"), ScalingFactor: dec("1")}, 0, "0"},
		{"linear level 5", EffectCurve{Kind: EffectLinear, BaseValue: dec("1"), ScalingFactor: dec("1")}, 5, "5"},
		{"exponential", EffectCurve{Kind: EffectExponential, BaseValue: dec("1.1"), ScalingFactor: dec("1.1")}, 3, "1.331"},
		{"exponential capped", EffectCurve{Kind: EffectExponential, BaseValue: dec("1.1"), ScalingFactor: dec("1.1"), Cap: dec("50")}, 60, "50"},
		{"percentage", EffectCurve{Kind: EffectPercentage, BaseValue: dec("5")}, 4, "20"},
		{"compound", EffectCurve{Kind: EffectCompound, BaseValue: dec("10"), ScalingFactor: dec("0.1")}, 3, "12.1"},
		{"threshold below", EffectCurve{Kind: EffectThreshold, BaseValue: dec("250"), ScalingFactor: dec("5")}, 4, "0"},
		{"threshold reached", EffectCurve{Kind: EffectThreshold, BaseValue: dec("250"), ScalingFactor: dec("5")}, 5, "250"},
		{"one time", EffectCurve{Kind: EffectOneTime, BaseValue: dec("3")}, 1, "3"},
	}
	for _, tc := range tests {
		got := tc.curve.EffectAt(tc.level)
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestCostCapIsNeverExceeded(t *testing.T) {
	curves := []CostCurve{
		{Kind: CostLinear, BaseCost: dec("2000"), Multiplier: dec("0.75"), Cap: dec("20000")},
		{Kind: CostExponential, BaseCost: dec("10"), Multiplier: dec("1.15"), Cap: dec("1000")},
		{Kind: CostCompound, BaseCost: dec("5000"), Multiplier: dec("0.2"), Cap: dec("100000")},
	}
	for _, c := range curves {
		for l := 0; l <= 300; l++ {
			cost, ok := c.CostAt(l)
			if !ok {
				t.Fatalf("%s: level %d unpurchasable", c.Kind, l)
			}
			if cost.GreaterThan(c.Cap) {
				t.Fatalf("%s: level %d cost %s above cap %s", c.Kind, l, cost, c.Cap)
			}
		}
		if top, _ := c.CostAt(300); !top.Equal(c.Cap) {
			t.Fatalf("%s: expected cap %s to bind at level 300, got %s", c.Kind, c.Cap, top)
		}
	}
}

func TestEffectCapIsNeverExceeded(t *testing.T) {
	e := EffectCurve{Kind: EffectCompound, BaseValue: dec("10"), ScalingFactor: dec("0.1"), Cap: dec("100000")}
	for l := 0; l <= 500; l++ {
		if v := e.EffectAt(l); v.GreaterThan(e.Cap) {
			t.Fatalf("level %d effect %s above cap", l, v)
		}
	}
}

func TestPowInt(t *testing.T) {
	if got := powInt(dec("1.15"), 0); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("x^0 = %s", got)
	}
	if got := powInt(dec("2"), 10); !got.Equal(decimal.NewFromInt(1024)) {
		t.Fatalf("2^10 = %s", got)
	}
	if got := powInt(dec("1.15"), 4).Round(8); !got.Equal(dec("1.74900625")) {
		t.Fatalf("1.15^4 = %s", got)
	}
}
