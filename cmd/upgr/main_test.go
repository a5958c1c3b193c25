package main

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseBulkItems(t *testing.T) {
	items, err := parseBulkItems([]string{"click_power_1:4", "passive_income_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0].Levels != 4 || items[1].Levels != 1 || items[1].UpgradeID != "passive_income_1" {
		t.Fatalf("unexpected items %+v", items)
	}

	for _, bad := range [][]string{{"click_power_1:0"}, {"click_power_1:x"}, {"Bad-ID"}} {
		if _, err := parseBulkItems(bad); err == nil {
			t.Fatalf("expected %v to fail", bad)
		}
	}
}

func TestLevelsArg(t *testing.T) {
	if n, err := levelsArg([]string{"click_power_1"}, 1); err != nil || n != 1 {
		t.Fatalf("default levels: %d %v", n, err)
	}
	if n, err := levelsArg([]string{"click_power_1", "7"}, 1); err != nil || n != 7 {
		t.Fatalf("explicit levels: %d %v", n, err)
	}
	if _, err := levelsArg([]string{"click_power_1", "-2"}, 1); err == nil {
		t.Fatalf("expected negative levels to fail")
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"49.93375", "49.9338"},
		{"1500000", "1.50M"},
		{"1000000000000", "1.00T"},
		{"-2500000000", "-2.50B"},
	}
	for _, tc := range tests {
		if got := formatDecimal(decimal.RequireFromString(tc.in)); got != tc.want {
			t.Fatalf("formatDecimal(%s) = %q want %q", tc.in, got, tc.want)
		}
	}
}
