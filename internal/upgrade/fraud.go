package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseHistory is the read side of the purchase event log.
type PurchaseHistory interface {
	RecentPurchases(ctx context.Context, playerID string, since time.Time) ([]PurchaseEvent, error)
	// AveragePurchaseCost returns the mean cost of all past purchases and how many there were.
	AveragePurchaseCost(ctx context.Context, playerID string) (decimal.Decimal, int, error)
}

type FraudConfig struct {
	BlockThreshold      float64
	SuspiciousThreshold float64

	RapidWindow    time.Duration
	RapidPurchases int

	OutsizedFactor decimal.Decimal

	// A player below LowPlayerLevel buying more than HighLevelRequest levels at once.
	LowPlayerLevel   int
	HighLevelRequest int

	RegularSamples   int
	RegularMaxPeriod time.Duration
	RegularJitter    time.Duration
}

func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		BlockThreshold:      0.8,
		SuspiciousThreshold: 0.5,
		RapidWindow:         5 * time.Minute,
		RapidPurchases:      20,
		OutsizedFactor:      decimal.NewFromInt(10),
		LowPlayerLevel:      5,
		HighLevelRequest:    25,
		RegularSamples:      3,
		RegularMaxPeriod:    10 * time.Second,
		RegularJitter:       2 * time.Second,
	}
}

const (
	weightRapid      = 0.3
	weightOutsized   = 0.2
	weightNegative   = 0.8
	weightPremature  = 0.4
	weightRegularity = 0.3

	degradedRiskScore = 0.5
)

type FraudCheck struct {
	Context   PlayerContext
	UpgradeID string
	Levels    int
	Cost      decimal.Decimal
}

// RiskAssessment never leaves the service: Signals are for logs, not players.
type RiskAssessment struct {
	Score        float64  `json:"-"`
	IsSuspicious bool     `json:"-"`
	ShouldBlock  bool     `json:"-"`
	Signals      []string `json:"-"`
	Degraded     bool     `json:"-"`
}

// RiskModel scores a purchase from independent additive signals.
type RiskModel struct {
	cfg     FraudConfig
	history PurchaseHistory
	log     *slog.Logger
	now     func() time.Time
}

func NewRiskModel(cfg FraudConfig, history PurchaseHistory, logger *slog.Logger) *RiskModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskModel{cfg: cfg, history: history, log: logger, now: time.Now}
}

// Assess fails open: if the history cannot be read the purchase is flagged
// suspicious but not blocked.
func (m *RiskModel) Assess(ctx context.Context, in FraudCheck) RiskAssessment {
	out, err := m.assess(ctx, in)
	if err != nil {
		m.log.Warn("fraud scoring failed; allowing purchase flagged for review",
			"player_id", in.Context.PlayerID, "upgrade_id", in.UpgradeID, "err", err)
		return RiskAssessment{
			Score:        degradedRiskScore,
			IsSuspicious: true,
			ShouldBlock:  false,
			Signals:      []string{"scoring_unavailable"},
			Degraded:     true,
		}
	}
	return out
}

func (m *RiskModel) assess(ctx context.Context, in FraudCheck) (RiskAssessment, error) {
	var out RiskAssessment
	add := func(signal string, weight float64) {
		out.Score += weight
		out.Signals = append(out.Signals, signal)
	}

	if in.Context.CurrentScore.IsNegative() {
		m.log.Error("invariant violation: negative player score",
			"player_id", in.Context.PlayerID, "score", in.Context.CurrentScore.String())
		add("negative_score", weightNegative)
	}
	if in.Context.PlayerLevel < m.cfg.LowPlayerLevel && in.Levels > m.cfg.HighLevelRequest {
		add("premature_high_value", weightPremature)
	}

	recent, err := m.history.RecentPurchases(ctx, in.Context.PlayerID, m.now().Add(-m.cfg.RapidWindow))
	if err != nil {
		return out, fmt.Errorf("recent purchases: %w", err)
	}
	if len(recent) > m.cfg.RapidPurchases {
		add("rapid_purchasing", weightRapid)
	}
	if regularIntervals(recent, m.cfg) {
		add("regular_interval", weightRegularity)
	}

	avg, count, err := m.history.AveragePurchaseCost(ctx, in.Context.PlayerID)
	if err != nil {
		return out, fmt.Errorf("average purchase cost: %w", err)
	}
	if count > 0 && avg.IsPositive() && in.Cost.GreaterThan(avg.Mul(m.cfg.OutsizedFactor)) {
		add("outsized_purchase", weightOutsized)
	}

	out.ShouldBlock = out.Score >= m.cfg.BlockThreshold
	out.IsSuspicious = out.Score >= m.cfg.SuspiciousThreshold
	return out, nil
}

// regularIntervals reports the bot signature: the latest purchases spaced at a
// near-constant period shorter than RegularMaxPeriod.
func regularIntervals(events []PurchaseEvent, cfg FraudConfig) bool {
	if cfg.RegularSamples < 3 || len(events) < cfg.RegularSamples {
		return false
	}
	times := make([]time.Time, len(events))
	for i, e := range events {
		times[i] = e.CreatedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	times = times[len(times)-cfg.RegularSamples:]

	gaps := make([]time.Duration, 0, len(times)-1)
	var sum time.Duration
	for i := 1; i < len(times); i++ {
		g := times[i].Sub(times[i-1])
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / time.Duration(len(gaps))
	if mean >= cfg.RegularMaxPeriod {
		return false
	}
	for _, g := range gaps {
		d := g - mean
		if d < 0 {
			d = -d
		}
		if d > cfg.RegularJitter {
			return false
		}
	}
	return true
}
