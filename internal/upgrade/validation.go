package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Stage string

const (
	StageRequest       Stage = "request"
	StagePlayerContext Stage = "player_context"
	StageUpgradeStatus Stage = "upgrade_status"
	StageCurrency      Stage = "currency"
	StagePrerequisites Stage = "prerequisites"
	StageLevelLimit    Stage = "level_limit"
	StageAntiFraud     Stage = "anti_fraud"
	StageDuplicate     Stage = "duplicate"
	StageRateLimit     Stage = "rate_limit"
)

// PurchaseLimits are the request-level guards of the validation pipeline.
type PurchaseLimits struct {
	MaxLevelsPerRequest   int
	MaxPurchasesPerMinute int
	DuplicateWindow       time.Duration
	// OvercommitFactor bounds cost relative to current score.
	OvercommitFactor decimal.Decimal
}

func DefaultPurchaseLimits() PurchaseLimits {
	return PurchaseLimits{
		MaxLevelsPerRequest:   100,
		MaxPurchasesPerMinute: 30,
		DuplicateWindow:       30 * time.Second,
		OvercommitFactor:      decimal.NewFromInt(2),
	}
}

type Issue struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	kind    error
}

type ValidationData struct {
	CurrentLevel       int             `json:"current_level"`
	Levels             int             `json:"levels"`
	EstimatedCost      decimal.Decimal `json:"estimated_cost"`
	UnmetPrerequisites []string        `json:"unmet_prerequisites,omitempty"`
	RetryAfter         time.Duration   `json:"retry_after,omitempty"`
	Risk               RiskAssessment  `json:"-"`
}

// ValidationResult aggregates all stages; Valid only when no stage reported an error.
type ValidationResult struct {
	Valid    bool           `json:"valid"`
	Errors   []Issue        `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Data     ValidationData `json:"data"`
}

func (r *ValidationResult) fail(stage Stage, kind error, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Stage: stage, Message: fmt.Sprintf(format, args...), kind: kind})
}

func (r ValidationResult) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

func (r ValidationResult) has(kind error) bool {
	for _, e := range r.Errors {
		if errors.Is(e.kind, kind) {
			return true
		}
	}
	return false
}

// RejectionError reports a failed validation. It unwraps to the most severe
// sentinel so callers can map it with errors.Is.
type RejectionError struct {
	Result ValidationResult
}

func (e *RejectionError) Error() string {
	if e.Result.has(ErrPurchaseDenied) {
		return ErrPurchaseDenied.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Result.Messages(), "; ")
}

func (e *RejectionError) Unwrap() error {
	for _, kind := range []error{ErrPurchaseDenied, ErrRateLimited, ErrDuplicatePurchase} {
		if e.Result.has(kind) {
			return kind
		}
	}
	return ErrValidation
}

// Validator runs the nine purchase checks in a fixed order. Every stage runs;
// errors accumulate so the player sees every reason at once.
type Validator struct {
	limits  PurchaseLimits
	risk    *RiskModel
	history PurchaseHistory
	log     *slog.Logger
	now     func() time.Time
}

func NewValidator(limits PurchaseLimits, risk *RiskModel, history PurchaseHistory, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{limits: limits, risk: risk, history: history, log: logger, now: time.Now}
}

func (v *Validator) Validate(ctx context.Context, def Definition, req PurchaseRequest, pc PlayerContext) ValidationResult {
	var res ValidationResult
	current := pc.Owned[def.ID]
	res.Data.CurrentLevel = current
	res.Data.Levels = req.Levels

	v.checkRequest(&res, req)
	v.checkPlayerContext(&res, req, pc)
	v.checkUpgradeStatus(&res, def)
	cost := v.checkCurrency(&res, def, req, pc)
	v.checkPrerequisites(&res, def, pc)
	v.checkLevelLimit(&res, def, req, current)
	v.checkFraud(ctx, &res, req, pc, cost)
	v.checkDuplicate(&res, req, pc)
	v.checkRateLimit(ctx, &res, req)

	res.Valid = len(res.Errors) == 0
	return res
}

// Revalidate repeats the checks that depend on mutable state. It runs inside
// the purchase transaction against the locked ledger row and a fresh score, so
// a concurrent purchase that committed first is seen here as a duplicate.
func (v *Validator) Revalidate(ctx context.Context, def Definition, req PurchaseRequest, pc PlayerContext) ValidationResult {
	var res ValidationResult
	current := pc.Owned[def.ID]
	res.Data.CurrentLevel = current
	res.Data.Levels = req.Levels

	v.checkUpgradeStatus(&res, def)
	v.checkCurrency(&res, def, req, pc)
	v.checkPrerequisites(&res, def, pc)
	v.checkLevelLimit(&res, def, req, current)
	v.checkDuplicate(&res, req, pc)
	v.checkRateLimit(ctx, &res, req)

	res.Valid = len(res.Errors) == 0
	return res
}

func (v *Validator) checkRequest(res *ValidationResult, req PurchaseRequest) {
	if err := ValidateUpgradeID(req.UpgradeID); err != nil {
		res.fail(StageRequest, ErrValidation, "%v", err)
	}
	if req.Levels <= 0 {
		res.fail(StageRequest, ErrValidation, "levels must be > 0")
	} else if req.Levels > v.limits.MaxLevelsPerRequest {
		res.fail(StageRequest, ErrValidation, "at most %d levels per request", v.limits.MaxLevelsPerRequest)
	}
	if req.MaxSpend.Valid && !req.MaxSpend.Decimal.IsPositive() {
		res.fail(StageRequest, ErrValidation, "max spend must be > 0")
	}
}

func (v *Validator) checkPlayerContext(res *ValidationResult, req PurchaseRequest, pc PlayerContext) {
	if pc.PlayerID != req.PlayerID {
		v.log.Error("invariant violation: player context mismatch", "caller", req.PlayerID, "context_player", pc.PlayerID)
		res.fail(StagePlayerContext, ErrValidation, "player context does not belong to caller")
	}
	if pc.CurrentScore.IsNegative() {
		res.fail(StagePlayerContext, ErrValidation, "player score is invalid")
	}
}

func (v *Validator) checkUpgradeStatus(res *ValidationResult, def Definition) {
	if !def.Active {
		res.fail(StageUpgradeStatus, ErrValidation, "%s is not active", def.ID)
	}
	if def.Hidden {
		res.fail(StageUpgradeStatus, ErrValidation, "%s is not available", def.ID)
	}
}

func (v *Validator) checkCurrency(res *ValidationResult, def Definition, req PurchaseRequest, pc PlayerContext) decimal.Decimal {
	current := pc.Owned[def.ID]
	levels := req.Levels
	if room := def.MaxLevel - current; levels > room {
		levels = room
	}
	if levels <= 0 {
		res.Data.EstimatedCost = decimal.Zero
		return decimal.Zero
	}
	cost, ok := def.Cost.TotalCostForRange(current, current+levels)
	if !ok {
		res.fail(StageCurrency, ErrValidation, "%s cannot be purchased again", def.ID)
		return decimal.Zero
	}
	res.Data.EstimatedCost = cost
	if !CanAfford(pc.CurrentScore, cost) {
		res.fail(StageCurrency, ErrValidation, "insufficient score: need %s, have %s", cost.String(), pc.CurrentScore.String())
	}
	if cost.GreaterThan(pc.CurrentScore.Mul(v.limits.OvercommitFactor)) {
		res.fail(StageCurrency, ErrValidation, "cost exceeds %s times current score", v.limits.OvercommitFactor.String())
	}
	if req.MaxSpend.Valid && cost.GreaterThan(req.MaxSpend.Decimal) {
		res.fail(StageCurrency, ErrValidation, "cost %s exceeds max spend %s", cost.String(), req.MaxSpend.Decimal.String())
	}
	return cost
}

func (v *Validator) checkPrerequisites(res *ValidationResult, def Definition, pc PlayerContext) {
	unmet := UnmetPrerequisites(def, pc)
	res.Data.UnmetPrerequisites = unmet
	for _, name := range unmet {
		res.fail(StagePrerequisites, ErrValidation, "unmet prerequisite: %s", name)
	}
}

func (v *Validator) checkLevelLimit(res *ValidationResult, def Definition, req PurchaseRequest, current int) {
	room := def.MaxLevel - current
	if room <= 0 {
		res.fail(StageLevelLimit, ErrValidation, "%s is already at max level %d", def.ID, def.MaxLevel)
		return
	}
	if req.Levels > room {
		res.fail(StageLevelLimit, ErrValidation, "only %d of %d requested levels remain for %s", room, req.Levels, def.ID)
	}
}

func (v *Validator) checkFraud(ctx context.Context, res *ValidationResult, req PurchaseRequest, pc PlayerContext, cost decimal.Decimal) {
	if v.risk == nil {
		return
	}
	risk := v.risk.Assess(ctx, FraudCheck{Context: pc, UpgradeID: req.UpgradeID, Levels: req.Levels, Cost: cost})
	res.Data.Risk = risk
	switch {
	case risk.ShouldBlock:
		v.log.Warn("purchase blocked by risk model",
			"player_id", req.PlayerID, "upgrade_id", req.UpgradeID, "risk_score", risk.Score, "signals", risk.Signals)
		res.fail(StageAntiFraud, ErrPurchaseDenied, "%s", ErrPurchaseDenied.Error())
	case risk.IsSuspicious:
		v.log.Warn("suspicious purchase flagged for review",
			"player_id", req.PlayerID, "upgrade_id", req.UpgradeID, "risk_score", risk.Score, "signals", risk.Signals)
	}
}

func (v *Validator) checkDuplicate(res *ValidationResult, req PurchaseRequest, pc PlayerContext) {
	last, ok := pc.LastUpgradedAt[req.UpgradeID]
	if !ok || last.IsZero() {
		return
	}
	elapsed := v.now().Sub(last)
	if elapsed < v.limits.DuplicateWindow {
		wait := v.limits.DuplicateWindow - elapsed
		res.Data.RetryAfter = maxDuration(res.Data.RetryAfter, wait)
		res.fail(StageDuplicate, ErrDuplicatePurchase, "%s was purchased %s ago; retry in %s",
			req.UpgradeID, elapsed.Round(time.Second), wait.Round(time.Second))
	}
}

func (v *Validator) checkRateLimit(ctx context.Context, res *ValidationResult, req PurchaseRequest) {
	if v.limits.MaxPurchasesPerMinute <= 0 {
		return
	}
	now := v.now()
	recent, err := v.history.RecentPurchases(ctx, req.PlayerID, now.Add(-time.Minute))
	if err != nil {
		v.log.Error("rate limit lookup failed", "player_id", req.PlayerID, "err", err)
		res.fail(StageRateLimit, ErrValidation, "purchase history unavailable; try again")
		return
	}
	if len(recent) < v.limits.MaxPurchasesPerMinute {
		return
	}
	oldest := now
	for _, e := range recent {
		if e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	wait := oldest.Add(time.Minute).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	res.Data.RetryAfter = maxDuration(res.Data.RetryAfter, wait)
	res.fail(StageRateLimit, ErrRateLimited, "limit of %d purchases per minute reached; retry in %s",
		v.limits.MaxPurchasesPerMinute, wait.Round(time.Second))
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
