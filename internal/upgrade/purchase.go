package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SagaStage is the last step a purchase completed.
type SagaStage string

const (
	SagaValidated        SagaStage = "validated"
	SagaCurrencyDeducted SagaStage = "currency_deducted"
	SagaLedgerUpdated    SagaStage = "ledger_updated"
	SagaEffectsApplied   SagaStage = "effects_applied"
	SagaCommitted        SagaStage = "committed"
)

// RollbackInfo is a durable compensation record: the player paid Amount for a
// purchase that was never recorded and must be refunded.
type RollbackInfo struct {
	ID         string          `json:"id"`
	PlayerID   string          `json:"player_id"`
	UpgradeID  string          `json:"upgrade_id"`
	Levels     int             `json:"levels"`
	Amount     decimal.Decimal `json:"amount"`
	Stage      SagaStage       `json:"stage"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type purchaseSaga struct {
	def       Definition
	req       PurchaseRequest
	stage     SagaStage
	cost      decimal.Decimal
	record    Record
	remaining decimal.Decimal
	summary   EffectSummary
	rejected  *RejectionError
}

func (p *purchaseSaga) deducted() bool {
	return p.stage != SagaValidated
}

// PurchaseUpgrade validates the request and, when it passes, executes it as a
// saga: deduct remote score, persist the ledger, then push effects. A
// validation failure returns the result with every message and a
// *RejectionError.
func (s *Service) PurchaseUpgrade(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	res := PurchaseResult{UpgradeID: req.UpgradeID, CostPaid: decimal.Zero}
	if err := ValidatePlayerID(req.PlayerID); err != nil {
		res.Errors = []string{err.Error()}
		return res, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	def, ok := s.catalog.Get(req.UpgradeID)
	if !ok {
		res.Errors = []string{ErrUpgradeNotFound.Error()}
		return res, ErrUpgradeNotFound
	}
	pc, err := s.PlayerContext(ctx, req.PlayerID)
	if err != nil {
		res.Errors = []string{err.Error()}
		return res, err
	}
	res.NewLevel = pc.Owned[def.ID]
	res.RemainingScore = pc.CurrentScore

	verdict := s.validator.Validate(ctx, def, req, pc)
	res.Warnings = append(res.Warnings, verdict.Warnings...)
	if !verdict.Valid {
		res.Errors = verdict.Messages()
		if verdict.has(ErrPurchaseDenied) {
			res.Errors = []string{ErrPurchaseDenied.Error()}
		}
		return res, &RejectionError{Result: verdict}
	}
	if err := ctx.Err(); err != nil {
		res.Errors = []string{err.Error()}
		return res, err
	}
	return s.execute(ctx, def, req, pc, res)
}

func (s *Service) execute(ctx context.Context, def Definition, req PurchaseRequest, pc PlayerContext, res PurchaseResult) (PurchaseResult, error) {
	saga := &purchaseSaga{def: def, req: req, stage: SagaValidated}
	// Once the deduction is issued the purchase runs to completion, so the
	// transaction does not inherit the caller's cancellation.
	detached := context.WithoutCancel(ctx)
	err := s.store.WithTx(detached, func(tx LedgerTx) error {
		return s.applyPurchase(ctx, detached, tx, saga, pc)
	})
	if err != nil {
		if saga.rejected != nil {
			res.Errors = saga.rejected.Result.Messages()
			return res, saga.rejected
		}
		if saga.deducted() {
			s.compensate(detached, saga, err)
			res.Errors = []string{ErrLedgerWriteFailed.Error()}
			return res, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
		}
		res.Errors = []string{err.Error()}
		return res, err
	}

	if s.pushEffects(detached, req.PlayerID, saga.summary.Push(def.ID)) {
		saga.stage = SagaEffectsApplied
	} else {
		res.Warnings = append(res.Warnings, "effects will be applied shortly")
	}
	s.log.Info("upgrade purchased",
		"player_id", req.PlayerID,
		"upgrade_id", def.ID,
		"levels", req.Levels,
		"new_level", saga.record.Level,
		"cost", saga.cost.String(),
		"stage", saga.stage,
	)
	saga.stage = SagaCommitted
	summary := saga.summary
	res.Success = true
	res.LevelsPurchased = req.Levels
	res.NewLevel = saga.record.Level
	res.CostPaid = saga.cost
	res.RemainingScore = saga.remaining
	res.UpdatedEffects = &summary
	return res, nil
}

// applyPurchase runs inside the ledger transaction. Every error returned after
// the deduction leaves saga.stage past SagaValidated so the caller compensates.
func (s *Service) applyPurchase(callerCtx, ctx context.Context, tx LedgerTx, saga *purchaseSaga, pc PlayerContext) error {
	req := saga.req
	rec, found, err := tx.LockUpgrade(ctx, req.PlayerID, req.UpgradeID)
	if err != nil {
		return fmt.Errorf("lock ledger row: %w", err)
	}
	if found && rec.Level < 0 {
		s.log.Error("invariant violation: negative ledger level", "player_id", req.PlayerID, "upgrade_id", req.UpgradeID, "level", rec.Level)
		return fmt.Errorf("%w: ledger row is corrupt", ErrValidation)
	}
	score, err := s.session.GetScore(ctx, req.PlayerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	fresh := pc.withLevel(req.UpgradeID, rec.Level).withLastUpgrade(req.UpgradeID, rec.LastUpgradedAt)
	fresh.CurrentScore = score
	verdict := s.validator.Revalidate(ctx, saga.def, req, fresh)
	if !verdict.Valid {
		saga.rejected = &RejectionError{Result: verdict}
		return saga.rejected
	}
	if err := callerCtx.Err(); err != nil {
		return err
	}

	saga.cost = verdict.Data.EstimatedCost
	reason := fmt.Sprintf("upgrade %s x%d", req.UpgradeID, req.Levels)
	ok, err := s.session.DeductScore(ctx, req.PlayerID, saga.cost, reason)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeductionFailed, err)
	}
	if !ok {
		return ErrDeductionFailed
	}
	saga.stage = SagaCurrencyDeducted
	saga.remaining = score.Sub(saga.cost)

	now := s.now().UTC()
	save := tx.UpdateUpgrade
	if !found {
		rec = Record{PlayerID: req.PlayerID, UpgradeID: req.UpgradeID, PurchasedAt: now}
		save = tx.CreateUpgrade
	}
	rec.Level += req.Levels
	rec.LastUpgradedAt = now
	if err := save(ctx, rec); err != nil {
		return fmt.Errorf("save ledger row: %w", err)
	}
	if err := tx.AppendPurchase(ctx, PurchaseEvent{
		ID:        uuid.NewString(),
		PlayerID:  req.PlayerID,
		UpgradeID: req.UpgradeID,
		Levels:    req.Levels,
		Cost:      saga.cost,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("append purchase event: %w", err)
	}
	records, err := tx.PlayerUpgrades(ctx, req.PlayerID)
	if err != nil {
		return fmt.Errorf("reload ledger: %w", err)
	}
	saga.record = rec
	saga.summary = s.engine.CalculatePlayerEffects(req.PlayerID, ownedLevels(records))
	saga.stage = SagaLedgerUpdated
	return nil
}

// compensate writes the refund record. If even that fails the full record is
// logged so it can be recovered from logs.
func (s *Service) compensate(ctx context.Context, saga *purchaseSaga, cause error) {
	info := RollbackInfo{
		ID:        uuid.NewString(),
		PlayerID:  saga.req.PlayerID,
		UpgradeID: saga.req.UpgradeID,
		Levels:    saga.req.Levels,
		Amount:    saga.cost,
		Stage:     saga.stage,
		Reason:    cause.Error(),
		CreatedAt: s.now().UTC(),
	}
	s.log.Error("purchase failed after score deduction; refund required",
		"compensation_id", info.ID,
		"player_id", info.PlayerID,
		"upgrade_id", info.UpgradeID,
		"amount", info.Amount.String(),
		"stage", info.Stage,
		"err", cause,
	)
	if err := s.store.RecordCompensation(ctx, info); err != nil {
		s.log.Error("compensation record write failed",
			"compensation_id", info.ID,
			"player_id", info.PlayerID,
			"upgrade_id", info.UpgradeID,
			"levels", info.Levels,
			"amount", info.Amount.String(),
			"stage", info.Stage,
			"reason", info.Reason,
			"created_at", info.CreatedAt,
			"err", err,
		)
	}
}

const MaxBulkItems = 50

// BulkPurchase buys items in order against one running budget: the smaller of
// maxTotalSpend and the player's score. An item whose cost exceeds what is
// left is skipped, not attempted. A failed item never stops the ones after it.
func (s *Service) BulkPurchase(ctx context.Context, playerID string, items []BulkItem, maxTotalSpend decimal.NullDecimal) (BulkResult, error) {
	out := BulkResult{TotalSpent: decimal.Zero}
	if len(items) == 0 {
		return out, fmt.Errorf("%w: bulk purchase needs at least one item", ErrValidation)
	}
	if len(items) > MaxBulkItems {
		return out, fmt.Errorf("%w: at most %d items per bulk purchase", ErrValidation, MaxBulkItems)
	}
	if maxTotalSpend.Valid && !maxTotalSpend.Decimal.IsPositive() {
		return out, fmt.Errorf("%w: max total spend must be > 0", ErrValidation)
	}
	pc, err := s.PlayerContext(ctx, playerID)
	if err != nil {
		return out, err
	}
	remaining := pc.CurrentScore
	if maxTotalSpend.Valid {
		remaining = decimal.Min(remaining, maxTotalSpend.Decimal)
	}
	owned := make(map[string]int, len(pc.Owned))
	for k, v := range pc.Owned {
		owned[k] = v
	}

	for _, item := range items {
		res := s.bulkItem(ctx, playerID, item, owned, remaining)
		if res.Success {
			out.SuccessCount++
			out.TotalSpent = out.TotalSpent.Add(res.CostPaid)
			remaining = remaining.Sub(res.CostPaid)
			owned[item.UpgradeID] = res.NewLevel
		} else {
			out.FailCount++
		}
		out.Items = append(out.Items, res)
	}
	s.log.Info("bulk purchase finished",
		"player_id", playerID,
		"items", len(items),
		"succeeded", out.SuccessCount,
		"failed", out.FailCount,
		"spent", out.TotalSpent.String(),
	)
	return out, nil
}

func (s *Service) bulkItem(ctx context.Context, playerID string, item BulkItem, owned map[string]int, remaining decimal.Decimal) PurchaseResult {
	res := PurchaseResult{UpgradeID: item.UpgradeID, CostPaid: decimal.Zero}
	if err := ctx.Err(); err != nil {
		res.Errors = []string{err.Error()}
		return res
	}
	def, ok := s.catalog.Get(item.UpgradeID)
	if !ok {
		res.Errors = []string{ErrUpgradeNotFound.Error()}
		return res
	}
	current := owned[def.ID]
	res.NewLevel = current
	levels := item.Levels
	if room := def.MaxLevel - current; levels > room {
		levels = room
	}
	if levels > 0 {
		estimate, ok := def.Cost.TotalCostForRange(current, current+levels)
		if ok && estimate.GreaterThan(remaining) {
			res.Skipped = true
			res.Errors = []string{fmt.Sprintf("skipped: cost %s exceeds remaining budget %s", estimate.String(), remaining.String())}
			return res
		}
	}
	req := PurchaseRequest{PlayerID: playerID, UpgradeID: item.UpgradeID, Levels: item.Levels}
	if remaining.IsPositive() {
		req.MaxSpend = decimal.NewNullDecimal(remaining)
	}
	res, err := s.PurchaseUpgrade(ctx, req)
	if err != nil && len(res.Errors) == 0 {
		res.Errors = []string{err.Error()}
	}
	return res
}
