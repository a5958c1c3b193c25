package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PendingEffect is an effect push that did not reach the game session.
type PendingEffect struct {
	PlayerID  string
	Push      EffectPush
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

type OutboxStore interface {
	PlayerUpgrades(ctx context.Context, playerID string) ([]Record, error)
	PendingEffects(ctx context.Context, limit int) ([]PendingEffect, error)
	// MarkEffectsDelivered removes the entry unless it was re-enqueued after updatedAt.
	MarkEffectsDelivered(ctx context.Context, playerID string, updatedAt time.Time) error
	MarkEffectsFailed(ctx context.Context, playerID string, cause string) error
	UnresolvedCompensations(ctx context.Context, limit int) ([]RollbackInfo, error)
}

type ReconcileReport struct {
	Delivered  int
	Failed     int
	Unresolved []RollbackInfo
}

// Reconciler retries effect pushes out of band and surfaces refunds still owed.
type Reconciler struct {
	engine    *Engine
	store     OutboxStore
	session   GameSession
	log       *slog.Logger
	BatchSize int
}

func NewReconciler(catalog *Catalog, store OutboxStore, session GameSession, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		engine:    NewEngine(catalog),
		store:     store,
		session:   session,
		log:       logger,
		BatchSize: 100,
	}
}

// RunOnce drains one batch of the outbox. The pushed summary is recomputed
// from the ledger so a retry always carries the latest effects.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	pending, err := r.store.PendingEffects(ctx, r.BatchSize)
	if err != nil {
		return report, fmt.Errorf("load effect outbox: %w", err)
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.deliver(ctx, p); err != nil {
			report.Failed++
			r.log.Warn("effect retry failed", "player_id", p.PlayerID, "attempts", p.Attempts+1, "err", err)
			if merr := r.store.MarkEffectsFailed(ctx, p.PlayerID, err.Error()); merr != nil {
				return report, fmt.Errorf("mark effects failed: %w", merr)
			}
			continue
		}
		if err := r.store.MarkEffectsDelivered(ctx, p.PlayerID, p.UpdatedAt); err != nil {
			return report, fmt.Errorf("mark effects delivered: %w", err)
		}
		report.Delivered++
	}

	unresolved, err := r.store.UnresolvedCompensations(ctx, r.BatchSize)
	if err != nil {
		return report, fmt.Errorf("load compensations: %w", err)
	}
	report.Unresolved = unresolved
	for _, c := range unresolved {
		r.log.Error("refund outstanding",
			"compensation_id", c.ID,
			"player_id", c.PlayerID,
			"upgrade_id", c.UpgradeID,
			"levels", c.Levels,
			"amount", c.Amount.String(),
			"stage", c.Stage,
			"reason", c.Reason,
			"age", time.Since(c.CreatedAt).Round(time.Second).String(),
		)
	}
	return report, nil
}

func (r *Reconciler) deliver(ctx context.Context, p PendingEffect) error {
	records, err := r.store.PlayerUpgrades(ctx, p.PlayerID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	push := r.engine.CalculatePlayerEffects(p.PlayerID, ownedLevels(records)).Push(p.Push.SourceUpgradeID)
	ok, err := r.session.ApplyEffects(ctx, p.PlayerID, push)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("game session rejected effects")
	}
	return nil
}
