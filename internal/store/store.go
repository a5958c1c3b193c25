package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"clickforge/internal/upgrade"
)

// Numeric columns cross the wire as text so no precision is lost between
// NUMERIC and decimal.Decimal.

const uniqueViolation = "23505"

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ upgrade.Store       = (*PGStore)(nil)
	_ upgrade.OutboxStore = (*PGStore)(nil)
)

// PGStore persists the player ledger, purchase history, compensation log and
// effect outbox in Postgres.
type PGStore struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func New(db *pgxpool.Pool, logger *slog.Logger) *PGStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGStore{db: db, log: logger}
}

func (s *PGStore) PlayerUpgrades(ctx context.Context, playerID string) ([]upgrade.Record, error) {
	return playerUpgrades(ctx, s.db, playerID)
}

func playerUpgrades(ctx context.Context, q querier, playerID string) ([]upgrade.Record, error) {
	rows, err := q.Query(ctx, `
		SELECT player_id, upgrade_id, level, purchased_at, last_upgraded_at
		FROM upgrades.player_upgrades
		WHERE player_id = $1
		ORDER BY upgrade_id
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []upgrade.Record{}
	for rows.Next() {
		var r upgrade.Record
		if err := rows.Scan(&r.PlayerID, &r.UpgradeID, &r.Level, &r.PurchasedAt, &r.LastUpgradedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) WithTx(ctx context.Context, fn func(tx upgrade.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{tx: tx, log: s.log}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) RecentPurchases(ctx context.Context, playerID string, since time.Time) ([]upgrade.PurchaseEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, player_id, upgrade_id, levels, cost::text, created_at
		FROM upgrades.purchase_events
		WHERE player_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, playerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []upgrade.PurchaseEvent{}
	for rows.Next() {
		var (
			ev   upgrade.PurchaseEvent
			cost string
		)
		if err := rows.Scan(&ev.ID, &ev.PlayerID, &ev.UpgradeID, &ev.Levels, &cost, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if ev.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("purchase %s cost: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) AveragePurchaseCost(ctx context.Context, playerID string) (decimal.Decimal, int, error) {
	var (
		avg   string
		count int
	)
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(AVG(cost), 0)::text, COUNT(1)
		FROM upgrades.purchase_events
		WHERE player_id = $1
	`, playerID).Scan(&avg, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	d, err := decimal.NewFromString(avg)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("average cost: %w", err)
	}
	return d, count, nil
}

func (s *PGStore) RecordCompensation(ctx context.Context, info upgrade.RollbackInfo) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO upgrades.compensations (id, player_id, upgrade_id, levels, amount, stage, reason, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, info.ID, info.PlayerID, info.UpgradeID, info.Levels, info.Amount.String(), string(info.Stage), info.Reason, info.CreatedAt)
	return err
}

func (s *PGStore) UnresolvedCompensations(ctx context.Context, limit int) ([]upgrade.RollbackInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, player_id, upgrade_id, levels, amount::text, stage, reason, created_at
		FROM upgrades.compensations
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []upgrade.RollbackInfo{}
	for rows.Next() {
		var (
			c      upgrade.RollbackInfo
			amount string
			stage  string
		)
		if err := rows.Scan(&c.ID, &c.PlayerID, &c.UpgradeID, &c.Levels, &amount, &stage, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("compensation %s amount: %w", c.ID, err)
		}
		c.Stage = upgrade.SagaStage(stage)
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnqueueEffects keeps one pending push per player; a newer push replaces the
// older payload but keeps its attempt count.
func (s *PGStore) EnqueueEffects(ctx context.Context, playerID string, push upgrade.EffectPush, cause string) error {
	payload, err := json.Marshal(push)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO upgrades.effect_outbox (player_id, payload, last_error, updated_at)
		VALUES ($1, $2::jsonb, $3, now())
		ON CONFLICT (player_id) DO UPDATE
		SET payload = EXCLUDED.payload,
			last_error = EXCLUDED.last_error,
			updated_at = now()
	`, playerID, string(payload), cause)
	return err
}

func (s *PGStore) PendingEffects(ctx context.Context, limit int) ([]upgrade.PendingEffect, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT player_id, payload::text, attempts, last_error, updated_at
		FROM upgrades.effect_outbox
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []upgrade.PendingEffect{}
	for rows.Next() {
		var (
			p       upgrade.PendingEffect
			payload string
		)
		if err := rows.Scan(&p.PlayerID, &payload, &p.Attempts, &p.LastError, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &p.Push); err != nil {
			s.log.Error("corrupt effect outbox payload", "player_id", p.PlayerID, "err", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkEffectsDelivered(ctx context.Context, playerID string, updatedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM upgrades.effect_outbox
		WHERE player_id = $1 AND updated_at <= $2
	`, playerID, updatedAt)
	return err
}

func (s *PGStore) MarkEffectsFailed(ctx context.Context, playerID string, cause string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE upgrades.effect_outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE player_id = $1
	`, playerID, cause)
	return err
}

// DeletePlayerUpgrades clears the ledger of a player. Purchase history is
// kept for rate limiting and fraud scoring.
func (s *PGStore) DeletePlayerUpgrades(ctx context.Context, playerID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM upgrades.player_upgrades WHERE player_id = $1`, playerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type ledgerTx struct {
	tx  pgx.Tx
	log *slog.Logger
}

// LockUpgrade takes a transaction-scoped advisory lock on the player and
// upgrade before reading the row, so a first purchase with no row yet is
// serialized as well.
func (t *ledgerTx) LockUpgrade(ctx context.Context, playerID, upgradeID string) (upgrade.Record, bool, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`, playerID, upgradeID); err != nil {
		return upgrade.Record{}, false, fmt.Errorf("advisory lock: %w", err)
	}
	var r upgrade.Record
	err := t.tx.QueryRow(ctx, `
		SELECT player_id, upgrade_id, level, purchased_at, last_upgraded_at
		FROM upgrades.player_upgrades
		WHERE player_id = $1 AND upgrade_id = $2
		FOR UPDATE
	`, playerID, upgradeID).Scan(&r.PlayerID, &r.UpgradeID, &r.Level, &r.PurchasedAt, &r.LastUpgradedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return upgrade.Record{}, false, nil
	}
	if err != nil {
		return upgrade.Record{}, false, err
	}
	return r, true, nil
}

func (t *ledgerTx) CreateUpgrade(ctx context.Context, rec upgrade.Record) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO upgrades.player_upgrades (player_id, upgrade_id, level, purchased_at, last_upgraded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.PlayerID, rec.UpgradeID, rec.Level, rec.PurchasedAt, rec.LastUpgradedAt)
	if isUniqueViolation(err) {
		t.log.Error("invariant violation: duplicate ledger row", "player_id", rec.PlayerID, "upgrade_id", rec.UpgradeID)
		return fmt.Errorf("%w: ledger row created concurrently", upgrade.ErrDuplicatePurchase)
	}
	return err
}

func (t *ledgerTx) UpdateUpgrade(ctx context.Context, rec upgrade.Record) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE upgrades.player_upgrades
		SET level = $3, last_upgraded_at = $4
		WHERE player_id = $1 AND upgrade_id = $2
	`, rec.PlayerID, rec.UpgradeID, rec.Level, rec.LastUpgradedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("ledger row %s/%s vanished", rec.PlayerID, rec.UpgradeID)
	}
	return nil
}

func (t *ledgerTx) AppendPurchase(ctx context.Context, ev upgrade.PurchaseEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO upgrades.purchase_events (id, player_id, upgrade_id, levels, cost, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
	`, ev.ID, ev.PlayerID, ev.UpgradeID, ev.Levels, ev.Cost.String(), ev.CreatedAt)
	return err
}

func (t *ledgerTx) PlayerUpgrades(ctx context.Context, playerID string) ([]upgrade.Record, error) {
	return playerUpgrades(ctx, t.tx, playerID)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
