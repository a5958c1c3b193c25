package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// GameSession is the remote service that owns the live score. Every call is
// at-most-once: the engine never retries it.
type GameSession interface {
	PlayerState(ctx context.Context, playerID string) (PlayerState, error)
	GetScore(ctx context.Context, playerID string) (decimal.Decimal, error)
	DeductScore(ctx context.Context, playerID string, amount decimal.Decimal, reason string) (bool, error)
	ApplyEffects(ctx context.Context, playerID string, effects EffectPush) (bool, error)
	ValidateSession(ctx context.Context, playerID string) (bool, error)
}

// Store is the local persistence used by the service.
type Store interface {
	PurchaseHistory
	PlayerUpgrades(ctx context.Context, playerID string) ([]Record, error)
	// WithTx runs fn in one read-committed transaction and commits when fn returns nil.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error
	RecordCompensation(ctx context.Context, info RollbackInfo) error
	EnqueueEffects(ctx context.Context, playerID string, push EffectPush, cause string) error
	DeletePlayerUpgrades(ctx context.Context, playerID string) (int64, error)
}

// LedgerTx is the transactional view of the player ledger.
type LedgerTx interface {
	// LockUpgrade serializes purchases of one upgrade by one player for the
	// rest of the transaction, then reads the ledger record; found is false
	// when the player owns none.
	LockUpgrade(ctx context.Context, playerID, upgradeID string) (rec Record, found bool, err error)
	// CreateUpgrade inserts a new ledger row and fails with ErrDuplicatePurchase
	// when a concurrent purchase created it first.
	CreateUpgrade(ctx context.Context, rec Record) error
	UpdateUpgrade(ctx context.Context, rec Record) error
	AppendPurchase(ctx context.Context, ev PurchaseEvent) error
	PlayerUpgrades(ctx context.Context, playerID string) ([]Record, error)
}

type Options struct {
	Limits PurchaseLimits
	Fraud  FraudConfig
}

func DefaultOptions() Options {
	return Options{Limits: DefaultPurchaseLimits(), Fraud: DefaultFraudConfig()}
}

type Service struct {
	catalog   *Catalog
	engine    *Engine
	validator *Validator
	risk      *RiskModel
	store     Store
	session   GameSession
	log       *slog.Logger
	now       func() time.Time
}

func NewService(catalog *Catalog, store Store, session GameSession, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	risk := NewRiskModel(opts.Fraud, store, logger)
	return &Service{
		catalog:   catalog,
		engine:    NewEngine(catalog),
		validator: NewValidator(opts.Limits, risk, store, logger),
		risk:      risk,
		store:     store,
		session:   session,
		log:       logger,
		now:       time.Now,
	}
}

// setClock replaces the time source everywhere the service reads it.
func (s *Service) setClock(now func() time.Time) {
	s.now = now
	s.validator.now = now
	s.risk.now = now
}

func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// ValidateSession asks the game session whether the player has a live session.
func (s *Service) ValidateSession(ctx context.Context, playerID string) error {
	if err := ValidatePlayerID(playerID); err != nil {
		return err
	}
	ok, err := s.session.ValidateSession(ctx, playerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if !ok {
		return ErrInvalidSession
	}
	return nil
}

// PlayerContext loads the remote player state and the local ledger concurrently.
func (s *Service) PlayerContext(ctx context.Context, playerID string) (PlayerContext, error) {
	if err := ValidatePlayerID(playerID); err != nil {
		return PlayerContext{}, err
	}
	var (
		state   PlayerState
		records []Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := s.session.PlayerState(gctx, playerID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
		}
		state = st
		return nil
	})
	g.Go(func() error {
		recs, err := s.store.PlayerUpgrades(gctx, playerID)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		records = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		return PlayerContext{}, err
	}
	return NewPlayerContext(playerID, state, records), nil
}

func (s *Service) GetPlayerEffects(ctx context.Context, playerID string) (EffectSummary, error) {
	if err := ValidatePlayerID(playerID); err != nil {
		return EffectSummary{}, err
	}
	records, err := s.store.PlayerUpgrades(ctx, playerID)
	if err != nil {
		return EffectSummary{}, fmt.Errorf("load ledger: %w", err)
	}
	return s.engine.CalculatePlayerEffects(playerID, ownedLevels(records)), nil
}

func (s *Service) ListUpgrades(ctx context.Context, playerID string) ([]UpgradeView, error) {
	pc, err := s.PlayerContext(ctx, playerID)
	if err != nil {
		return nil, err
	}
	out := make([]UpgradeView, 0, s.catalog.Len())
	for _, def := range s.catalog.All() {
		if def.Hidden {
			continue
		}
		level := pc.Owned[def.ID]
		next, _ := def.Cost.CostAt(level)
		out = append(out, UpgradeView{
			ID:           def.ID,
			Name:         def.Name,
			Description:  def.Description,
			Category:     def.Category,
			Rarity:       def.Rarity,
			Level:        level,
			MaxLevel:     def.MaxLevel,
			NextCost:     next,
			CanPurchase:  CanPurchase(def, pc),
			Unmet:        UnmetPrerequisites(def, pc),
			CurrentValue: def.EffectAt(level),
		})
	}
	return out, nil
}

func (s *Service) PreviewPurchase(ctx context.Context, playerID, upgradeID string, levels int) (Preview, error) {
	def, ok := s.catalog.Get(upgradeID)
	if !ok {
		return Preview{}, ErrUpgradeNotFound
	}
	pc, err := s.PlayerContext(ctx, playerID)
	if err != nil {
		return Preview{}, err
	}
	return PreviewPurchase(def, pc, levels), nil
}

// GetRecommendation picks the most efficient upgrade for budget and how many
// levels of it the budget buys. An invalid budget means the current score.
func (s *Service) GetRecommendation(ctx context.Context, playerID string, budget decimal.NullDecimal) (Recommendation, error) {
	pc, err := s.PlayerContext(ctx, playerID)
	if err != nil {
		return Recommendation{}, err
	}
	limit := pc.CurrentScore
	if budget.Valid {
		limit = decimal.Min(budget.Decimal, pc.CurrentScore)
	}
	best, ok := s.engine.BestUpgradeForBudget(s.catalog.All(), pc, limit)
	if !ok {
		return Recommendation{}, ErrNoRecommendation
	}
	current := pc.Owned[best.Definition.ID]
	levels, cost := MaxAffordableLevels(best.Definition, current, limit)
	reasoning := fmt.Sprintf("%s gives the most %s per point spent at %d total upgrade levels; %d level(s) fit a budget of %s",
		best.Definition.Name, best.Definition.Category, pc.TotalUpgradeLevel(), levels, limit.String())
	// A recommendation must be buyable in one request.
	if perRequest := s.validator.limits.MaxLevelsPerRequest; perRequest > 0 && levels > perRequest {
		levels = perRequest
		cost, _ = best.Definition.Cost.TotalCostForRange(current, current+levels)
		reasoning += fmt.Sprintf(", capped at %d levels per purchase", perRequest)
	}
	return Recommendation{
		UpgradeID:       best.Definition.ID,
		Name:            best.Definition.Name,
		Levels:          levels,
		Cost:            cost,
		EfficiencyScore: best.Efficiency.Round(valuePrecision),
		Reasoning:       reasoning,
	}, nil
}

// ResetPlayer deletes every ledger record of the player and pushes empty effects.
func (s *Service) ResetPlayer(ctx context.Context, playerID string) (int64, error) {
	if err := ValidatePlayerID(playerID); err != nil {
		return 0, err
	}
	n, err := s.store.DeletePlayerUpgrades(ctx, playerID)
	if err != nil {
		return 0, fmt.Errorf("reset ledger: %w", err)
	}
	s.log.Info("player upgrades reset", "player_id", playerID, "records", n)
	summary := s.engine.CalculatePlayerEffects(playerID, nil)
	s.pushEffects(ctx, playerID, summary.Push(""))
	return n, nil
}

// pushEffects is best-effort: a failed push goes to the outbox for the worker.
func (s *Service) pushEffects(ctx context.Context, playerID string, push EffectPush) bool {
	ok, err := s.session.ApplyEffects(ctx, playerID, push)
	if err == nil && ok {
		return true
	}
	cause := "game session rejected effects"
	if err != nil {
		cause = err.Error()
	}
	s.log.Warn("effect push failed; queued for retry", "player_id", playerID, "upgrade_id", push.SourceUpgradeID, "cause", cause)
	if qerr := s.store.EnqueueEffects(ctx, playerID, push, cause); qerr != nil {
		s.log.Error("effect outbox write failed", "player_id", playerID, "err", qerr)
	}
	return false
}

func ownedLevels(records []Record) map[string]int {
	out := make(map[string]int, len(records))
	for _, r := range records {
		out[r.UpgradeID] = r.Level
	}
	return out
}
