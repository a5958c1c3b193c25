package upgrade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	return c
}

func mustDef(t *testing.T, c *Catalog, id string) Definition {
	t.Helper()
	d, ok := c.Get(id)
	if !ok {
		t.Fatalf("upgrade %s missing from catalog", id)
	}
	return d
}

// fakeHistory serves purchase history to the risk model and validator.
type fakeHistory struct {
	events []PurchaseEvent
	avg    decimal.Decimal
	count  int
	err    error
}

func (h *fakeHistory) RecentPurchases(_ context.Context, playerID string, since time.Time) ([]PurchaseEvent, error) {
	if h.err != nil {
		return nil, h.err
	}
	var out []PurchaseEvent
	for _, e := range h.events {
		if e.PlayerID == playerID && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *fakeHistory) AveragePurchaseCost(context.Context, string) (decimal.Decimal, int, error) {
	if h.err != nil {
		return decimal.Zero, 0, h.err
	}
	return h.avg, h.count, nil
}

// spacedEvents returns n purchases by playerID, the newest at end, gap apart.
func spacedEvents(playerID string, n int, end time.Time, gap time.Duration) []PurchaseEvent {
	out := make([]PurchaseEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, PurchaseEvent{
			ID:        "ev",
			PlayerID:  playerID,
			UpgradeID: "click_power_1",
			Levels:    1,
			Cost:      decimal.NewFromInt(10),
			CreatedAt: end.Add(-time.Duration(n-1-i) * gap),
		})
	}
	return out
}

// fakeStore is an in-memory Store and OutboxStore. Transactions stage their
// writes and apply them on commit; txMu serializes them like the ledger lock.
type fakeStore struct {
	mu            sync.Mutex
	txMu          sync.Mutex
	records       map[string]map[string]Record
	events        []PurchaseEvent
	compensations []RollbackInfo
	outbox        map[string]PendingEffect

	historyErr      error
	saveErr         error
	createErr       error
	commitErr       error
	compensationErr error
	clock           func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: map[string]map[string]Record{},
		outbox:  map[string]PendingEffect{},
		clock:   time.Now,
	}
}

func (s *fakeStore) put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[rec.PlayerID] == nil {
		s.records[rec.PlayerID] = map[string]Record{}
	}
	s.records[rec.PlayerID][rec.UpgradeID] = rec
}

func (s *fakeStore) level(playerID, upgradeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[playerID][upgradeID].Level
}

func (s *fakeStore) snapshot(playerID string) []Record {
	out := []Record{}
	for _, r := range s.records[playerID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpgradeID < out[j].UpgradeID })
	return out
}

func (s *fakeStore) PlayerUpgrades(_ context.Context, playerID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(playerID), nil
}

func (s *fakeStore) RecentPurchases(_ context.Context, playerID string, since time.Time) ([]PurchaseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	var out []PurchaseEvent
	for _, e := range s.events {
		if e.PlayerID == playerID && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) AveragePurchaseCost(_ context.Context, playerID string) (decimal.Decimal, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return decimal.Zero, 0, s.historyErr
	}
	sum := decimal.Zero
	n := 0
	for _, e := range s.events {
		if e.PlayerID == playerID {
			sum = sum.Add(e.Cost)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, 0, nil
	}
	return sum.Div(decimal.NewFromInt(int64(n))), n, nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	tx := &fakeTx{store: s, staged: map[string]Record{}}
	if err := fn(tx); err != nil {
		return err
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range tx.staged {
		if s.records[rec.PlayerID] == nil {
			s.records[rec.PlayerID] = map[string]Record{}
		}
		s.records[rec.PlayerID][rec.UpgradeID] = rec
	}
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *fakeStore) RecordCompensation(_ context.Context, info RollbackInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compensationErr != nil {
		return s.compensationErr
	}
	s.compensations = append(s.compensations, info)
	return nil
}

func (s *fakeStore) EnqueueEffects(_ context.Context, playerID string, push EffectPush, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.outbox[playerID]
	p.PlayerID = playerID
	p.Push = push
	p.LastError = cause
	p.UpdatedAt = s.clock()
	s.outbox[playerID] = p
	return nil
}

func (s *fakeStore) DeletePlayerUpgrades(_ context.Context, playerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.records[playerID]))
	delete(s.records, playerID)
	return n, nil
}

func (s *fakeStore) PendingEffects(_ context.Context, limit int) ([]PendingEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []PendingEffect{}
	for _, p := range s.outbox {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) MarkEffectsDelivered(_ context.Context, playerID string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.outbox[playerID]; ok && !p.UpdatedAt.After(updatedAt) {
		delete(s.outbox, playerID)
	}
	return nil
}

func (s *fakeStore) MarkEffectsFailed(_ context.Context, playerID string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.outbox[playerID]; ok {
		p.Attempts++
		p.LastError = cause
		s.outbox[playerID] = p
	}
	return nil
}

func (s *fakeStore) UnresolvedCompensations(_ context.Context, limit int) ([]RollbackInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []RollbackInfo{}
	for _, c := range s.compensations {
		if c.ResolvedAt == nil {
			out = append(out, c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeTx struct {
	store  *fakeStore
	staged map[string]Record
	events []PurchaseEvent
}

func (t *fakeTx) LockUpgrade(_ context.Context, playerID, upgradeID string) (Record, bool, error) {
	if r, ok := t.staged[upgradeID]; ok {
		return r, true, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.records[playerID][upgradeID]
	return r, ok, nil
}

func (t *fakeTx) CreateUpgrade(ctx context.Context, rec Record) error {
	if t.store.createErr != nil {
		return t.store.createErr
	}
	if _, found, _ := t.LockUpgrade(ctx, rec.PlayerID, rec.UpgradeID); found {
		return ErrDuplicatePurchase
	}
	return t.UpdateUpgrade(ctx, rec)
}

func (t *fakeTx) UpdateUpgrade(_ context.Context, rec Record) error {
	if t.store.saveErr != nil {
		return t.store.saveErr
	}
	t.staged[rec.UpgradeID] = rec
	return nil
}

func (t *fakeTx) AppendPurchase(_ context.Context, ev PurchaseEvent) error {
	t.events = append(t.events, ev)
	return nil
}

func (t *fakeTx) PlayerUpgrades(ctx context.Context, playerID string) ([]Record, error) {
	t.store.mu.Lock()
	merged := map[string]Record{}
	for id, r := range t.store.records[playerID] {
		merged[id] = r
	}
	t.store.mu.Unlock()
	for id, r := range t.staged {
		merged[id] = r
	}
	out := []Record{}
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpgradeID < out[j].UpgradeID })
	return out, nil
}

// fakeSession is an in-memory game session.
type fakeSession struct {
	mu          sync.Mutex
	states      map[string]PlayerState
	refuseDebit bool
	debitErr    error
	stateErr    error
	applyErr    error
	applyOK     bool
	invalid     bool
	// scoreDrop is subtracted from the score on the in-transaction GetScore.
	scoreDrop decimal.Decimal
	debits    []decimal.Decimal
	pushes    []EffectPush
}

func newFakeSession() *fakeSession {
	return &fakeSession{states: map[string]PlayerState{}, applyOK: true}
}

func (f *fakeSession) setState(playerID string, st PlayerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[playerID] = st
}

func (f *fakeSession) score(playerID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[playerID].Score
}

func (f *fakeSession) PlayerState(_ context.Context, playerID string) (PlayerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return PlayerState{}, f.stateErr
	}
	return f.states[playerID], nil
}

func (f *fakeSession) GetScore(_ context.Context, playerID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[playerID]
	if !f.scoreDrop.IsZero() {
		st.Score = st.Score.Sub(f.scoreDrop)
		f.states[playerID] = st
		f.scoreDrop = decimal.Zero
	}
	return st.Score, nil
}

func (f *fakeSession) DeductScore(_ context.Context, playerID string, amount decimal.Decimal, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return false, f.debitErr
	}
	st := f.states[playerID]
	if f.refuseDebit || st.Score.LessThan(amount) {
		return false, nil
	}
	st.Score = st.Score.Sub(amount)
	f.states[playerID] = st
	f.debits = append(f.debits, amount)
	return true, nil
}

func (f *fakeSession) ApplyEffects(_ context.Context, _ string, push EffectPush) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return false, f.applyErr
	}
	if f.applyOK {
		f.pushes = append(f.pushes, push)
	}
	return f.applyOK, nil
}

func (f *fakeSession) ValidateSession(context.Context, string) (bool, error) {
	return !f.invalid, nil
}
