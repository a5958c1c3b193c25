package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clickforge/internal/upgrade"
)

type fakeService struct {
	sessionErr  error
	purchaseErr error
	lastReq     upgrade.PurchaseRequest
	lastBudget  decimal.NullDecimal
	bulkItems   []upgrade.BulkItem
}

func (f *fakeService) ValidateSession(_ context.Context, _ string) error { return f.sessionErr }

func (f *fakeService) ListUpgrades(_ context.Context, _ string) ([]upgrade.UpgradeView, error) {
	return []upgrade.UpgradeView{{ID: "click_power_1", Level: 2, MaxLevel: 100}}, nil
}

func (f *fakeService) GetPlayerEffects(_ context.Context, playerID string) (upgrade.EffectSummary, error) {
	return upgrade.EffectSummary{PlayerID: playerID, Multiplier: decimal.NewFromInt(1)}, nil
}

func (f *fakeService) GetRecommendation(_ context.Context, _ string, budget decimal.NullDecimal) (upgrade.Recommendation, error) {
	f.lastBudget = budget
	if budget.Valid && budget.Decimal.IsZero() {
		return upgrade.Recommendation{}, upgrade.ErrNoRecommendation
	}
	return upgrade.Recommendation{UpgradeID: "click_power_1", Levels: 4}, nil
}

func (f *fakeService) PreviewPurchase(_ context.Context, _ string, upgradeID string, levels int) (upgrade.Preview, error) {
	if upgradeID == "missing" {
		return upgrade.Preview{}, upgrade.ErrUpgradeNotFound
	}
	return upgrade.Preview{UpgradeID: upgradeID, Levels: levels}, nil
}

func (f *fakeService) PurchaseUpgrade(_ context.Context, req upgrade.PurchaseRequest) (upgrade.PurchaseResult, error) {
	f.lastReq = req
	if f.purchaseErr != nil {
		return upgrade.PurchaseResult{}, f.purchaseErr
	}
	return upgrade.PurchaseResult{UpgradeID: req.UpgradeID, Success: true, LevelsPurchased: req.Levels}, nil
}

func (f *fakeService) BulkPurchase(_ context.Context, _ string, items []upgrade.BulkItem, _ decimal.NullDecimal) (upgrade.BulkResult, error) {
	f.bulkItems = items
	return upgrade.BulkResult{SuccessCount: len(items)}, nil
}

func (f *fakeService) ResetPlayer(_ context.Context, _ string) (int64, error) { return 3, nil }

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(PlayerHeader, "p1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthzSkipsPlayerCheck(t *testing.T) {
	srv := New(nil, &fakeService{sessionErr: upgrade.ErrInvalidSession})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPlayerMiddleware(t *testing.T) {
	srv := New(nil, &fakeService{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/effects", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	srv = New(nil, &fakeService{sessionErr: upgrade.ErrInvalidSession})
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/v1/effects", "").Code)

	srv = New(nil, &fakeService{sessionErr: fmt.Errorf("%w: dial tcp", upgrade.ErrSessionUnavailable)})
	rec = do(t, srv, http.MethodGet, "/v1/effects", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, upgrade.ErrSessionUnavailable.Error(), decodeBody(t, rec)["error"])
}

func TestPurchaseDecodesRequest(t *testing.T) {
	svc := &fakeService{}
	srv := New(nil, svc)
	rec := do(t, srv, http.MethodPost, "/v1/upgrades/click_power_1/purchase", `{"levels":3,"max_spend":"40"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "p1", svc.lastReq.PlayerID)
	assert.Equal(t, "click_power_1", svc.lastReq.UpgradeID)
	assert.Equal(t, 3, svc.lastReq.Levels)
	require.True(t, svc.lastReq.MaxSpend.Valid)
	assert.True(t, svc.lastReq.MaxSpend.Decimal.Equal(decimal.NewFromInt(40)))

	rec = do(t, srv, http.MethodPost, "/v1/upgrades/click_power_1/purchase", `{"levels":3,"surprise":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurchaseRejectionMapping(t *testing.T) {
	validation := &upgrade.RejectionError{Result: upgrade.ValidationResult{
		Errors: []upgrade.Issue{
			{Stage: upgrade.StageCurrency, Message: "insufficient score: need 10, have 5"},
			{Stage: upgrade.StagePrerequisites, Message: "unmet prerequisite: click_power_1 level 10"},
		},
	}}
	svc := &fakeService{purchaseErr: validation}
	rec := do(t, New(nil, svc), http.MethodPost, "/v1/upgrades/multiplier_1/purchase", `{"levels":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["errors"], 2)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestDeductionAndNotFoundMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{upgrade.ErrDeductionFailed, http.StatusPaymentRequired},
		{upgrade.ErrUpgradeNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: boom", upgrade.ErrLedgerWriteFailed), http.StatusInternalServerError},
		{fmt.Errorf("%w: bad", upgrade.ErrValidation), http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := do(t, New(nil, &fakeService{purchaseErr: tc.err}), http.MethodPost, "/v1/upgrades/click_power_1/purchase", `{"levels":1}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestInternalErrorsHideDetail(t *testing.T) {
	cause := fmt.Errorf("%w: save ledger row: ERROR: deadlock detected (SQLSTATE 40P01)", upgrade.ErrLedgerWriteFailed)
	rec := do(t, New(nil, &fakeService{purchaseErr: cause}), http.MethodPost, "/v1/upgrades/click_power_1/purchase", `{"levels":1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, upgrade.ErrLedgerWriteFailed.Error(), decodeBody(t, rec)["error"])
	assert.NotContains(t, rec.Body.String(), "SQLSTATE")

	rec = do(t, New(nil, &fakeService{purchaseErr: fmt.Errorf("dial tcp 10.0.0.5:5432: refused")}), http.MethodPost, "/v1/upgrades/click_power_1/purchase", `{"levels":1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeBody(t, rec)["error"])
}

func TestRecommendationBudget(t *testing.T) {
	svc := &fakeService{}
	srv := New(nil, svc)

	rec := do(t, srv, http.MethodGet, "/v1/recommendation?budget=250.5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, svc.lastBudget.Valid)
	assert.True(t, svc.lastBudget.Decimal.Equal(decimal.RequireFromString("250.5")))

	rec = do(t, srv, http.MethodGet, "/v1/recommendation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.lastBudget.Valid)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/recommendation?budget=lots", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/recommendation?budget=0", "").Code)
}

func TestPreviewBulkAndReset(t *testing.T) {
	svc := &fakeService{}
	srv := New(nil, svc)

	rec := do(t, srv, http.MethodPost, "/v1/upgrades/click_power_1/preview", `{"levels":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), decodeBody(t, rec)["levels"])

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/v1/upgrades/missing/preview", `{"levels":1}`).Code)

	rec = do(t, srv, http.MethodPost, "/v1/upgrades/bulk", `{"items":[{"upgrade_id":"click_power_1","levels":2},{"upgrade_id":"passive_income_1","levels":1}],"max_total_spend":"500"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, svc.bulkItems, 2)

	rec = do(t, srv, http.MethodDelete, "/v1/upgrades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeBody(t, rec)["removed"])

	rec = do(t, srv, http.MethodGet, "/v1/upgrades", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRejectionRetryAfterAndGenericDenial(t *testing.T) {
	rateLimited := &upgrade.RejectionError{Result: upgrade.ValidationResult{
		Errors: []upgrade.Issue{{Stage: upgrade.StageRateLimit, Message: "limit of 30 purchases per minute reached"}},
		Data:   upgrade.ValidationData{RetryAfter: 1500 * time.Millisecond},
	}}
	rec := do(t, New(nil, &fakeService{purchaseErr: rateLimited}), http.MethodPost, "/v1/upgrades/click_power_1/purchase", `{"levels":1}`)
	// Built outside the validator the issue has no kind, so it maps to 400; the hint still travels.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = do(t, New(nil, &fakeService{purchaseErr: upgrade.ErrPurchaseDenied}), http.MethodPost, "/v1/upgrades/click_power_1/purchase", `{"levels":1}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "purchase denied", decodeBody(t, rec)["error"])
}
