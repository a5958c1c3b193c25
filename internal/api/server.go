package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clickforge/internal/upgrade"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

type contextKey string

const playerContextKey contextKey = "player"

// PlayerHeader carries the authenticated player id set by the upstream gateway.
const PlayerHeader = "X-Player-ID"

// UpgradeService is the part of upgrade.Service the HTTP layer needs.
type UpgradeService interface {
	ValidateSession(ctx context.Context, playerID string) error
	ListUpgrades(ctx context.Context, playerID string) ([]upgrade.UpgradeView, error)
	GetPlayerEffects(ctx context.Context, playerID string) (upgrade.EffectSummary, error)
	GetRecommendation(ctx context.Context, playerID string, budget decimal.NullDecimal) (upgrade.Recommendation, error)
	PreviewPurchase(ctx context.Context, playerID, upgradeID string, levels int) (upgrade.Preview, error)
	PurchaseUpgrade(ctx context.Context, req upgrade.PurchaseRequest) (upgrade.PurchaseResult, error)
	BulkPurchase(ctx context.Context, playerID string, items []upgrade.BulkItem, maxTotalSpend decimal.NullDecimal) (upgrade.BulkResult, error)
	ResetPlayer(ctx context.Context, playerID string) (int64, error)
}

type Server struct {
	log      *slog.Logger
	upgrades UpgradeService
	mux      *chi.Mux
}

func New(logger *slog.Logger, upgrades UpgradeService) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:      logger,
		upgrades: upgrades,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.playerMiddleware)

		r.Get("/upgrades", s.handleListUpgrades)
		r.Delete("/upgrades", s.handleReset)
		r.Post("/upgrades/bulk", s.handleBulkPurchase)
		r.Post("/upgrades/{id}/preview", s.handlePreview)
		r.Post("/upgrades/{id}/purchase", s.handlePurchase)
		r.Get("/effects", s.handleEffects)
		r.Get("/recommendation", s.handleRecommendation)
	})
}

func (s *Server) playerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := strings.TrimSpace(r.Header.Get(PlayerHeader))
		if playerID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+PlayerHeader+" header")
			return
		}
		if err := s.upgrades.ValidateSession(r.Context(), playerID); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, playerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func playerFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(playerContextKey).(string)
	if !ok || id == "" {
		return "", errors.New("missing player context")
	}
	return id, nil
}

func (s *Server) handleListUpgrades(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.upgrades.ListUpgrades(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"upgrades": out})
}

func (s *Server) handleEffects(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.upgrades.GetPlayerEffects(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var budget decimal.NullDecimal
	if raw := strings.TrimSpace(r.URL.Query().Get("budget")); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			writeError(w, http.StatusBadRequest, "budget must be a non-negative number")
			return
		}
		budget = decimal.NewNullDecimal(d)
	}
	out, err := s.upgrades.GetRecommendation(r.Context(), playerID, budget)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Levels int `json:"levels"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.upgrades.PreviewPurchase(r.Context(), playerID, chi.URLParam(r, "id"), in.Levels)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Levels   int                 `json:"levels"`
		MaxSpend decimal.NullDecimal `json:"max_spend"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.upgrades.PurchaseUpgrade(r.Context(), upgrade.PurchaseRequest{
		PlayerID:  playerID,
		UpgradeID: chi.URLParam(r, "id"),
		Levels:    in.Levels,
		MaxSpend:  in.MaxSpend,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulkPurchase(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Items         []upgrade.BulkItem  `json:"items"`
		MaxTotalSpend decimal.NullDecimal `json:"max_total_spend"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.upgrades.BulkPurchase(r.Context(), playerID, in.Items, in.MaxTotalSpend)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	n, err := s.upgrades.ResetPlayer(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *upgrade.RejectionError
	if errors.As(err, &rej) {
		writeRejection(w, rej)
		return
	}
	switch {
	case errors.Is(err, upgrade.ErrUpgradeNotFound), errors.Is(err, upgrade.ErrNoRecommendation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, upgrade.ErrValidation),
		errors.Is(err, upgrade.ErrInvalidPlayerID),
		errors.Is(err, upgrade.ErrInvalidUpgradeID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, upgrade.ErrDuplicatePurchase), errors.Is(err, upgrade.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, upgrade.ErrPurchaseDenied):
		writeError(w, http.StatusForbidden, upgrade.ErrPurchaseDenied.Error())
	case errors.Is(err, upgrade.ErrDeductionFailed):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, upgrade.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, upgrade.ErrSessionUnavailable):
		writeError(w, http.StatusServiceUnavailable, upgrade.ErrSessionUnavailable.Error())
	case errors.Is(err, upgrade.ErrLedgerWriteFailed):
		s.log.Error("purchase not recorded", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, upgrade.ErrLedgerWriteFailed.Error())
	default:
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeRejection reports every validation message, except for a fraud block
// which only ever gets the generic denial.
func writeRejection(w http.ResponseWriter, rej *upgrade.RejectionError) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(rej, upgrade.ErrPurchaseDenied):
		writeError(w, http.StatusForbidden, upgrade.ErrPurchaseDenied.Error())
		return
	case errors.Is(rej, upgrade.ErrRateLimited), errors.Is(rej, upgrade.ErrDuplicatePurchase):
		status = http.StatusTooManyRequests
	}
	body := map[string]any{
		"error":  strings.TrimSpace(rej.Error()),
		"errors": rej.Result.Errors,
	}
	if wait := rej.Result.Data.RetryAfter; wait > 0 {
		secs := int(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		body["retry_after_seconds"] = secs
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}
