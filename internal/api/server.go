// Package api provides the thin HTTP adapter over the points engine:
// handlers translate requests into engine calls and pagination parameters.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quaimark/referral-service/internal/metrics"
	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/points"
	"github.com/quaimark/referral-service/internal/referral"
	"github.com/quaimark/referral-service/internal/season"
	"github.com/quaimark/referral-service/internal/store"
)

// Service wires the engines behind HTTP handlers.
// Pass nil for hub if WebSocket broadcasting is not needed.
type Service struct {
	calc    *points.Calculator
	ranker  *points.Ranker
	dir     *referral.Directory
	seasons *season.Resolver
	wsHub   *WSHub
}

// NewService creates the HTTP adapter.
func NewService(calc *points.Calculator, ranker *points.Ranker, dir *referral.Directory, seasons *season.Resolver, hub *WSHub) *Service {
	return &Service{calc: calc, ranker: ranker, dir: dir, seasons: seasons, wsHub: hub}
}

// Routes mounts every handler under the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/points/calculate", s.CalculatePoints)
	r.Get("/points/{userID}", s.GetUserPoint)
	r.Get("/points/{userID}/rank", s.GetUserRank)
	r.Get("/points/{userID}/history", s.GetUserHistory)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/leaderboard/referrals", s.GetReferralLeaderboard)
	r.Get("/referral/{userID}", s.GetReferralInfo)
	r.Post("/referral/attach", s.AttachReferral)
	r.Get("/referral/{userID}/stats", s.GetReferralStats)
	r.Get("/referral/{userID}/referred", s.ListReferred)
	r.Get("/seasons/current", s.GetCurrentSeason)
	r.Get("/seasons/first", s.GetFirstSeason)
	r.Get("/seasons/{number}", s.GetSeason)
	r.Post("/seasons/rotate", s.RotateSeason)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// CalculateRequest is the JSON body for POST /points/calculate.
type CalculateRequest struct {
	points.TradeEvent
	SeasonNumber int64 `json:"season_number,omitempty"` // explicit override
}

// AttachRequest is the JSON body for POST /referral/attach.
type AttachRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

// RotateRequest is the JSON body for POST /seasons/rotate.
type RotateRequest struct {
	Name string `json:"name,omitempty"`
	At   int64  `json:"at,omitempty"` // epoch seconds; 0 = now
}

// --- Handlers ---

// CalculatePoints handles POST /api/v1/points/calculate.
func (s *Service) CalculatePoints(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Buyer == "" || req.TxHash == "" || req.Chain == "" {
		writeError(w, "to, tx_hash and chain are required", http.StatusBadRequest)
		return
	}
	if req.Price.IsNegative() {
		writeError(w, "price must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	var override *model.Season
	if req.SeasonNumber > 0 {
		se, err := s.seasons.ByNumber(ctx, req.SeasonNumber)
		if err != nil {
			writeError(w, "season not found", http.StatusNotFound)
			return
		}
		override = se
	}

	start := time.Now()
	res, err := s.calc.Calculate(ctx, req.TradeEvent, override)
	metrics.CalculationLatency.WithLabelValues(req.Chain).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CalculationsTotal.WithLabelValues(req.Chain, "error").Inc()
		writeEngineError(w, err)
		return
	}
	metrics.CalculationsTotal.WithLabelValues(req.Chain, "ok").Inc()
	metrics.LedgerEntriesWritten.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.LedgerEntriesWritten.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.LedgerEntriesWritten.WithLabelValues("deleted").Add(float64(res.Deleted))

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "points_awarded",
			User:    req.Buyer,
			TxHash:  req.TxHash,
			Chain:   req.Chain,
			Entries: res.Inserted + res.Updated,
		})
	}

	writeJSON(w, http.StatusOK, res)
}

// GetUserPoint handles GET /api/v1/points/{userID}.
func (s *Service) GetUserPoint(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sel := seasonSelector(r)

	total, err := s.ranker.UserTotal(r.Context(), userID, sel, r.URL.Query().Get("chain"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": userID, "point": total})
}

// GetUserRank handles GET /api/v1/points/{userID}/rank.
func (s *Service) GetUserRank(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sel := seasonSelector(r)

	rank, err := s.ranker.UserRank(r.Context(), userID, sel, r.URL.Query().Get("chain"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rank)
}

// GetUserHistory handles GET /api/v1/points/{userID}/history.
func (s *Service) GetUserHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	page, size := pageParams(r)

	f := model.HistoryFilter{Chain: r.URL.Query().Get("chain")}
	history, err := s.ranker.UserHistory(r.Context(), userID, f, page, size)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// GetLeaderboard handles GET /api/v1/leaderboard.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)

	board, err := s.ranker.TopLeaderboard(r.Context(), seasonSelector(r), r.URL.Query().Get("chain"), page, size)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// GetReferralLeaderboard handles GET /api/v1/leaderboard/referrals.
func (s *Service) GetReferralLeaderboard(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)

	board, err := s.ranker.TopByReferralCount(r.Context(), page, size, r.URL.Query().Get("chain"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// ReferralInfoResponse is the referral record plus its direct referral count.
type ReferralInfoResponse struct {
	*model.ReferralRecord
	DirectReferrals int64 `json:"direct_referrals"`
}

// GetReferralInfo handles GET /api/v1/referral/{userID}.
// Generates the user's referral code on first access.
func (s *Service) GetReferralInfo(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	rec, err := s.dir.GetOrCreate(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	n, err := s.dir.CountDirect(r.Context(), rec.ReferralCode)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralInfoResponse{ReferralRecord: rec, DirectReferrals: n})
}

// AttachReferral handles POST /api/v1/referral/attach.
func (s *Service) AttachReferral(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	rec, err := s.dir.Attach(r.Context(), req.UserID, req.Code)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.ReferralAttachments.Inc()
	writeJSON(w, http.StatusOK, rec)
}

// GetReferralStats handles GET /api/v1/referral/{userID}/stats.
func (s *Service) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	var asOf time.Time
	if v := q.Get("as_of"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, "as_of must be epoch seconds", http.StatusBadRequest)
			return
		}
		asOf = time.Unix(sec, 0).UTC()
	}

	stats, err := s.ranker.ReferralStats(r.Context(), userID, points.RankBy(q.Get("rank_by")), asOf, q.Get("chain"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListReferred handles GET /api/v1/referral/{userID}/referred.
func (s *Service) ListReferred(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	page, size := pageParams(r)

	rec, err := s.dir.GetOrCreate(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	listed, err := s.dir.ListReferred(r.Context(), rec.ReferralCode, page, size)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listed)
}

// GetCurrentSeason handles GET /api/v1/seasons/current.
func (s *Service) GetCurrentSeason(w http.ResponseWriter, r *http.Request) {
	se, err := s.seasons.CurrentOrCreate(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, se)
}

// GetFirstSeason handles GET /api/v1/seasons/first.
func (s *Service) GetFirstSeason(w http.ResponseWriter, r *http.Request) {
	se, err := s.seasons.First(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, se)
}

// GetSeason handles GET /api/v1/seasons/{number}.
func (s *Service) GetSeason(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number < 1 {
		writeError(w, "season number must be a positive integer", http.StatusBadRequest)
		return
	}
	se, err := s.seasons.ByNumber(r.Context(), number)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, se)
}

// RotateSeason handles POST /api/v1/seasons/rotate.
// Operator-facing: closes the open season and opens the next one.
func (s *Service) RotateSeason(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	at := time.Now().UTC()
	if req.At > 0 {
		at = time.Unix(req.At, 0).UTC()
	}
	next, err := s.seasons.Rotate(r.Context(), at, req.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("season rotated via api", "opened", next.Number)
	writeJSON(w, http.StatusCreated, next)
}

// --- Helpers ---

func seasonSelector(r *http.Request) points.SeasonSelector {
	n, _ := strconv.ParseInt(r.URL.Query().Get("season"), 10, 64)
	return points.SeasonSelector{Number: n}
}

func pageParams(r *http.Request) (page, size int) {
	q := r.URL.Query()
	page, _ = strconv.Atoi(q.Get("page"))
	size, _ = strconv.Atoi(q.Get("size"))
	return page, size
}

// writeEngineError maps the engine error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var partial *store.PartialBatchError

	switch {
	case errors.Is(err, referral.ErrInvalidCode):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, referral.ErrAlreadyReferred),
		errors.Is(err, referral.ErrSelfReferral):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, referral.ErrCodeNotFound),
		errors.Is(err, points.ErrNoSeason),
		errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &partial):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"result": partial.Result,
		})
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
