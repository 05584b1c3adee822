package server

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	covermath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServer serves the query API, admin endpoints, and operational
// endpoints (health, metrics). Live state reads go straight to the
// core's accessors; historical reads go to the projection tables.
type HTTPServer struct {
	httpServer    *http.Server
	addr          string
	engine        *core.CoverEngine
	queryService  *query.QueryService
	adminIngest   *ingestion.AdminIngestService
	snapMgr       *persistence.SnapshotManager
	db            *sql.DB
	healthChecker *observability.HealthChecker
	defaultAsset  string
	startTime     time.Time
}

// ServerDeps holds all dependencies needed by the HTTP handlers.
type ServerDeps struct {
	Engine        *core.CoverEngine
	QueryService  *query.QueryService
	AdminIngest   *ingestion.AdminIngestService
	SnapshotMgr   *persistence.SnapshotManager
	DB            *sql.DB
	HealthChecker *observability.HealthChecker
	DefaultAsset  string
	StartTime     time.Time
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	defaultAsset := deps.DefaultAsset
	if defaultAsset == "" {
		defaultAsset = "USDC"
	}

	s := &HTTPServer{
		addr:          addr,
		engine:        deps.Engine,
		queryService:  deps.QueryService,
		adminIngest:   deps.AdminIngest,
		snapMgr:       deps.SnapshotMgr,
		db:            deps.DB,
		healthChecker: deps.HealthChecker,
		defaultAsset:  defaultAsset,
		startTime:     deps.StartTime,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Operational endpoints
	if s.healthChecker != nil {
		r.Get("/healthz", s.healthChecker.LivenessHandler)
		r.Get("/readyz", s.healthChecker.ReadinessHandler)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/pool", s.handlePool)

		r.Route("/accounts/{holder}", func(r chi.Router) {
			r.Get("/", s.handleAccount)
			r.Get("/premiums", s.handlePremiumHistory)
			r.Get("/journal", s.handleJournalHistory)
		})

		r.Get("/policies/{holder}", s.handlePolicy)
		r.Get("/strategies/{strategy}/capacity", s.handleCapacity)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/deposit", s.handleAdminDeposit)
			r.Post("/withdraw", s.handleAdminWithdraw)
			r.Post("/premium-batch", s.handleAdminPremiumBatch)
			r.Post("/pause", s.handleAdminPause)
			r.Post("/risk-params", s.handleAdminRiskParams)
			r.Post("/rebuild-projections", s.handleRebuildProjections)
			r.Get("/integrity", s.handleIntegrity)
			r.Get("/event-log", s.handleEventLogInfo)
		})
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	hash := s.engine.GetStateHash()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":          s.engine.GetSequence(),
		"state_hash":        hex.EncodeToString(hash[:]),
		"paused":            s.engine.Paused(),
		"governor":          s.engine.Governor().Hex(),
		"premium_collector": s.engine.PremiumCollector().Hex(),
		"policy_count":      s.engine.PolicyCount(),
		"max_cover":         s.engine.MaxCover(),
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *HTTPServer) handlePool(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, query.PoolResponse{
		Asset:        s.defaultAsset,
		Balance:      s.engine.PremiumPoolBalance(),
		AsOfSequence: s.engine.GetSequence() - 1,
	})
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseHolder(w, r)
	if !ok {
		return
	}

	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = s.defaultAsset
	}

	acct, err := s.queryService.GetAccount(r.Context(), holder, asset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("get account: %v", err))
		return
	}

	// Enrich with live core state
	rate := s.engine.RateParams()
	resp := map[string]interface{}{
		"holder":         acct.Holder,
		"asset":          acct.Asset,
		"funds":          acct.Funds,
		"reward_points":  acct.RewardPoints,
		"premiums_paid":  s.engine.PremiumsPaidOf(holder),
		"cooldown_start": s.engine.CooldownStartOf(holder),
		"referral_used":  s.engine.ReferralUsedBy(holder),
		"as_of_sequence": acct.AsOfSequence,
	}
	if p := s.engine.PolicyOf(holder); p != nil {
		resp["min_required_balance"] = s.engine.MinRequiredAccountBalance(p.CoverLimit)
		resp["projected_annual_premium"] = covermath.ProjectedAnnualPremium(
			rate.MaxRateNum, rate.MaxRateDenom, p.CoverLimit)
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handlePolicy(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseHolder(w, r)
	if !ok {
		return
	}

	p := s.engine.PolicyOf(holder)
	if p == nil {
		respondError(w, http.StatusNotFound, "no policy for holder")
		return
	}

	respondJSON(w, http.StatusOK, query.PolicyResponse{
		PolicyID:     p.PolicyID,
		Holder:       p.Holder.Hex(),
		Strategy:     p.StrategyName,
		CoverLimit:   p.CoverLimit,
		Status:       p.Status.String(),
		AsOfSequence: s.engine.GetSequence() - 1,
	})
}

func (s *HTTPServer) handleCapacity(w http.ResponseWriter, r *http.Request) {
	strategy := chi.URLParam(r, "strategy")
	if strategy == "" {
		respondError(w, http.StatusBadRequest, "strategy is required")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"strategy":           strategy,
		"active_cover_limit": s.engine.ActiveCoverLimit(strategy),
		"available_capacity": s.engine.AvailableCoverCapacity(strategy),
		"as_of_sequence":     s.engine.GetSequence() - 1,
	})
}

func (s *HTTPServer) handlePremiumHistory(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseHolder(w, r)
	if !ok {
		return
	}

	limit, afterSeq := parsePagination(r, 50, 100)
	history, err := s.queryService.GetPremiumHistory(r.Context(), holder, limit, afterSeq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("get premium history: %v", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"premiums": history})
}

func (s *HTTPServer) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseHolder(w, r)
	if !ok {
		return
	}

	limit, afterSeq := parsePagination(r, 100, 500)
	entries, err := s.queryService.GetJournalHistory(r.Context(), holder, limit, afterSeq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("get journals: %v", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

// ============================================================================
// Admin handlers
// ============================================================================

type adminDepositRequest struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (s *HTTPServer) handleAdminDeposit(w http.ResponseWriter, r *http.Request) {
	var req adminDepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	holder, ok := parseHexAddress(w, req.Holder, "holder")
	if !ok {
		return
	}
	asset := req.Asset
	if asset == "" {
		asset = s.defaultAsset
	}

	if err := s.adminIngest.InjectDeposit(r.Context(), holder, asset, req.Amount); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type adminWithdrawRequest struct {
	Holder string `json:"holder"`
	Amount int64  `json:"amount"` // 0 = withdraw maximum allowed
}

func (s *HTTPServer) handleAdminWithdraw(w http.ResponseWriter, r *http.Request) {
	var req adminWithdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	holder, ok := parseHexAddress(w, req.Holder, "holder")
	if !ok {
		return
	}

	if err := s.adminIngest.InjectWithdraw(r.Context(), holder, req.Amount); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type adminPremiumBatchRequest struct {
	Collector string   `json:"collector"`
	Holders   []string `json:"holders"`
	Premiums  []int64  `json:"premiums"`
}

func (s *HTTPServer) handleAdminPremiumBatch(w http.ResponseWriter, r *http.Request) {
	var req adminPremiumBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	collector, ok := parseHexAddress(w, req.Collector, "collector")
	if !ok {
		return
	}

	holders := make([]common.Address, 0, len(req.Holders))
	for _, h := range req.Holders {
		addr, ok := parseHexAddress(w, h, "holders")
		if !ok {
			return
		}
		holders = append(holders, addr)
	}

	if err := s.adminIngest.InjectPremiumBatch(r.Context(), collector, holders, req.Premiums); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type adminPauseRequest struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

func (s *HTTPServer) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	var req adminPauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, ok := parseHexAddress(w, req.Caller, "caller")
	if !ok {
		return
	}

	if err := s.adminIngest.InjectPauseSet(r.Context(), caller, req.Paused); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type adminRiskParamsRequest struct {
	Caller              string `json:"caller"`
	Strategy            string `json:"strategy"`
	MaxCover            int64  `json:"max_cover"`
	MaxCoverPerStrategy int64  `json:"max_cover_per_strategy"`
}

func (s *HTTPServer) handleAdminRiskParams(w http.ResponseWriter, r *http.Request) {
	var req adminRiskParamsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, ok := parseHexAddress(w, req.Caller, "caller")
	if !ok {
		return
	}

	if err := s.adminIngest.InjectRiskParamUpdate(
		r.Context(), caller, req.Strategy, req.MaxCover, req.MaxCoverPerStrategy,
	); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.db); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queryService.VerifyIntegrity(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("verify integrity: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := s.snapMgr.GetLatestSequence(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("get latest sequence: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"last_sequence": latestSeq})
}

// ============================================================================
// Helpers
// ============================================================================

func parseHolder(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	return parseHexAddress(w, chi.URLParam(r, "holder"), "holder")
}

func parseHexAddress(w http.ResponseWriter, s, field string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s address: %q", field, s))
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parsePagination(r *http.Request, defaultLimit, maxLimit int) (int, *int64) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}

	var afterSeq *int64
	if v := r.URL.Query().Get("after_sequence"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			afterSeq = &n
		}
	}

	return limit, afterSeq
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
