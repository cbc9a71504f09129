// Package server exposes the redemption orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tokenrails/internal/config"
	"tokenrails/internal/hmacauth"
	"tokenrails/internal/redemption"
)

// RedemptionService is the orchestrator surface the server drives.
type RedemptionService interface {
	Redeem(ctx context.Context, in redemption.Input) (redemption.Request, error)
	Resume(ctx context.Context, reference string) (redemption.Request, error)
	Get(ctx context.Context, reference string) (*redemption.Request, error)
	ListByStatus(ctx context.Context, status redemption.Status) ([]redemption.Request, error)
}

type Server struct {
	cfg         *config.AppConfig
	svc         RedemptionService
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	log         zerolog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// Option tweaks optional server collaborators.
type Option func(*Server)

// WithDBHealth wires the journal probe into the health endpoint.
func WithDBHealth(fn func(context.Context) error) Option {
	return func(s *Server) { s.dbHealthFn = fn }
}

// WithRPCHealth wires the chain RPC probe into the health endpoint.
func WithRPCHealth(fn func(context.Context) error) Option {
	return func(s *Server) { s.rpcHealthFn = fn }
}

func NewServer(cfg *config.AppConfig, svc RedemptionService, log zerolog.Logger, opts ...Option) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		hmac:    hmacVerifier,
		metrics: newMetricsRegistry(),
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/redemptions", s.hmac.Middleware(http.HandlerFunc(s.handleRedemptions)))
	mux.Handle("/api/v1/redemptions/", s.hmac.Middleware(http.HandlerFunc(s.handleRedemptionByRef)))
	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type redeemRequest struct {
	ChainID           int64  `json:"chainId"`
	Token             string `json:"token"`
	Amount            string `json:"amount"`
	InstitutionCode   string `json:"institutionCode"`
	AccountIdentifier string `json:"accountIdentifier"`
}

type redeemResponse struct {
	Reference string             `json:"reference"`
	Status    redemption.Status  `json:"status"`
	TxHash    string             `json:"txHash,omitempty"`
	Rate      float64            `json:"rate,omitempty"`
	NetFiat   float64            `json:"netFiat,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Message   string             `json:"message,omitempty"`
	Request   redemption.Request `json:"request"`
}

func (s *Server) handleRedemptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRedeem(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reference := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))

	if reference != "" {
		if existing, _ := s.svc.Get(ctx, reference); existing != nil {
			writeJSON(w, http.StatusOK, buildResponse(*existing))
			s.metrics.incRedemption("cached")
			return
		}
	}

	var payload redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if err := validateRedeemRequest(payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := s.svc.Redeem(ctx, redemption.Input{
		ChainID:         payload.ChainID,
		Token:           payload.Token,
		Amount:          payload.Amount,
		InstitutionCode: payload.InstitutionCode,
		AccountID:       payload.AccountIdentifier,
		Reference:       reference,
	})

	s.metrics.incRedemption(string(req.Status))
	switch req.Status {
	case redemption.StatusCompleted:
		s.metrics.incExecution("broadcast")
		s.metrics.incSettlement("accepted")
	case redemption.StatusNeedsReconciliation:
		s.metrics.incExecution("broadcast")
		s.metrics.incSettlement("unconfirmed")
		s.bumpReconciliationDepth(ctx)
	case redemption.StatusFailed:
		if req.TxHash != "" {
			s.metrics.incExecution("broadcast")
			s.metrics.incSettlement("rejected")
		} else {
			s.metrics.incExecution(string(req.FailureReason))
		}
	}

	writeJSON(w, statusCodeFor(req, err), buildResponse(req))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := redemption.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = redemption.StatusNeedsReconciliation
	}
	list, err := s.svc.ListByStatus(r.Context(), status)
	if err != nil {
		http.Error(w, "list failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if status == redemption.StatusNeedsReconciliation {
		s.metrics.setReconciliationDepth(len(list))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleRedemptionByRef(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/redemptions/")
	if rest == "" {
		http.Error(w, "missing reference", http.StatusBadRequest)
		return
	}

	if reference, ok := strings.CutSuffix(rest, "/resume"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleResume(w, r, reference)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := s.svc.Get(r.Context(), rest)
	if err != nil {
		http.Error(w, "lookup failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if req == nil {
		http.Error(w, "unknown reference", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, buildResponse(*req))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, reference string) {
	req, err := s.svc.Resume(r.Context(), reference)
	if err != nil && req.Reference == "" {
		http.Error(w, "resume failed: "+err.Error(), http.StatusConflict)
		return
	}

	switch req.Status {
	case redemption.StatusCompleted:
		s.metrics.incSettlement("accepted")
	case redemption.StatusNeedsReconciliation:
		s.metrics.incSettlement("unconfirmed")
	}
	s.bumpReconciliationDepth(r.Context())
	writeJSON(w, statusCodeFor(req, err), buildResponse(req))
}

func (s *Server) bumpReconciliationDepth(ctx context.Context) {
	list, err := s.svc.ListByStatus(ctx, redemption.StatusNeedsReconciliation)
	if err != nil {
		return
	}
	s.metrics.setReconciliationDepth(len(list))
}

func validateRedeemRequest(req redeemRequest) error {
	if req.ChainID == 0 {
		return errors.New("chainId is required")
	}
	if req.Token == "" {
		return errors.New("token is required")
	}
	if req.Amount == "" {
		return errors.New("amount is required")
	}
	if req.InstitutionCode == "" {
		return errors.New("institutionCode is required")
	}
	if req.AccountIdentifier == "" {
		return errors.New("accountIdentifier is required")
	}
	return nil
}

func buildResponse(req redemption.Request) redeemResponse {
	resp := redeemResponse{
		Reference: req.Reference,
		Status:    req.Status,
		TxHash:    req.TxHash,
		Rate:      req.Rate,
		NetFiat:   req.NetFiat,
		Reason:    string(req.FailureReason),
		Request:   req,
	}
	switch req.Status {
	case redemption.StatusNeedsReconciliation:
		resp.Message = "transaction sent, confirmation pending; contact support with reference " + req.Reference
	case redemption.StatusFailed:
		if req.TxHash != "" {
			resp.Message = "settlement was rejected after the on-chain transfer; contact support with reference " + req.Reference
		}
	case redemption.StatusIdle:
		resp.Message = "request was cancelled before any funds moved; it can be retried"
	}
	return resp
}

func statusCodeFor(req redemption.Request, err error) int {
	switch req.Status {
	case redemption.StatusCompleted:
		return http.StatusCreated
	case redemption.StatusNeedsReconciliation:
		return http.StatusAccepted
	case redemption.StatusIdle:
		return http.StatusConflict
	case redemption.StatusFailed:
		if req.TxHash != "" {
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	default:
		if err != nil {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string `json:"status"`
		RPC      any    `json:"rpc"`
		Database any    `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
