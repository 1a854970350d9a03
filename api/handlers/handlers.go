// Package handlers exposes the pool over HTTP: staking operations, the
// community listing surface, migration administration and status reads.
package handlers

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/goodstack/givepool/api/metrics"
	"github.com/goodstack/givepool/pool/pkg/engine"
	"github.com/goodstack/givepool/pool/pkg/events"
	"github.com/goodstack/givepool/pool/pkg/ledger"
	"github.com/goodstack/givepool/pool/pkg/router"
	"github.com/goodstack/givepool/pool/pkg/vault"
)

const authorityHeader = "X-Authority-Key"

type Config struct {
	Logger      *slog.Logger
	Engine      *engine.Engine
	Coordinator *router.Coordinator
	Events      *events.Log
	Ledger      *ledger.Ledger
	Bank        *vault.Bank

	// AuthorityKey gates the admin surface: community listing, migrations
	// and the sim faucet.
	AuthorityKey string

	// NewBackend builds the next backend generation when a migration is
	// finalized.
	NewBackend func() (vault.Backend, error)

	Version string

	RequestRate  rate.Limit
	RequestBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Coordinator == nil {
		return errors.New("coordinator is required")
	}
	if cfg.Events == nil {
		return errors.New("event log is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Bank == nil {
		return errors.New("bank is required")
	}
	if cfg.AuthorityKey == "" {
		return errors.New("authority key is required")
	}
	if cfg.NewBackend == nil {
		return errors.New("backend factory is required")
	}
	if cfg.RequestRate == 0 {
		cfg.RequestRate = rate.Limit(50)
	}
	if cfg.RequestBurst == 0 {
		cfg.RequestBurst = 100
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config
}

// NewRouter builds the chi router serving the full API surface.
func NewRouter(cfg Config) (chi.Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	limiter := NewRateLimiter(cfg.RequestRate, cfg.RequestBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", authorityHeader},
	}))

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Get("/version", s.version)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Get("/communities", s.listCommunities)
		r.Get("/pending", s.pendingYield)
		r.Get("/positions", s.positions)
		r.Get("/balances/{account}", s.balances)
		r.Get("/withdrawals/{id}", s.getWithdrawal)
		r.Get("/status", s.status)
		r.Get("/events", s.listEvents)

		r.Post("/stake", s.stake)
		r.Post("/unstake", s.unstake)
		r.Post("/donation-rate", s.changeDonationRate)
		r.Post("/claim-yield", s.claimYield)
		r.Post("/withdrawals/{id}/claim", s.claimWithdrawal)
		r.Post("/communities/{id}/donations/withdraw", s.withdrawDonations)

		r.Post("/communities", s.registerCommunity)
		r.Post("/communities/{id}/recipient", s.rotateRecipient)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuthority)
			r.Post("/migrations/initiate", s.initiateMigration)
			r.Post("/migrations/finalize", s.finalizeMigration)
			r.Post("/faucet", s.faucet)
		})
	})

	return r, nil
}

// requireAuthority guards admin endpoints with a constant-time key check.
func (s *Server) requireAuthority(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(authorityHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AuthorityKey)) != 1 {
			writeError(w, engine.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready reports 503 until a vault backend is configured.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Coordinator.ActiveBackend() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no backend"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func (s *Server) listCommunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Engine.Communities())
}

type registerCommunityRequest struct {
	ID              string `json:"id"`
	MinDonationRate uint64 `json:"min_donation_rate"`
	Recipient       string `json:"recipient"`
}

func (s *Server) registerCommunity(w http.ResponseWriter, r *http.Request) {
	var req registerCommunityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	key := r.Header.Get(authorityHeader)
	if err := s.cfg.Engine.RegisterCommunity(key, req.ID, req.MinDonationRate, req.Recipient); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

type rotateRecipientRequest struct {
	Recipient string `json:"recipient"`
}

func (s *Server) rotateRecipient(w http.ResponseWriter, r *http.Request) {
	var req rotateRecipientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	key := r.Header.Get(authorityHeader)
	if err := s.cfg.Engine.RotateRecipient(key, chi.URLParam(r, "id"), req.Recipient); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
}

type stakeRequest struct {
	User         string `json:"user"`
	Community    string `json:"community"`
	DonationRate uint64 `json:"donation_rate"`
	Amount       uint64 `json:"amount"`
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.cfg.Engine.Stake(req.User, req.Community, req.DonationRate, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": req.User, "community": req.Community, "amount": req.Amount})
}

type unstakeRequest struct {
	User      string `json:"user"`
	Community string `json:"community"`
	Amount    uint64 `json:"amount"`
}

func (s *Server) unstake(w http.ResponseWriter, r *http.Request) {
	var req unstakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id, err := s.cfg.Engine.Unstake(req.User, req.Community, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id})
}

type donationRateRequest struct {
	User      string `json:"user"`
	Community string `json:"community"`
	Rate      uint64 `json:"rate"`
}

func (s *Server) changeDonationRate(w http.ResponseWriter, r *http.Request) {
	var req donationRateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.cfg.Engine.ChangeDonationRate(req.User, req.Community, req.Rate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": req.User, "community": req.Community, "rate": req.Rate})
}

type claimYieldRequest struct {
	User      string `json:"user"`
	Community string `json:"community"`
}

func (s *Server) claimYield(w http.ResponseWriter, r *http.Request) {
	var req claimYieldRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	paid, err := s.cfg.Engine.ClaimYield(req.User, req.Community)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paid": paid})
}

type claimWithdrawalRequest struct {
	User string `json:"user"`
}

func (s *Server) claimWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request id"})
		return
	}
	var req claimWithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	released, err := s.cfg.Engine.ClaimWithdrawal(req.User, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request id"})
		return
	}
	req, err := s.cfg.Engine.Request(id)
	if err != nil {
		writeError(w, err)
		return
	}
	finalized, err := s.cfg.Coordinator.IsWithdrawalFinalized(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request": req, "finalized": finalized,
	})
}

func (s *Server) withdrawDonations(w http.ResponseWriter, r *http.Request) {
	paid, err := s.cfg.Engine.WithdrawCommunityDonations(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paid": paid})
}

func (s *Server) pendingYield(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	community := r.URL.Query().Get("community")
	pending, err := s.cfg.Engine.PendingYield(user, community)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	writeJSON(w, http.StatusOK, s.cfg.Engine.Positions(user))
}

func (s *Server) balances(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, map[string]any{
		"account":  account,
		"bank":     s.cfg.Bank.Balance(account),
		"receipts": s.cfg.Ledger.BalanceOf(account),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Coordinator.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"router":         st,
		"receipt_supply": s.cfg.Ledger.TotalSupply(),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.cfg.Events.Recent(limit))
}

func (s *Server) initiateMigration(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Coordinator.InitiateMigration(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "migrating"})
}

func (s *Server) finalizeMigration(w http.ResponseWriter, r *http.Request) {
	backend, err := s.cfg.NewBackend()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Coordinator.FinalizeMigration(backend); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "stable"})
}

type faucetRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// faucet funds a bank account in sim mode.
func (s *Server) faucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Account == "" || req.Amount == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account and amount are required"})
		return
	}
	s.cfg.Bank.Credit(req.Account, req.Amount)
	writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "balance": s.cfg.Bank.Balance(req.Account)})
}
