package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/goodstack/givepool/api/handlers"
	"github.com/goodstack/givepool/pool/pkg/engine"
	"github.com/goodstack/givepool/pool/pkg/events"
	"github.com/goodstack/givepool/pool/pkg/ledger"
	"github.com/goodstack/givepool/pool/pkg/router"
	"github.com/goodstack/givepool/pool/pkg/vault"
	pooltesting "github.com/goodstack/givepool/utils/pkg/testing"
)

const authorityKey = "test-authority"

type fixture struct {
	clock  *clockwork.FakeClock
	bank   *vault.Bank
	router chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := pooltesting.NewLogger()
	f := &fixture{
		clock: clockwork.NewFakeClock(),
		bank:  vault.NewBank(),
	}

	newBackend := func() (vault.Backend, error) {
		return vault.NewSimBackend(vault.SimBackendConfig{
			Logger:            log,
			Clock:             f.clock,
			Bank:              f.bank,
			Account:           "backend",
			FinalizationDelay: time.Minute,
		})
	}
	backend, err := newBackend()
	require.NoError(t, err)

	coordinator, err := router.New(router.Config{
		Logger:  log,
		Bank:    f.bank,
		Account: "treasury",
	})
	require.NoError(t, err)
	require.NoError(t, coordinator.SetBackend(backend))

	receipts, err := ledger.New(ledger.Config{Logger: log})
	require.NoError(t, err)

	eventLog, err := events.NewLog(events.LogConfig{Logger: log, Clock: f.clock})
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{
		Logger:       log,
		Vault:        coordinator,
		Ledger:       receipts,
		Events:       eventLog,
		AuthorityKey: authorityKey,
	})
	require.NoError(t, err)

	f.router, err = handlers.NewRouter(handlers.Config{
		Logger:       log,
		Engine:       eng,
		Coordinator:  coordinator,
		Events:       eventLog,
		Ledger:       receipts,
		Bank:         f.bank,
		AuthorityKey: authorityKey,
		NewBackend:   newBackend,
		Version:      "test",
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, authority bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authority {
		req.Header.Set("X-Authority-Key", authorityKey)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) registerCommunity(t *testing.T, id string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/communities", map[string]any{
		"id": id, "min_donation_rate": 0, "recipient": id + "-recipient",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func (f *fixture) stake(t *testing.T, user, community string, rate, amt uint64) {
	t.Helper()
	f.bank.Credit(user, amt)
	rec := f.do(t, http.MethodPost, "/api/stake", map[string]any{
		"user": user, "community": community, "donation_rate": rate, "amount": amt,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPool_API_HealthAndVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/version", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test")
}

func TestPool_API_CommunityRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Without the authority header registration is forbidden.
	rec := f.do(t, http.MethodPost, "/api/communities", map[string]any{
		"id": "water", "min_donation_rate": 0, "recipient": "r",
	}, false)
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.registerCommunity(t, "water")

	// Duplicate registration conflicts.
	rec = f.do(t, http.MethodPost, "/api/communities", map[string]any{
		"id": "water", "min_donation_rate": 0, "recipient": "r",
	}, true)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/communities", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var communities []engine.Community
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &communities))
	require.Len(t, communities, 1)
	require.Equal(t, "water", communities[0].ID)
}

func TestPool_API_StakeAndYieldFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registerCommunity(t, "water")
	f.stake(t, "alice", "water", 10_000, 1_000_000)

	rec := f.do(t, http.MethodGet, "/api/positions?user=alice", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []engine.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	require.Equal(t, uint64(1_000_000), positions[0].Principal)

	rec = f.do(t, http.MethodGet, "/api/pending?user=alice&community=water", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/claim-yield", map[string]any{
		"user": "alice", "community": "water",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown community maps to 404.
	rec = f.do(t, http.MethodGet, "/api/pending?user=alice&community=missing", nil, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPool_API_UnstakeAndClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registerCommunity(t, "water")
	f.stake(t, "alice", "water", 10_000, 1_000_000)

	rec := f.do(t, http.MethodPost, "/api/unstake", map[string]any{
		"user": "alice", "community": "water", "amount": 400_000,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var unstakeResp struct {
		RequestID uint64 `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unstakeResp))

	path := fmt.Sprintf("/api/withdrawals/%d", unstakeResp.RequestID)

	rec = f.do(t, http.MethodGet, path, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"finalized":false`)

	// Claiming before finalization conflicts.
	rec = f.do(t, http.MethodPost, path+"/claim", map[string]any{"user": "alice"}, false)
	require.Equal(t, http.StatusConflict, rec.Code)

	f.clock.Advance(time.Minute)

	rec = f.do(t, http.MethodPost, path+"/claim", map[string]any{"user": "alice"}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(400_000), f.bank.Balance("alice"))

	rec = f.do(t, http.MethodPost, path+"/claim", map[string]any{"user": "alice"}, false)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPool_API_MigrationFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registerCommunity(t, "water")
	f.stake(t, "alice", "water", 10_000, 1_000_000)

	// Admin endpoints are authority-gated.
	rec := f.do(t, http.MethodPost, "/api/migrations/initiate", nil, false)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/migrations/initiate", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	// Finalize before the outgoing withdrawal matured conflicts.
	rec = f.do(t, http.MethodPost, "/api/migrations/finalize", nil, true)
	require.Equal(t, http.StatusConflict, rec.Code)

	f.clock.Advance(time.Minute)

	rec = f.do(t, http.MethodPost, "/api/migrations/finalize", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/status", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Router struct {
			Migrating      bool   `json:"migrating"`
			Generations    int    `json:"generations"`
			AggregateValue uint64 `json:"aggregate_value"`
		} `json:"router"`
		ReceiptSupply uint64 `json:"receipt_supply"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.Router.Migrating)
	require.Equal(t, 1, status.Router.Generations)
	require.Equal(t, uint64(1_000_000), status.Router.AggregateValue)
	require.Equal(t, uint64(1_000_000), status.ReceiptSupply)
}

func TestPool_API_EventsAndFaucet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registerCommunity(t, "water")

	rec := f.do(t, http.MethodPost, "/api/faucet", map[string]any{
		"account": "alice", "amount": 500,
	}, false)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/faucet", map[string]any{
		"account": "alice", "amount": 500,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(500), f.bank.Balance("alice"))

	rec = f.do(t, http.MethodGet, "/api/events", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	require.Equal(t, events.TypeCommunityRegistered, evs[0].Type)

	rec = f.do(t, http.MethodGet, "/api/balances/alice", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"bank":500`)
}

func TestPool_API_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registerCommunity(t, "water")

	rec := f.do(t, http.MethodPost, "/api/stake", map[string]any{
		"user": "alice", "community": "water", "amount": 100, "bogus": true,
	}, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
