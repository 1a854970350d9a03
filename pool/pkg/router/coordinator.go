// Package router implements the migration coordinator: the vault indirection
// the accounting layer talks to. It forwards deposits, withdrawal requests
// and claims to the active backend generation, and orchestrates atomic
// backend swaps without invalidating withdrawal requests already in flight.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goodstack/givepool/pool/pkg/amount"
	"github.com/goodstack/givepool/pool/pkg/events"
	"github.com/goodstack/givepool/pool/pkg/metrics"
	"github.com/goodstack/givepool/pool/pkg/vault"
)

// InternalIDOffset splits the request-id space in two namespaces: ids below
// the offset are native to some backend generation, ids at or above it are
// issued from the coordinator's internal table while a migration is in
// flight. resolve is the only place that interprets the convention.
const InternalIDOffset uint64 = 1 << 32

var (
	ErrNoBackend             = errors.New("router: no active backend configured")
	ErrAlreadyMigrating      = errors.New("router: migration already in progress")
	ErrNotMigrating          = errors.New("router: no migration in progress")
	ErrMigrationNotFinalized = errors.New("router: outgoing backend withdrawal not finalized")
	ErrUnknownRequest        = errors.New("router: unknown withdrawal request")
	ErrAlreadyClaimed        = errors.New("router: withdrawal request already claimed")
	ErrNotFinalized          = errors.New("router: withdrawal request not finalized")
)

type Config struct {
	Logger *slog.Logger

	// Bank and Account identify the coordinator's own treasury: buffered
	// deposits and funds reserved for internal withdrawal requests live
	// there between migrations.
	Bank    *vault.Bank
	Account string

	// Events is optional; migration transitions are emitted when set.
	Events *events.Log
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bank == nil {
		return errors.New("bank is required")
	}
	if cfg.Account == "" {
		return errors.New("account is required")
	}
	return nil
}

// Generation is one retired incarnation of the vault backend. The registry
// is append-only: a generation stays resolvable for its own withdrawal
// requests no matter how many further migrations happen.
type Generation struct {
	Backend vault.Backend
	Index   int
}

type internalRequest struct {
	amount    uint64
	finalized bool
	claimed   bool
}

type Coordinator struct {
	log *slog.Logger
	cfg Config

	mu          sync.Mutex
	active      vault.Backend
	generations []*Generation

	migrating        bool
	migrationID      uint64
	migrationPending bool
	inFlight         uint64 // value locked in the outgoing backend's migration request

	pendingDeposits uint64 // buffered deposits not yet forwarded
	held            uint64 // treasury balance: buffered deposits + reserved funds
	reserved        uint64 // unclaimed internal request amounts

	nextInternal uint64
	internal     map[uint64]*internalRequest
	routes       map[uint64]vault.Backend // native id -> issuing generation
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		log:      cfg.Logger,
		cfg:      cfg,
		internal: make(map[uint64]*internalRequest),
		routes:   make(map[uint64]vault.Backend),
	}, nil
}

// SetBackend installs the initial backend. It is a bootstrap-only operation;
// later swaps go through InitiateMigration/FinalizeMigration.
func (c *Coordinator) SetBackend(b vault.Backend) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return errors.New("router: backend already configured, use migration")
	}
	c.active = b
	return nil
}

func (c *Coordinator) Deposit(from string, amt uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migrating {
		if err := c.cfg.Bank.Transfer(from, c.cfg.Account, amt); err != nil {
			return 0, fmt.Errorf("failed to buffer deposit: %w", err)
		}
		c.pendingDeposits += amt
		c.held += amt
		c.log.Debug("router: deposit buffered", "from", from, "amount", amt, "pending", c.pendingDeposits)
		return amt, nil
	}
	if c.active == nil {
		return 0, ErrNoBackend
	}
	return c.active.Deposit(from, amt)
}

func (c *Coordinator) RequestWithdrawal(amt uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migrating {
		id := InternalIDOffset + c.nextInternal
		c.nextInternal++
		c.internal[id] = &internalRequest{amount: amt}
		c.reserved += amt
		metrics.WithdrawalRequestsTotal.WithLabelValues("internal").Inc()
		c.log.Debug("router: internal withdrawal requested", "id", id, "amount", amt)
		return id, nil
	}
	if c.active == nil {
		return 0, ErrNoBackend
	}
	id, err := c.active.RequestWithdrawal(amt)
	if err != nil {
		return 0, fmt.Errorf("failed to request withdrawal from backend: %w", err)
	}
	c.routes[id] = c.active
	metrics.WithdrawalRequestsTotal.WithLabelValues("native").Inc()
	return id, nil
}

func (c *Coordinator) IsWithdrawalFinalized(id uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, backend, err := c.resolve(id)
	if err != nil {
		return false, err
	}
	if req != nil {
		return req.finalized, nil
	}
	return backend.IsWithdrawalFinalized(id)
}

func (c *Coordinator) ClaimWithdrawal(id uint64, recipient string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, backend, err := c.resolve(id)
	if err != nil {
		return 0, err
	}
	if req != nil {
		if req.claimed {
			return 0, ErrAlreadyClaimed
		}
		if !req.finalized {
			return 0, ErrNotFinalized
		}
		req.claimed = true
		c.held -= req.amount
		c.reserved -= req.amount
		if err := c.cfg.Bank.Transfer(c.cfg.Account, recipient, req.amount); err != nil {
			req.claimed = false
			c.held += req.amount
			c.reserved += req.amount
			return 0, fmt.Errorf("failed to release internal withdrawal: %w", err)
		}
		c.log.Debug("router: internal withdrawal claimed", "id", id, "amount", req.amount, "recipient", recipient)
		return req.amount, nil
	}
	return backend.ClaimWithdrawal(id, recipient)
}

// resolve maps a request id to either the internal table entry or the
// backend generation that issued it.
func (c *Coordinator) resolve(id uint64) (*internalRequest, vault.Backend, error) {
	if id >= InternalIDOffset {
		req, ok := c.internal[id]
		if !ok {
			return nil, nil, ErrUnknownRequest
		}
		return req, nil, nil
	}
	backend, ok := c.routes[id]
	if !ok {
		return nil, nil, ErrUnknownRequest
	}
	return nil, backend, nil
}

// Value returns the aggregate pool value: the active backend's reported
// value, the coordinator's treasury, funds in flight between generations
// and whatever retired generations still report, minus amounts owed to
// internal withdrawal requesters.
func (c *Coordinator) Value() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valueLocked()
}

func (c *Coordinator) valueLocked() (uint64, error) {
	total := c.held + c.inFlight
	if c.active != nil {
		v, err := c.active.Value()
		if err != nil {
			return 0, fmt.Errorf("failed to read active backend value: %w", err)
		}
		total += v
	}
	for _, g := range c.generations {
		if g.Backend == c.active {
			continue
		}
		v, err := g.Backend.Value()
		if err != nil {
			return 0, fmt.Errorf("failed to read generation %d value: %w", g.Index, err)
		}
		total += v
	}
	return amount.SubSat(total, c.reserved), nil
}

func (c *Coordinator) Transfer(recipient string, amt uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ErrNoBackend
	}
	return c.active.Transfer(recipient, amt)
}

// InitiateMigration begins a backend swap: the outgoing backend's full
// reported value is requested for withdrawal and the backend is appended to
// the generation registry. User activity continues; deposits and new
// withdrawal requests buffer internally until FinalizeMigration.
func (c *Coordinator) InitiateMigration() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ErrNoBackend
	}
	if c.migrating {
		return ErrAlreadyMigrating
	}

	v, err := c.active.Value()
	if err != nil {
		return fmt.Errorf("failed to read outgoing backend value: %w", err)
	}
	if v > 0 {
		id, err := c.active.RequestWithdrawal(v)
		if err != nil {
			return fmt.Errorf("failed to request outgoing backend withdrawal: %w", err)
		}
		c.migrationID = id
		c.migrationPending = true
		c.inFlight = v
		c.routes[id] = c.active
	}

	c.generations = append(c.generations, &Generation{Backend: c.active, Index: len(c.generations)})
	c.migrating = true

	metrics.MigrationsTotal.WithLabelValues("initiated").Inc()
	metrics.GenerationsRetired.Set(float64(len(c.generations)))
	c.log.Info("router: migration initiated", "generation", len(c.generations)-1, "in_flight", c.inFlight)
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(events.TypeMigrationInitiated, map[string]any{
			"generation": len(c.generations) - 1,
			"in_flight":  c.inFlight,
		})
	}
	return nil
}

// FinalizeMigration completes a swap onto newBackend. The outgoing backend's
// migration request must have finalized; its funds are claimed into the
// treasury and redeposited into the new backend, minus a reserve covering
// unclaimed internal withdrawals. Buffered deposits are forwarded separately
// and cleared. Internal requests become claimable against the treasury.
func (c *Coordinator) FinalizeMigration(newBackend vault.Backend) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newBackend == nil {
		return errors.New("router: new backend is required")
	}
	if !c.migrating {
		return ErrNotMigrating
	}

	if c.migrationPending {
		fin, err := c.active.IsWithdrawalFinalized(c.migrationID)
		if err != nil {
			return fmt.Errorf("failed to check outgoing backend withdrawal: %w", err)
		}
		if !fin {
			return ErrMigrationNotFinalized
		}
		released, err := c.active.ClaimWithdrawal(c.migrationID, c.cfg.Account)
		if err != nil {
			return fmt.Errorf("failed to claim outgoing backend withdrawal: %w", err)
		}
		c.held += released
		c.inFlight = 0
		c.migrationPending = false
	}

	// Redeposit before any migration state flips. A failed deposit leaves
	// the migration open: held shrinks only by what actually landed, so a
	// retry with a working backend picks up exactly the remainder.
	forwarded := c.pendingDeposits
	depositable := amount.SubSat(c.held, c.reserved+c.pendingDeposits)
	if depositable > 0 {
		if _, err := newBackend.Deposit(c.cfg.Account, depositable); err != nil {
			return fmt.Errorf("failed to redeposit treasury into new backend: %w", err)
		}
		c.held -= depositable
	}
	if c.pendingDeposits > 0 {
		if _, err := newBackend.Deposit(c.cfg.Account, c.pendingDeposits); err != nil {
			return fmt.Errorf("failed to forward buffered deposits: %w", err)
		}
		c.held -= c.pendingDeposits
		c.pendingDeposits = 0
	}

	for _, req := range c.internal {
		if !req.claimed {
			req.finalized = true
		}
	}

	c.active = newBackend
	c.migrating = false

	metrics.MigrationsTotal.WithLabelValues("finalized").Inc()
	c.log.Info("router: migration finalized",
		"generations", len(c.generations), "forwarded_deposits", forwarded, "reserved", c.reserved)
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(events.TypeMigrationFinalized, map[string]any{
			"generations":        len(c.generations),
			"forwarded_deposits": forwarded,
			"reserved":           c.reserved,
		})
	}
	return nil
}

// Status is a point-in-time snapshot for the status surface.
type Status struct {
	Migrating       bool   `json:"migrating"`
	Generations     int    `json:"generations"`
	PendingDeposits uint64 `json:"pending_deposits"`
	Held            uint64 `json:"held"`
	Reserved        uint64 `json:"reserved"`
	AggregateValue  uint64 `json:"aggregate_value"`
}

func (c *Coordinator) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.valueLocked()
	if err != nil {
		return Status{}, err
	}
	metrics.AggregateValue.Set(float64(v))
	return Status{
		Migrating:       c.migrating,
		Generations:     len(c.generations),
		PendingDeposits: c.pendingDeposits,
		Held:            c.held,
		Reserved:        c.reserved,
		AggregateValue:  v,
	}, nil
}

// ActiveBackend returns the backend currently receiving deposits, or nil
// if none is configured.
func (c *Coordinator) ActiveBackend() vault.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Migrating reports whether a migration is in flight.
func (c *Coordinator) Migrating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.migrating
}
