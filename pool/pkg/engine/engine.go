// Package engine implements the yield distribution engine: a per-community
// reward-per-share accumulator that splits observed pool yield between
// stakers and their chosen community at a blended donation rate, and
// socializes losses donations-first.
package engine

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goodstack/givepool/pool/pkg/amount"
	"github.com/goodstack/givepool/pool/pkg/events"
	"github.com/goodstack/givepool/pool/pkg/ledger"
	"github.com/goodstack/givepool/pool/pkg/metrics"
	"github.com/goodstack/givepool/pool/pkg/vault"
)

type Config struct {
	Logger *slog.Logger

	// Vault is the indirection all value flows through; in production it
	// is the migration coordinator.
	Vault  vault.Backend
	Ledger *ledger.Ledger
	Events *events.Log

	// AuthorityKey gates community registration and recipient rotation.
	AuthorityKey string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Vault == nil {
		return errors.New("vault is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Events == nil {
		return errors.New("event log is required")
	}
	if cfg.AuthorityKey == "" {
		return errors.New("authority key is required")
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config

	// mu is the scoped execution lock: every public operation runs to
	// completion with exclusive access to all engine state, including its
	// external transfers. Collaborators must not call back into the
	// engine while an operation is in flight.
	mu sync.Mutex

	communities map[string]*Community
	positions   map[string]map[string]*Position // community id -> owner -> position
	requests    map[uint64]*WithdrawalRequest
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:         cfg.Logger,
		cfg:         cfg,
		communities: make(map[string]*Community),
		positions:   make(map[string]map[string]*Position),
		requests:    make(map[uint64]*WithdrawalRequest),
	}, nil
}

func (e *Engine) authorize(key string) error {
	if subtle.ConstantTimeCompare([]byte(key), []byte(e.cfg.AuthorityKey)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// RegisterCommunity creates a community. Listing-authority only; mutates
// community metadata, never accounting state.
func (e *Engine) RegisterCommunity(authKey, id string, minDonationRate uint64, recipient string) (err error) {
	defer func() { metrics.RecordOp("register_community", err) }()
	if err := e.authorize(authKey); err != nil {
		return err
	}
	if id == "" {
		return errors.New("engine: community id is required")
	}
	if recipient == "" {
		return ErrInvalidRecipient
	}
	if !amount.ValidRate(minDonationRate) {
		return ErrInvalidDonationRate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.communities[id]; ok {
		return ErrCommunityExists
	}
	e.communities[id] = &Community{
		ID:              id,
		Recipient:       recipient,
		MinDonationRate: minDonationRate,
	}
	e.positions[id] = make(map[string]*Position)
	e.cfg.Events.Emit(events.TypeCommunityRegistered, map[string]any{
		"community": id, "min_donation_rate": minDonationRate, "recipient": recipient,
	})
	return nil
}

// RotateRecipient changes where a community's donations are paid.
func (e *Engine) RotateRecipient(authKey, id, recipient string) (err error) {
	defer func() { metrics.RecordOp("rotate_recipient", err) }()
	if err := e.authorize(authKey); err != nil {
		return err
	}
	if recipient == "" {
		return ErrInvalidRecipient
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.communities[id]
	if !ok {
		return ErrUnknownCommunity
	}
	c.Recipient = recipient
	e.cfg.Events.Emit(events.TypeRecipientRotated, map[string]any{
		"community": id, "recipient": recipient,
	})
	return nil
}

// Community returns a snapshot of one community.
func (e *Engine) Community(id string) (Community, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.communities[id]
	if !ok {
		return Community{}, ErrUnknownCommunity
	}
	return *c, nil
}

// Communities returns snapshots of all communities, ordered by id.
func (e *Engine) Communities() []Community {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Community, 0, len(e.communities))
	for _, c := range e.communities {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Positions returns snapshots of a user's active positions.
func (e *Engine) Positions(owner string) []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Position
	for _, byOwner := range e.positions {
		if p, ok := byOwner[owner]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommunityID < out[j].CommunityID })
	return out
}

// Request returns a snapshot of one withdrawal request.
func (e *Engine) Request(id uint64) (WithdrawalRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[id]
	if !ok {
		return WithdrawalRequest{}, ErrUnknownRequest
	}
	return *r, nil
}

// PendingYield projects the yield a user could claim right now, without
// mutating anything. It shares the sync arithmetic with the mutating path.
func (e *Engine) PendingYield(owner, communityID string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.communities[communityID]
	if !ok {
		return 0, ErrUnknownCommunity
	}
	p, ok := e.positions[communityID][owner]
	if !ok {
		return 0, ErrNoPosition
	}
	ratio, err := e.ratioValue()
	if err != nil {
		return 0, err
	}
	res, err := simulateSync(c, ratio, e.cfg.Ledger.TotalSupply())
	if err != nil {
		return 0, err
	}
	scaled, err := amount.MulDiv(p.Principal, res.accPerShare, amount.Precision)
	if err != nil {
		return 0, fmt.Errorf("failed to project pending yield: %w", err)
	}
	return amount.SubSat(scaled, p.RewardDebt), nil
}

func (e *Engine) community(id string) (*Community, error) {
	c, ok := e.communities[id]
	if !ok {
		return nil, ErrUnknownCommunity
	}
	return c, nil
}

func weightedOf(principal, rate uint64) (uint64, error) {
	return amount.MulDiv(principal, rate, amount.RateDenom)
}
