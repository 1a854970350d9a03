package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/goodstack/givepool/pool/pkg/amount"
)

var (
	ErrInsufficientValue = errors.New("vault: insufficient deposited value")
	ErrUnknownRequest    = errors.New("vault: unknown withdrawal request")
	ErrAlreadyClaimed    = errors.New("vault: withdrawal request already claimed")
	ErrNotFinalized      = errors.New("vault: withdrawal request not finalized")
)

// simNextID is process-global so that native request ids never collide
// across backend generations.
var simNextID atomic.Uint64

type SimBackendConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Bank and Account identify where this backend keeps custody of funds.
	Bank    *Bank
	Account string

	// FinalizationDelay is how long a withdrawal request stays pending
	// before IsWithdrawalFinalized reports true.
	FinalizationDelay time.Duration

	// SkimRate is the fee the yield source takes off every accrual, in
	// amount.RateDenom units. The pool accounting never sees the skimmed
	// portion.
	SkimRate uint64
}

func (cfg *SimBackendConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bank == nil {
		return errors.New("bank is required")
	}
	if cfg.Account == "" {
		return errors.New("account is required")
	}
	if !amount.ValidRate(cfg.SkimRate) {
		return errors.New("skim rate out of range")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SimBackend is an in-memory yield source used in sim mode and in tests.
// Yield and losses are applied explicitly via Accrue and Slash; withdrawal
// requests finalize after a configurable delay on the injected clock.
type SimBackend struct {
	log *slog.Logger
	cfg SimBackendConfig

	mu       sync.Mutex
	value    uint64
	requests map[uint64]*simRequest
}

type simRequest struct {
	amount  uint64
	readyAt time.Time
	claimed bool
}

func NewSimBackend(cfg SimBackendConfig) (*SimBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SimBackend{
		log:      cfg.Logger,
		cfg:      cfg,
		requests: make(map[uint64]*simRequest),
	}, nil
}

func (s *SimBackend) Deposit(from string, amt uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cfg.Bank.Transfer(from, s.cfg.Account, amt); err != nil {
		return 0, fmt.Errorf("failed to move deposit into backend: %w", err)
	}
	s.value += amt
	s.log.Debug("sim backend: deposit", "from", from, "amount", amt, "value", s.value)
	return amt, nil
}

func (s *SimBackend) RequestWithdrawal(amt uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amt > s.value {
		return 0, ErrInsufficientValue
	}
	s.value -= amt
	id := simNextID.Add(1)
	s.requests[id] = &simRequest{
		amount:  amt,
		readyAt: s.cfg.Clock.Now().Add(s.cfg.FinalizationDelay),
	}
	s.log.Debug("sim backend: withdrawal requested", "id", id, "amount", amt, "value", s.value)
	return id, nil
}

func (s *SimBackend) IsWithdrawalFinalized(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return false, ErrUnknownRequest
	}
	return !s.cfg.Clock.Now().Before(req.readyAt), nil
}

func (s *SimBackend) ClaimWithdrawal(id uint64, recipient string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return 0, ErrUnknownRequest
	}
	if req.claimed {
		return 0, ErrAlreadyClaimed
	}
	if s.cfg.Clock.Now().Before(req.readyAt) {
		return 0, ErrNotFinalized
	}
	if err := s.cfg.Bank.Transfer(s.cfg.Account, recipient, req.amount); err != nil {
		return 0, fmt.Errorf("failed to release withdrawal: %w", err)
	}
	req.claimed = true
	s.log.Debug("sim backend: withdrawal claimed", "id", id, "amount", req.amount, "recipient", recipient)
	return req.amount, nil
}

func (s *SimBackend) Value() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *SimBackend) Transfer(recipient string, amt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amt > s.value {
		return ErrInsufficientValue
	}
	if err := s.cfg.Bank.Transfer(s.cfg.Account, recipient, amt); err != nil {
		return fmt.Errorf("failed to transfer out of backend: %w", err)
	}
	s.value -= amt
	return nil
}

// Accrue materializes yield on the backend, minus the configured skim. The
// skimmed portion stays with the yield source and never enters the pool.
func (s *SimBackend) Accrue(amt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	skim, err := amount.MulDiv(amt, s.cfg.SkimRate, amount.RateDenom)
	if err != nil {
		return err
	}
	credited := amt - skim
	s.cfg.Bank.Credit(s.cfg.Account, credited)
	s.value += credited
	s.log.Debug("sim backend: yield accrued", "gross", amt, "skim", skim, "value", s.value)
	return nil
}

// Slash removes value from the backend, simulating a loss at the yield
// source. The loss is socialized by the accounting layer on its next sync.
func (s *SimBackend) Slash(amt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amt > s.value {
		return ErrInsufficientValue
	}
	if err := s.cfg.Bank.Debit(s.cfg.Account, amt); err != nil {
		return err
	}
	s.value -= amt
	s.log.Debug("sim backend: value slashed", "amount", amt, "value", s.value)
	return nil
}
