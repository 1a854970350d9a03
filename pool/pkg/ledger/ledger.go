// Package ledger implements the non-transferable receipt ledger. Receipts
// are minted 1:1 against staked principal and burned on unstake, so total
// supply always equals the sum of all positions' principal.
package ledger

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient receipt balance")
	ErrNonTransferable     = errors.New("ledger: receipts are non-transferable")
)

type Config struct {
	Logger *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Ledger struct {
	log *slog.Logger

	mu       sync.Mutex
	balances map[string]uint64
	supply   uint64
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:      cfg.Logger,
		balances: make(map[string]uint64),
	}, nil
}

func (l *Ledger) Mint(to string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] += amount
	l.supply += amount
	l.log.Debug("ledger: minted", "to", to, "amount", amount, "supply", l.supply)
}

func (l *Ledger) Burn(from string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.supply -= amount
	l.log.Debug("ledger: burned", "from", from, "amount", amount, "supply", l.supply)
	return nil
}

func (l *Ledger) TotalSupply() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

func (l *Ledger) BalanceOf(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Transfer always fails: receipts track principal for a specific owner.
func (l *Ledger) Transfer(from, to string, amount uint64) error {
	return ErrNonTransferable
}

// Approve always fails for the same reason as Transfer.
func (l *Ledger) Approve(owner, spender string, amount uint64) error {
	return ErrNonTransferable
}
