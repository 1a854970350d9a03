package vault

import (
	"errors"
	"sync"
)

var ErrInsufficientFunds = errors.New("vault: insufficient funds")

// Bank is the in-memory asset ledger shared by the simulated backend, the
// coordinator treasury and tests. Every value transfer in sim mode moves a
// balance between bank accounts, so tests can assert end-to-end custody.
type Bank struct {
	mu       sync.Mutex
	balances map[string]uint64
}

func NewBank() *Bank {
	return &Bank{balances: make(map[string]uint64)}
}

// Balance returns the current balance of account.
func (b *Bank) Balance(account string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

// Credit creates amount units on account. Used to fund test accounts and to
// materialize simulated yield.
func (b *Bank) Credit(account string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] += amount
}

// Debit destroys amount units on account.
func (b *Bank) Debit(account string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[account] < amount {
		return ErrInsufficientFunds
	}
	b.balances[account] -= amount
	return nil
}

// Transfer moves amount units from one account to another.
func (b *Bank) Transfer(from, to string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[from] < amount {
		return ErrInsufficientFunds
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}
