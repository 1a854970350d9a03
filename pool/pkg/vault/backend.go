// Package vault defines the interface to the external yield source and an
// in-memory simulated implementation of it. The accounting layer only ever
// talks to a Backend; in production that is the migration coordinator, which
// in turn forwards to the active backend generation.
package vault

// Backend is one incarnation of the yield source integration.
//
// Withdrawal finalization is long-running and modeled as poll-to-completion:
// IsWithdrawalFinalized is a non-blocking status check and callers re-poll.
// A submitted request cannot be cancelled, only claimed, and a backend must
// answer for its own requests even after it has been superseded by a
// migration.
type Backend interface {
	// Deposit pulls amount units from the given account into the backend
	// and returns the amount actually credited to the pool.
	Deposit(from string, amount uint64) (uint64, error)

	// RequestWithdrawal earmarks amount units for withdrawal and returns a
	// request id. The earmarked amount leaves the reported value
	// immediately; the funds are released by ClaimWithdrawal once the
	// request has finalized.
	RequestWithdrawal(amount uint64) (uint64, error)

	// IsWithdrawalFinalized reports whether the request can be claimed.
	IsWithdrawalFinalized(id uint64) (bool, error)

	// ClaimWithdrawal releases the funds of a finalized request to the
	// recipient account. Exactly-once: a second claim of the same id fails.
	ClaimWithdrawal(id uint64, recipient string) (uint64, error)

	// Value returns the total pool value held by this backend, excluding
	// amounts earmarked by open withdrawal requests.
	Value() (uint64, error)

	// Transfer pays amount units out of the backend's liquid value to the
	// recipient account. Used for yield and donation payouts.
	Transfer(recipient string, amount uint64) error
}
