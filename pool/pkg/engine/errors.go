package engine

import "errors"

var (
	ErrZeroAmount            = errors.New("engine: amount must be greater than zero")
	ErrUnknownCommunity      = errors.New("engine: unknown community")
	ErrCommunityExists       = errors.New("engine: community already registered")
	ErrInvalidDonationRate   = errors.New("engine: donation rate out of range")
	ErrInvalidRecipient      = errors.New("engine: recipient is required")
	ErrNoPosition            = errors.New("engine: no position for user in community")
	ErrInsufficientPrincipal = errors.New("engine: insufficient staked principal")
	ErrNoDonationsAccrued    = errors.New("engine: no donations accrued")
	ErrUnknownRequest        = errors.New("engine: unknown withdrawal request")
	ErrNotRequestOwner       = errors.New("engine: caller does not own this withdrawal request")
	ErrAlreadyClaimed        = errors.New("engine: withdrawal request already claimed")
	ErrNotFinalized          = errors.New("engine: withdrawal request not finalized")
	ErrUnauthorized          = errors.New("engine: caller is not the listing authority")
)
