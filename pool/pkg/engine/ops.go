package engine

import (
	"fmt"
	"math"

	"github.com/goodstack/givepool/pool/pkg/amount"
	"github.com/goodstack/givepool/pool/pkg/events"
	"github.com/goodstack/givepool/pool/pkg/metrics"
)

// Stake deposits principal toward a community at the given donation rate.
// If the user already has a position there, its pending yield is paid out
// first and its donation rate is updated to the given one.
func (e *Engine) Stake(owner, communityID string, donationRate, amt uint64) (err error) {
	defer func() { metrics.RecordOp("stake", err) }()
	if amt == 0 {
		return ErrZeroAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.community(communityID)
	if err != nil {
		return err
	}
	if donationRate < c.MinDonationRate || donationRate > amount.RateDenom {
		return ErrInvalidDonationRate
	}
	if err = e.syncAll(); err != nil {
		return err
	}

	p := e.positions[communityID][owner]
	if p != nil {
		if _, err = e.settle(c, p); err != nil {
			return err
		}
	} else {
		p = &Position{Owner: owner, CommunityID: communityID, DonationRate: donationRate}
	}

	// All post-deposit arithmetic is validated here, before any value moves.
	if amt > math.MaxUint64-p.Principal || amt > math.MaxUint64-c.TotalStaked {
		return fmt.Errorf("failed to stake: %w", amount.ErrOverflow)
	}
	prevWeighted, err := weightedOf(p.Principal, p.DonationRate)
	if err != nil {
		return err
	}
	newWeighted, err := weightedOf(p.Principal+amt, donationRate)
	if err != nil {
		return err
	}
	newDebt, err := amount.MulDiv(p.Principal+amt, c.AccPerShare, amount.Precision)
	if err != nil {
		return fmt.Errorf("failed to checkpoint reward debt: %w", err)
	}

	credited, err := e.cfg.Vault.Deposit(owner, amt)
	if err != nil {
		return fmt.Errorf("failed to deposit into vault: %w", err)
	}
	e.cfg.Ledger.Mint(owner, credited)

	if credited != amt {
		// A backend never credits more than was deposited, so these stay
		// within the bounds checked above.
		if newWeighted, err = weightedOf(p.Principal+credited, donationRate); err != nil {
			return err
		}
		if newDebt, err = amount.MulDiv(p.Principal+credited, c.AccPerShare, amount.Precision); err != nil {
			return fmt.Errorf("failed to checkpoint reward debt: %w", err)
		}
	}

	p.Principal += credited
	p.DonationRate = donationRate
	p.RewardDebt = newDebt
	c.TotalStaked += credited
	c.TotalWeighted = c.TotalWeighted - prevWeighted + newWeighted
	e.positions[communityID][owner] = p

	if err = e.rebaselineAll(); err != nil {
		return err
	}
	metrics.StakedPrincipal.WithLabelValues(c.ID).Set(float64(c.TotalStaked))
	metrics.ReceiptSupply.Set(float64(e.cfg.Ledger.TotalSupply()))
	e.cfg.Events.Emit(events.TypeStake, map[string]any{
		"user": owner, "community": communityID, "amount": credited, "donation_rate": donationRate,
	})
	return nil
}

// ChangeDonationRate updates a position's donation rate after settling its
// pending yield. The new rate governs only future yield splits.
func (e *Engine) ChangeDonationRate(owner, communityID string, donationRate uint64) (err error) {
	defer func() { metrics.RecordOp("change_donation_rate", err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.community(communityID)
	if err != nil {
		return err
	}
	if donationRate < c.MinDonationRate || donationRate > amount.RateDenom {
		return ErrInvalidDonationRate
	}
	p := e.positions[communityID][owner]
	if p == nil {
		return ErrNoPosition
	}
	if err = e.syncAll(); err != nil {
		return err
	}
	if _, err = e.settle(c, p); err != nil {
		return err
	}

	prevWeighted, err := weightedOf(p.Principal, p.DonationRate)
	if err != nil {
		return err
	}
	p.DonationRate = donationRate
	newWeighted, err := weightedOf(p.Principal, p.DonationRate)
	if err != nil {
		return err
	}
	c.TotalWeighted = c.TotalWeighted - prevWeighted + newWeighted

	if err = e.rebaselineAll(); err != nil {
		return err
	}
	e.cfg.Events.Emit(events.TypeDonationRateChanged, map[string]any{
		"user": owner, "community": communityID, "donation_rate": donationRate,
	})
	return nil
}

// Unstake settles pending yield, burns receipts and opens a withdrawal
// request for the given principal. The request id is claimable once the
// vault reports it finalized, surviving any number of backend migrations.
func (e *Engine) Unstake(owner, communityID string, amt uint64) (id uint64, err error) {
	defer func() { metrics.RecordOp("unstake", err) }()
	if amt == 0 {
		return 0, ErrZeroAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.community(communityID)
	if err != nil {
		return 0, err
	}
	p := e.positions[communityID][owner]
	if p == nil {
		return 0, ErrNoPosition
	}
	if amt > p.Principal {
		return 0, ErrInsufficientPrincipal
	}
	if err = e.syncAll(); err != nil {
		return 0, err
	}
	if _, err = e.settle(c, p); err != nil {
		return 0, err
	}

	id, err = e.cfg.Vault.RequestWithdrawal(amt)
	if err != nil {
		return 0, fmt.Errorf("failed to request withdrawal: %w", err)
	}
	if err = e.cfg.Ledger.Burn(owner, amt); err != nil {
		return 0, err
	}

	prevWeighted, err := weightedOf(p.Principal, p.DonationRate)
	if err != nil {
		return 0, err
	}
	p.Principal -= amt
	newWeighted, err := weightedOf(p.Principal, p.DonationRate)
	if err != nil {
		return 0, err
	}
	c.TotalStaked -= amt
	c.TotalWeighted = c.TotalWeighted - prevWeighted + newWeighted

	if p.RewardDebt, err = amount.MulDiv(p.Principal, c.AccPerShare, amount.Precision); err != nil {
		return 0, fmt.Errorf("failed to checkpoint reward debt: %w", err)
	}
	if p.Principal == 0 {
		delete(e.positions[communityID], owner)
	}

	e.requests[id] = &WithdrawalRequest{
		ID:          id,
		Owner:       owner,
		CommunityID: communityID,
		Amount:      amt,
	}

	if err = e.rebaselineAll(); err != nil {
		return 0, err
	}
	metrics.StakedPrincipal.WithLabelValues(c.ID).Set(float64(c.TotalStaked))
	metrics.ReceiptSupply.Set(float64(e.cfg.Ledger.TotalSupply()))
	e.cfg.Events.Emit(events.TypeUnstakeRequested, map[string]any{
		"user": owner, "community": communityID, "amount": amt, "request_id": id,
	})
	return id, nil
}

// ClaimYield pays out the caller's pending yield for one community.
func (e *Engine) ClaimYield(owner, communityID string) (paid uint64, err error) {
	defer func() { metrics.RecordOp("claim_yield", err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.community(communityID)
	if err != nil {
		return 0, err
	}
	p := e.positions[communityID][owner]
	if p == nil {
		return 0, ErrNoPosition
	}
	if err = e.syncAll(); err != nil {
		return 0, err
	}
	if paid, err = e.settle(c, p); err != nil {
		return 0, err
	}
	if err = e.rebaselineAll(); err != nil {
		return 0, err
	}
	e.cfg.Events.Emit(events.TypeYieldClaimed, map[string]any{
		"user": owner, "community": communityID, "amount": paid,
	})
	return paid, nil
}

// ClaimWithdrawal releases the principal of a finalized withdrawal request
// to its owner. Exactly-once: the request record is tombstoned before the
// transfer and restored if the transfer fails.
func (e *Engine) ClaimWithdrawal(owner string, id uint64) (released uint64, err error) {
	defer func() { metrics.RecordOp("claim_withdrawal", err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.requests[id]
	if !ok {
		return 0, ErrUnknownRequest
	}
	if req.Owner != owner {
		return 0, ErrNotRequestOwner
	}
	if req.Claimed {
		return 0, ErrAlreadyClaimed
	}
	fin, err := e.cfg.Vault.IsWithdrawalFinalized(id)
	if err != nil {
		return 0, fmt.Errorf("failed to check withdrawal status: %w", err)
	}
	if !fin {
		return 0, ErrNotFinalized
	}

	req.Claimed = true
	released, err = e.cfg.Vault.ClaimWithdrawal(id, owner)
	if err != nil {
		req.Claimed = false
		return 0, fmt.Errorf("failed to claim withdrawal: %w", err)
	}
	e.cfg.Events.Emit(events.TypeWithdrawalClaimed, map[string]any{
		"user": owner, "request_id": id, "amount": released,
	})
	return released, nil
}

// WithdrawCommunityDonations pays everything the community has accrued to
// its configured recipient.
func (e *Engine) WithdrawCommunityDonations(communityID string) (paid uint64, err error) {
	defer func() { metrics.RecordOp("withdraw_donations", err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.community(communityID)
	if err != nil {
		return 0, err
	}
	if err = e.syncAll(); err != nil {
		return 0, err
	}
	if c.DonationsAccrued == 0 {
		return 0, ErrNoDonationsAccrued
	}

	paid = c.DonationsAccrued
	c.DonationsAccrued = 0
	if err = e.cfg.Vault.Transfer(c.Recipient, paid); err != nil {
		c.DonationsAccrued = paid
		return 0, fmt.Errorf("failed to pay out donations: %w", err)
	}

	if err = e.rebaselineAll(); err != nil {
		return 0, err
	}
	metrics.DonationsAccrued.WithLabelValues(c.ID).Set(0)
	e.cfg.Events.Emit(events.TypeDonationsWithdrawn, map[string]any{
		"community": communityID, "recipient": c.Recipient, "amount": paid,
	})
	return paid, nil
}
