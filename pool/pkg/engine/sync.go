package engine

import (
	"fmt"

	"github.com/goodstack/givepool/pool/pkg/amount"
	"github.com/goodstack/givepool/pool/pkg/metrics"
)

// syncResult is the accounting update one sync would apply to a community.
// simulateSync computes it without mutating anything so that the mutating
// sync path and the read-only pending projection cannot diverge.
type syncResult struct {
	observed         bool
	observedValue    uint64
	accPerShare      uint64
	donationsAccrued uint64

	donationPortion uint64
	stakerPortion   uint64
	donationLoss    uint64
	stakerLoss      uint64
	lossRemainder   uint64
}

// unifiedDonationRate is the community-wide weighted-average donation rate,
// in amount.RateDenom units. Zero when nothing is staked.
func unifiedDonationRate(c *Community) uint64 {
	if c.TotalStaked == 0 {
		return 0
	}
	r, err := amount.MulDiv(c.TotalWeighted, amount.RateDenom, c.TotalStaked)
	if err != nil {
		// TotalWeighted <= TotalStaked, so the quotient fits.
		return 0
	}
	return r
}

// simulateSync computes the community's share of the pool and how the delta
// since the last observation splits between donations and stakers.
//
// ratioValue is the pool value with all communities' accrued-but-unclaimed
// donations subtracted: donations never restake, so they must not re-enter
// the proportional distribution. Because of that exclusion, the stored
// baseline tracks the community's share of the ratio pot: donations carved
// out this sync leave it, donation value consumed by a loss returns to it.
func simulateSync(c *Community, ratioValue, supply uint64) (syncResult, error) {
	res := syncResult{
		observed:         c.Observed,
		observedValue:    c.LastObserved,
		accPerShare:      c.AccPerShare,
		donationsAccrued: c.DonationsAccrued,
	}
	if c.TotalStaked == 0 || supply == 0 {
		return res, nil
	}

	cv, err := amount.MulDiv(c.TotalStaked, ratioValue, supply)
	if err != nil {
		return res, fmt.Errorf("failed to compute community value: %w", err)
	}

	if !c.Observed {
		res.observed = true
		res.observedValue = cv
		return res, nil
	}

	switch {
	case cv > c.LastObserved:
		delta := cv - c.LastObserved
		donation, err := amount.MulDiv(delta, unifiedDonationRate(c), amount.RateDenom)
		if err != nil {
			return res, fmt.Errorf("failed to compute donation portion: %w", err)
		}
		staker := delta - donation
		inc, err := amount.MulDiv(staker, amount.Precision, c.TotalStaked)
		if err != nil {
			return res, fmt.Errorf("failed to compute accumulator increment: %w", err)
		}
		res.donationPortion = donation
		res.stakerPortion = staker
		res.donationsAccrued += donation
		res.accPerShare += inc
		res.observedValue = cv - donation

	case cv < c.LastObserved:
		loss := c.LastObserved - cv
		donationLoss := c.DonationsAccrued
		if cv > 0 {
			dl, err := amount.MulDiv(c.DonationsAccrued, loss, cv)
			if err == nil && dl < donationLoss {
				donationLoss = dl
			}
		}
		if donationLoss > loss {
			donationLoss = loss
		}
		stakerLoss := loss - donationLoss
		dec, err := amount.MulDiv(stakerLoss, amount.Precision, c.TotalStaked)
		if err != nil {
			return res, fmt.Errorf("failed to compute accumulator decrement: %w", err)
		}
		res.donationLoss = donationLoss
		res.stakerLoss = stakerLoss
		res.donationsAccrued -= donationLoss
		if dec > c.AccPerShare {
			// Loss exceeds everything the accumulator can absorb: floor at
			// zero and surface the unabsorbed remainder instead of
			// propagating it.
			rem, _ := amount.MulDiv(dec-c.AccPerShare, c.TotalStaked, amount.Precision)
			res.lossRemainder = rem
			res.accPerShare = 0
		} else {
			res.accPerShare -= dec
		}
		res.observedValue = cv + donationLoss

	default:
		res.observedValue = cv
	}
	return res, nil
}

// ratioValue returns the pool value used for proportional distribution:
// aggregate vault value minus every community's accrued donations.
func (e *Engine) ratioValue() (uint64, error) {
	v, err := e.cfg.Vault.Value()
	if err != nil {
		return 0, fmt.Errorf("failed to read pool value: %w", err)
	}
	var accrued uint64
	for _, c := range e.communities {
		accrued += c.DonationsAccrued
	}
	return amount.SubSat(v, accrued), nil
}

// syncAll applies the pending accounting update to every community, all
// against one snapshot of the pool. Runs at the start of every mutating
// call: every community's delta must be attributed before the operation
// moves value or supply, otherwise the movement bleeds into the deltas of
// communities that were not part of the operation. Results are simulated
// for all communities before any is applied, so a failure mutates nothing.
func (e *Engine) syncAll() error {
	ratio, err := e.ratioValue()
	if err != nil {
		return err
	}
	supply := e.cfg.Ledger.TotalSupply()

	results := make(map[string]syncResult, len(e.communities))
	for id, c := range e.communities {
		res, err := simulateSync(c, ratio, supply)
		if err != nil {
			return fmt.Errorf("failed to sync community %s: %w", id, err)
		}
		results[id] = res
	}
	for id, c := range e.communities {
		e.applySync(c, results[id])
	}
	return nil
}

func (e *Engine) applySync(c *Community, res syncResult) {
	if res.lossRemainder > 0 {
		metrics.LossRemainderTotal.Add(float64(res.lossRemainder))
		e.log.Warn("loss exceeded socializable value, remainder dropped",
			"community", c.ID, "remainder", res.lossRemainder)
	}
	if res.donationPortion > 0 || res.stakerPortion > 0 {
		e.log.Debug("yield distributed",
			"community", c.ID, "donations", res.donationPortion, "stakers", res.stakerPortion)
	}
	if res.donationLoss > 0 || res.stakerLoss > 0 {
		e.log.Debug("loss socialized",
			"community", c.ID, "donation_loss", res.donationLoss, "staker_loss", res.stakerLoss)
	}

	c.Observed = res.observed
	c.LastObserved = res.observedValue
	c.AccPerShare = res.accPerShare
	c.DonationsAccrued = res.donationsAccrued

	metrics.DonationsAccrued.WithLabelValues(c.ID).Set(float64(c.DonationsAccrued))
}

// rebaselineAll re-reads every community's share after an operation moved
// value or principal, so the operation's own outflow is not mistaken for a
// loss, in any community, at the next sync.
func (e *Engine) rebaselineAll() error {
	ratio, err := e.ratioValue()
	if err != nil {
		return err
	}
	supply := e.cfg.Ledger.TotalSupply()
	for _, c := range e.communities {
		if c.TotalStaked == 0 || supply == 0 {
			c.LastObserved = 0
			c.Observed = false
			continue
		}
		cv, err := amount.MulDiv(c.TotalStaked, ratio, supply)
		if err != nil {
			return fmt.Errorf("failed to rebaseline community %s: %w", c.ID, err)
		}
		c.LastObserved = cv
		c.Observed = true
	}
	return nil
}

// settle pays out a position's pending yield and recheckpoints its reward
// debt. The debt update happens before the transfer; a failed transfer
// restores it and aborts the enclosing operation.
func (e *Engine) settle(c *Community, p *Position) (uint64, error) {
	scaled, err := amount.MulDiv(p.Principal, c.AccPerShare, amount.Precision)
	if err != nil {
		return 0, fmt.Errorf("failed to compute pending yield: %w", err)
	}
	pending := amount.SubSat(scaled, p.RewardDebt)
	prev := p.RewardDebt
	p.RewardDebt = scaled
	if pending == 0 {
		return 0, nil
	}
	if err := e.cfg.Vault.Transfer(p.Owner, pending); err != nil {
		p.RewardDebt = prev
		return 0, fmt.Errorf("failed to pay out yield: %w", err)
	}
	return pending, nil
}
