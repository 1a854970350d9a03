package engine

// Community is one beneficiary community: a donation recipient plus the
// accounting state of everyone staking toward it. Created once, mutated
// forever, never deleted.
type Community struct {
	ID              string `json:"id"`
	Recipient       string `json:"recipient"`
	MinDonationRate uint64 `json:"min_donation_rate"`

	TotalStaked uint64 `json:"total_staked"`

	// TotalWeighted is the donation-weighted principal: the sum over all
	// positions of principal*donationRate/RateDenom. The unified donation
	// rate is derived from it.
	TotalWeighted uint64 `json:"total_weighted"`

	// AccPerShare is cumulative staker yield per unit of principal, scaled
	// by amount.Precision.
	AccPerShare uint64 `json:"acc_per_share"`

	DonationsAccrued uint64 `json:"donations_accrued"`

	// LastObserved is the pool value attributed to this community at its
	// last sync; Observed distinguishes a zero value from "never synced".
	LastObserved uint64 `json:"last_observed"`
	Observed     bool   `json:"observed"`
}

// Position is one depositor's stake toward one community.
type Position struct {
	Owner        string `json:"owner"`
	CommunityID  string `json:"community_id"`
	Principal    uint64 `json:"principal"`
	RewardDebt   uint64 `json:"reward_debt"`
	DonationRate uint64 `json:"donation_rate"`
}

// WithdrawalRequest is the engine-side record of an unstake. It is never
// deleted; the claimed flag is the tombstone enforcing exactly-once claims.
type WithdrawalRequest struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	CommunityID string `json:"community_id"`
	Amount      uint64 `json:"amount"`
	Claimed     bool   `json:"claimed"`
}
