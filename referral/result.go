package referral

import (
	"github.com/warp/waitlist-engine/core"
)

// =============================================================================
// OUTCOMES
// =============================================================================

// Outcome is what an attribution attempt did.
type Outcome string

const (
	OutcomeNoCode     Outcome = "NO_CODE"    // nothing to attribute
	OutcomeAttributed Outcome = "ATTRIBUTED" // referral confirmed, referrer scored
	OutcomePending    Outcome = "PENDING"    // recorded, waiting for email verification
	OutcomeDuplicate  Outcome = "DUPLICATE"  // already attributed; zero effect
	OutcomeRejected   Outcome = "REJECTED"
)

// Rejection is the typed reason an attempt was refused. Rejections are
// results, not errors: they never fail the join that carried the code.
type Rejection string

const (
	InvalidReferralCode   Rejection = "InvalidReferralCode"
	CrossWaitlistReferral Rejection = "CrossWaitlistReferral"
	SelfReferral          Rejection = "SelfReferral"
	ReferralsDisabled     Rejection = "ReferralsDisabled"
	NoActiveCampaign      Rejection = "NoActiveCampaign"
	SubscriberNotFound    Rejection = "SubscriberNotFound"
	AlreadyReferred       Rejection = "AlreadyReferred"
)

// Result of one attribution attempt.
type Result struct {
	Outcome       Outcome
	Rejection     Rejection // set when Outcome is OutcomeRejected
	ReferralID    core.ReferralID
	ReferrerID    core.SubscriberID
	PointsAwarded int

	// Best-effort rank refresh of the referrer.
	ReferrerRank int
	RankErr      error

	Unlocked []core.SubscriberReward
}

// Rejected reports whether the attempt was refused.
func (r Result) Rejected() bool { return r.Outcome == OutcomeRejected }

func rejected(reason Rejection) Result {
	return Result{Outcome: OutcomeRejected, Rejection: reason}
}
