/*
store.go - Persistence contracts for the engine

PURPOSE:
  Defines the interface between the engine and the relational store. The
  engine never opens transactions itself: callers obtain a Store handle from
  TxStore.WithTx and pass that same handle into every component they compose
  (scoring, leaderboard, referral, rewards). A component called outside a
  composed flow opens its own transaction the same way.

KEY INTERFACES:
  SubscriberStore: subscribers, score increments, cached rank, ranked reads
  CampaignStore:   campaigns and their point rules / rewards
  ReferralStore:   referral edges
  LedgerStore:     append-only point ledger
  RewardStore:     subscriber reward unlocks
  SnapshotStore:   immutable leaderboard generations
  Store:           all of the above, bound to one transaction or to the database
  TxStore:         Store + WithTx

UNIQUENESS CONTRACT (the idempotency guards):
  subscribers(waitlist_id, email)                      -> ErrDuplicateSubscriber
  subscribers(referral_code)                           -> ErrDuplicateReferralCode
  referrals(waitlist_id, referrer_id, referred_email)  -> ErrDuplicateReferral
  subscriber_rewards(subscriber_id, reward_id)         -> ErrDuplicateUnlock
  point_ledger(idempotency_key) when non-empty         -> ErrDuplicateLedgerKey
  campaigns(waitlist_id)                               -> ErrDuplicateCampaign

APPEND-ONLY CONTRACT:
  Ledger entries and snapshot rows have no update or delete operations.

IMPLEMENTATIONS:
  - core/store/memory.go: in-memory, for tests
  - store/sqlstore: SQLite and PostgreSQL
*/
package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// SUBSCRIBERS
// =============================================================================

type SubscriberStore interface {
	// CreateSubscriber inserts a new subscriber. Enforces both uniqueness guards.
	CreateSubscriber(ctx context.Context, s Subscriber) error

	// GetSubscriber returns ErrSubscriberNotFound when missing.
	GetSubscriber(ctx context.Context, id SubscriberID) (*Subscriber, error)

	// FindSubscriberByEmail returns nil, nil when missing.
	FindSubscriberByEmail(ctx context.Context, waitlistID WaitlistID, email string) (*Subscriber, error)

	// FindSubscriberByCode returns nil, nil when missing.
	FindSubscriberByCode(ctx context.Context, code string) (*Subscriber, error)

	ReferralCodeExists(ctx context.Context, code string) (bool, error)

	// IncrementScore adds delta to the running score.
	IncrementScore(ctx context.Context, id SubscriberID, delta int) error

	// SetScore overwrites the score. Only the ledger reconciliation repair uses it.
	SetScore(ctx context.Context, id SubscriberID, score int) error

	SetReferredBy(ctx context.Context, id SubscriberID, referrerID SubscriberID) error
	SetEmailVerified(ctx context.Context, id SubscriberID) error

	// SetRank writes the cached rank. A failure must not poison the enclosing transaction.
	SetRank(ctx context.Context, id SubscriberID, rank int) error

	// CountAhead counts subscribers of the waitlist that strictly outrank s
	// (score desc, created_at asc, id asc).
	CountAhead(ctx context.Context, s Subscriber) (int, error)

	CountSubscribers(ctx context.Context, waitlistID WaitlistID) (int, error)

	// ListRanked returns the live ordering with ranks filled in from position.
	// limit <= 0 means no limit.
	ListRanked(ctx context.Context, waitlistID WaitlistID, limit, offset int) ([]LeaderboardRow, error)
}

// =============================================================================
// CAMPAIGNS, RULES, REWARDS
// =============================================================================

type CampaignStore interface {
	// CreateCampaign enforces one campaign per waitlist.
	CreateCampaign(ctx context.Context, c Campaign) error
	UpdateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id CampaignID) (*Campaign, error)

	// FindCampaignByWaitlist returns nil, nil when the waitlist has no campaign.
	FindCampaignByWaitlist(ctx context.Context, waitlistID WaitlistID) (*Campaign, error)

	ListCampaigns(ctx context.Context, statuses ...CampaignStatus) ([]Campaign, error)

	SavePointRule(ctx context.Context, r PointRule) error

	// ListActiveRules returns active rules for the event, priority ascending.
	ListActiveRules(ctx context.Context, campaignID CampaignID, event EventType) ([]PointRule, error)

	SaveReward(ctx context.Context, r Reward) error
	GetReward(ctx context.Context, id RewardID) (*Reward, error)
	ListRewards(ctx context.Context, campaignID CampaignID) ([]Reward, error)
}

// =============================================================================
// REFERRALS
// =============================================================================

type ReferralStore interface {
	// CreateReferral enforces (waitlist, referrer, referred email) uniqueness.
	CreateReferral(ctx context.Context, r Referral) error
	UpdateReferral(ctx context.Context, r Referral) error

	// FindReferral returns nil, nil when missing.
	FindReferral(ctx context.Context, waitlistID WaitlistID, referrerID SubscriberID, referredEmail string) (*Referral, error)

	// FindPendingReferralFor returns the pending referral naming the referred subscriber, or nil.
	FindPendingReferralFor(ctx context.Context, referredID SubscriberID) (*Referral, error)

	// ListPendingReferrals returns the waitlist's pending referrals that name
	// a referred subscriber, oldest first.
	ListPendingReferrals(ctx context.Context, waitlistID WaitlistID) ([]Referral, error)

	// CountConfirmedReferrals counts final-status referrals made by the referrer.
	CountConfirmedReferrals(ctx context.Context, referrerID SubscriberID) (int, error)
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerStore interface {
	// AppendLedger is the only ledger write. Duplicate idempotency key -> ErrDuplicateLedgerKey.
	AppendLedger(ctx context.Context, e LedgerEntry) error

	// LoadLedger returns entries for subscriber+campaign in append order.
	LoadLedger(ctx context.Context, subscriberID SubscriberID, campaignID CampaignID) ([]LedgerEntry, error)

	// SumLedger returns the point total for subscriber+campaign.
	SumLedger(ctx context.Context, subscriberID SubscriberID, campaignID CampaignID) (int, error)
}

// =============================================================================
// REWARD UNLOCKS
// =============================================================================

type RewardStore interface {
	// CreateUnlock enforces (subscriber, reward) uniqueness.
	CreateUnlock(ctx context.Context, u SubscriberReward) error
	HasUnlock(ctx context.Context, subscriberID SubscriberID, rewardID RewardID) (bool, error)
	GetUnlock(ctx context.Context, subscriberID SubscriberID, rewardID RewardID) (*SubscriberReward, error)
	UpdateUnlock(ctx context.Context, u SubscriberReward) error

	// CountRecipients counts UNLOCKED and CLAIMED records of a reward.
	CountRecipients(ctx context.Context, rewardID RewardID) (int, error)

	ListUnlocks(ctx context.Context, subscriberID SubscriberID) ([]SubscriberReward, error)
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

type SnapshotStore interface {
	// AppendSnapshot writes a header and all of its rows. Never updated afterwards.
	AppendSnapshot(ctx context.Context, snap Snapshot, rows []SnapshotRow) error
	GetSnapshot(ctx context.Context, id SnapshotID) (*Snapshot, error)
	ListSnapshots(ctx context.Context, waitlistID WaitlistID) ([]Snapshot, error)

	// ListSnapshotRows returns rows ordered by stored rank. limit <= 0 means no limit.
	ListSnapshotRows(ctx context.Context, id SnapshotID, limit, offset int) ([]SnapshotRow, error)
}

// =============================================================================
// STORE AND TRANSACTIONS
// =============================================================================

// Store is every contract, bound either to the database or to one transaction.
type Store interface {
	SubscriberStore
	CampaignStore
	ReferralStore
	LedgerStore
	RewardStore
	SnapshotStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Clock returns the current time. Engines take one so tests control signup order.
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time { return time.Now().UTC() }

// LoadStats reads the values conditions and distribution rules evaluate.
// Rank is left at 0; callers that need it fill it in.
func LoadStats(ctx context.Context, s Store, sub *Subscriber) (Stats, error) {
	confirmed, err := s.CountConfirmedReferrals(ctx, sub.ID)
	if err != nil {
		return Stats{}, fmt.Errorf("count referrals of %s: %w", sub.ID, err)
	}
	return Stats{
		Score:              sub.Score,
		EmailVerified:      sub.EmailVerified,
		ConfirmedReferrals: confirmed,
	}, nil
}
