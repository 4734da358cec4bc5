/*
Package core defines the data model and store contracts of the referral and
gamification engine.

PURPOSE:
  Everything the scoring, leaderboard, referral and rewards packages share:
  identifiers, the seven persisted record types, the campaign status machine,
  and the typed rule variants (conditions, distribution rules) that are parsed
  once when a record is loaded.

KEY CONCEPTS IN THIS FILE (types.go):
  - Subscriber: one person on one waitlist, with a running score and a cached rank
  - Campaign: one per waitlist, status machine + settings bag
  - Referral: referrer -> referred edge, keyed by (waitlist, referrer, referred email)
  - PointRule: priority-ordered, event-scoped point delta with an optional condition
  - LedgerEntry: append-only record of every award; the source of truth for score
  - Reward / SubscriberReward: distribution rule + unlock records
  - SnapshotRow: immutable rank+score per subscriber for one snapshot generation

DESIGN PRINCIPLES:
  1. The ledger is authoritative: Subscriber.Score must equal the ledger sum
  2. Subscriber.Rank is a cache with a staleness window, never a source of truth
  3. Rule configuration is data, but typed data: no JSON is interpreted per call

SEE ALSO:
  - condition.go: point rule conditions
  - distribution.go: reward distribution rules
  - store.go: persistence contracts
*/
package core

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WaitlistID string
type SubscriberID string
type CampaignID string
type ReferralID string
type RuleID string
type RewardID string
type SnapshotID string

// =============================================================================
// SUBSCRIBER
// =============================================================================

// Subscriber is one identity within one waitlist.
type Subscriber struct {
	ID            SubscriberID
	WaitlistID    WaitlistID
	Email         string // unique per waitlist
	ReferralCode  string // globally unique
	Score         int
	Rank          *int // cached, eventually consistent
	ReferredBy    *SubscriberID
	EmailVerified bool
	CreatedAt     time.Time // tie-break key
}

// Stats are the values rule conditions and distribution rules are evaluated against.
type Stats struct {
	Score              int
	EmailVerified      bool
	ConfirmedReferrals int
	Rank               int // 0 when unknown
}

// =============================================================================
// CAMPAIGN
// =============================================================================

type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "DRAFT"
	CampaignActive CampaignStatus = "ACTIVE"
	CampaignPaused CampaignStatus = "PAUSED"
	CampaignEnded  CampaignStatus = "ENDED"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:  {CampaignActive},
	CampaignActive: {CampaignPaused, CampaignEnded},
	CampaignPaused: {CampaignActive, CampaignEnded},
	CampaignEnded:  nil,
}

// CanTransition reports whether from -> to is an edge of the status machine.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CampaignStatus) Valid() bool {
	_, ok := campaignTransitions[s]
	return ok
}

type ScoringMode string

const ScoringModePoints ScoringMode = "POINTS"

type TieBreaker string

const TieBreakEarliestSignup TieBreaker = "EARLIEST_SIGNUP"

// CampaignSettings is the settings bag of a referral campaign.
type CampaignSettings struct {
	ReferralsEnabled         bool        `json:"referralsEnabled"`
	AllowSelfReferrals       bool        `json:"allowSelfReferrals"`
	RequireEmailVerification bool        `json:"requireEmailVerification"`
	ScoringMode              ScoringMode `json:"scoringMode"`
	TieBreaker               TieBreaker  `json:"tieBreaker"`
	MaxWinners               int         `json:"maxWinners,omitempty"`
	SnapshotLeaderboard      bool        `json:"snapshotLeaderboard"`
}

// DefaultSettings returns the settings a new campaign starts with.
func DefaultSettings() CampaignSettings {
	return CampaignSettings{
		ReferralsEnabled: true,
		ScoringMode:      ScoringModePoints,
		TieBreaker:       TieBreakEarliestSignup,
	}
}

// Validate rejects settings the engine has no semantics for.
func (s CampaignSettings) Validate() error {
	if s.ScoringMode != "" && s.ScoringMode != ScoringModePoints {
		return &SettingsError{Field: "scoringMode", Value: string(s.ScoringMode)}
	}
	if s.TieBreaker != "" && s.TieBreaker != TieBreakEarliestSignup {
		return &SettingsError{Field: "tieBreaker", Value: string(s.TieBreaker)}
	}
	if s.MaxWinners < 0 {
		return &SettingsError{Field: "maxWinners", Value: "negative"}
	}
	return nil
}

// Campaign is the referral campaign of a waitlist.
type Campaign struct {
	ID         CampaignID
	WaitlistID WaitlistID
	Name       string
	Status     CampaignStatus
	Settings   CampaignSettings
	EndsAt     *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// REFERRAL
// =============================================================================

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "PENDING"
	ReferralCompleted ReferralStatus = "COMPLETED"
	ReferralConfirmed ReferralStatus = "CONFIRMED"
	ReferralVerified  ReferralStatus = "VERIFIED"
)

// Final reports whether the referral has already been credited to the referrer.
func (s ReferralStatus) Final() bool {
	return s == ReferralCompleted || s == ReferralConfirmed || s == ReferralVerified
}

// Referral is a directed referrer -> referred edge.
type Referral struct {
	ID            ReferralID
	WaitlistID    WaitlistID
	CampaignID    CampaignID
	ReferrerID    SubscriberID
	ReferredEmail string
	ReferredID    *SubscriberID
	Status        ReferralStatus
	CreatedAt     time.Time
	ConfirmedAt   *time.Time
}

// =============================================================================
// POINT RULES AND LEDGER
// =============================================================================

type EventType string

const (
	EventSignup            EventType = "SIGNUP"
	EventReferralConfirmed EventType = "REFERRAL_CONFIRMED"
	EventEmailVerified     EventType = "EMAIL_VERIFIED"
	EventMilestone         EventType = "MILESTONE"
	EventManual            EventType = "MANUAL"
)

func (e EventType) Valid() bool {
	switch e {
	case EventSignup, EventReferralConfirmed, EventEmailVerified, EventMilestone, EventManual:
		return true
	}
	return false
}

// PointRule is configuration; the scoring engine never mutates it.
type PointRule struct {
	ID         RuleID
	CampaignID CampaignID
	Name       string
	Event      EventType
	Points     int
	Priority   int
	Condition  Condition // nil means always
	Active     bool
}

// LedgerEntry is one append-only point award. Seq is assigned by the store and
// orders the entries of one subscriber+campaign by commit.
type LedgerEntry struct {
	ID             string
	SubscriberID   SubscriberID
	CampaignID     CampaignID
	Seq            int
	Event          EventType
	Points         int
	ReferenceID    string
	RuleID         RuleID // empty for manual adjustments
	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// =============================================================================
// REWARDS
// =============================================================================

type UnlockStatus string

const (
	UnlockUnlocked UnlockStatus = "UNLOCKED"
	UnlockClaimed  UnlockStatus = "CLAIMED"
)

// Reward belongs to a campaign and is unlocked by its distribution rule.
type Reward struct {
	ID            RewardID
	CampaignID    CampaignID
	Name          string
	Rule          DistributionRule
	MaxRecipients *int
	CreatedAt     time.Time
}

// SubscriberReward is unique per (subscriber, reward).
type SubscriberReward struct {
	ID           string
	SubscriberID SubscriberID
	RewardID     RewardID
	Status       UnlockStatus
	UnlockedAt   time.Time
	ClaimedAt    *time.Time
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// LeaderboardRow is one ranked subscriber, live or from a snapshot.
type LeaderboardRow struct {
	SubscriberID  SubscriberID
	Email         string
	Score         int
	Rank          int
	ReferralCount int
	JoinedAt      time.Time
}

// Snapshot is the header of one immutable leaderboard generation.
type Snapshot struct {
	ID         SnapshotID
	WaitlistID WaitlistID
	IsFinal    bool
	Size       int
	CreatedAt  time.Time
}

// SnapshotRow is an immutable rank+score of one subscriber in one snapshot.
type SnapshotRow struct {
	SnapshotID    SnapshotID
	WaitlistID    WaitlistID
	SubscriberID  SubscriberID
	Email         string
	Rank          int
	Score         int
	ReferralCount int
	JoinedAt      time.Time
	IsFinal       bool
	CreatedAt     time.Time
}

// Outranks reports whether a sorts strictly before b:
// score desc, then signup time asc, then id asc.
func Outranks(aScore int, aJoined time.Time, aID SubscriberID, bScore int, bJoined time.Time, bID SubscriberID) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	if !aJoined.Equal(bJoined) {
		return aJoined.Before(bJoined)
	}
	return aID < bID
}
