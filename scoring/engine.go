/*
Package scoring awards points from data-driven point rules.

PURPOSE:
  Evaluates the active PointRules of an event against a subscriber's current
  stats and records every award in the append-only ledger, incrementing the
  running score in the same transaction.

ALGORITHM (AwardPointsTx):
  1. Load active rules for the event, priority ascending
  2. Load stats once: score, verified flag, confirmed-referral count
  3. For every rule whose condition holds against those stats:
       append one ledger entry, increment score by rule.points
  4. Return the sum of the deltas (0 when nothing fired)

  Rules are independent: base points, a first-referral bonus and a milestone
  bonus can all fire for the same event.

PRIMARY VS BEST-EFFORT EFFECTS:
  Points are the primary effect and commit on their own. The rank refresh
  that follows a non-zero award is best-effort: its outcome is reported in
  AwardResult.RankErr and logged, and it never rolls the points back.

IDEMPOTENCY:
  An award with a reference id carries the key subscriber:event:rule:reference.
  A duplicate key skips that rule, so replaying an event with the same
  reference awards nothing twice.

SEE ALSO:
  - core/ledger.go: keys, sums, drift
  - core/condition.go: rule conditions
  - leaderboard: rank refresh
*/
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/warp/waitlist-engine/core"
)

// RankRefresher recomputes one subscriber's cached rank.
type RankRefresher interface {
	RecomputeRank(ctx context.Context, waitlistID core.WaitlistID, subscriberID core.SubscriberID) (int, error)
}

// Engine awards and adjusts points.
type Engine struct {
	Store  core.TxStore
	Ranker RankRefresher // optional
	Logger *log.Logger
	Now    core.Clock
}

// NewEngine creates a scoring engine.
func NewEngine(store core.TxStore, ranker RankRefresher) *Engine {
	return &Engine{
		Store:  store,
		Ranker: ranker,
		Logger: log.Default(),
		Now:    core.SystemClock,
	}
}

// AwardInput identifies one scoring event.
type AwardInput struct {
	WaitlistID   core.WaitlistID
	CampaignID   core.CampaignID
	SubscriberID core.SubscriberID
	Event        core.EventType
	ReferenceID  string            // optional, e.g. a referral id
	Metadata     map[string]string // optional, copied onto each ledger entry
}

// AwardResult splits the primary effect from the best-effort rank refresh.
type AwardResult struct {
	Points  int
	Rank    int   // 0 when not refreshed
	RankErr error // refresh failure; Points stay committed
}

// =============================================================================
// AWARD
// =============================================================================

// AwardPoints runs AwardPointsTx in its own transaction, then refreshes the
// subscriber's rank when anything was awarded.
func (e *Engine) AwardPoints(ctx context.Context, in AwardInput) (AwardResult, error) {
	var points int
	err := e.Store.WithTx(ctx, func(s core.Store) error {
		var err error
		points, err = e.AwardPointsTx(ctx, s, in)
		return err
	})
	if err != nil {
		return AwardResult{}, err
	}

	result := AwardResult{Points: points}
	if points != 0 {
		result.Rank, result.RankErr = e.refreshRank(ctx, in.WaitlistID, in.SubscriberID)
	}
	return result, nil
}

// AwardPointsTx appends ledger entries and increments score on the caller's
// transaction handle. It does not touch the cached rank.
func (e *Engine) AwardPointsTx(ctx context.Context, s core.Store, in AwardInput) (int, error) {
	if !in.Event.Valid() {
		return 0, fmt.Errorf("unknown event type %q", in.Event)
	}

	sub, err := loadSubscriber(ctx, s, in.WaitlistID, in.SubscriberID)
	if err != nil {
		return 0, err
	}

	rules, err := s.ListActiveRules(ctx, in.CampaignID, in.Event)
	if err != nil {
		return 0, fmt.Errorf("load %s rules: %w", in.Event, err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	stats, err := core.LoadStats(ctx, s, sub)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, rule := range rules {
		if !core.ConditionHolds(rule.Condition, stats) {
			continue
		}

		entry := core.LedgerEntry{
			ID:             uuid.NewString(),
			SubscriberID:   sub.ID,
			CampaignID:     in.CampaignID,
			Event:          in.Event,
			Points:         rule.Points,
			ReferenceID:    in.ReferenceID,
			RuleID:         rule.ID,
			IdempotencyKey: core.LedgerKey(sub.ID, in.Event, rule.ID, in.ReferenceID),
			Metadata:       ruleMetadata(in.Metadata, rule),
			CreatedAt:      e.Now(),
		}
		if err := s.AppendLedger(ctx, entry); err != nil {
			if errors.Is(err, core.ErrDuplicateLedgerKey) {
				continue
			}
			return 0, fmt.Errorf("append ledger for rule %s: %w", rule.ID, err)
		}
		if err := s.IncrementScore(ctx, sub.ID, rule.Points); err != nil {
			return 0, fmt.Errorf("increment score: %w", err)
		}
		total += rule.Points
	}
	return total, nil
}

func ruleMetadata(base map[string]string, rule core.PointRule) map[string]string {
	meta := make(map[string]string, len(base)+2)
	for k, v := range base {
		meta[k] = v
	}
	meta["rule"] = rule.Name
	meta["ruleId"] = string(rule.ID)
	return meta
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

// AdjustInput is an admin correction. Points may be negative.
type AdjustInput struct {
	WaitlistID   core.WaitlistID
	CampaignID   core.CampaignID
	SubscriberID core.SubscriberID
	Points       int
	Reason       string
	ReferenceID  string // optional; makes the adjustment replay-safe
}

// AdjustPoints records a MANUAL entry in its own transaction, then refreshes rank.
func (e *Engine) AdjustPoints(ctx context.Context, in AdjustInput) (AwardResult, error) {
	var points int
	err := e.Store.WithTx(ctx, func(s core.Store) error {
		var err error
		points, err = e.AdjustPointsTx(ctx, s, in)
		return err
	})
	if err != nil {
		return AwardResult{}, err
	}

	result := AwardResult{Points: points}
	result.Rank, result.RankErr = e.refreshRank(ctx, in.WaitlistID, in.SubscriberID)
	return result, nil
}

// AdjustPointsTx records the MANUAL entry on the caller's transaction handle.
// A replayed ReferenceID returns 0 without error.
func (e *Engine) AdjustPointsTx(ctx context.Context, s core.Store, in AdjustInput) (int, error) {
	sub, err := loadSubscriber(ctx, s, in.WaitlistID, in.SubscriberID)
	if err != nil {
		return 0, err
	}

	entry := core.LedgerEntry{
		ID:             uuid.NewString(),
		SubscriberID:   sub.ID,
		CampaignID:     in.CampaignID,
		Event:          core.EventManual,
		Points:         in.Points,
		ReferenceID:    in.ReferenceID,
		IdempotencyKey: core.LedgerKey(sub.ID, core.EventManual, "", in.ReferenceID),
		Metadata:       map[string]string{"reason": in.Reason},
		CreatedAt:      e.Now(),
	}
	if err := s.AppendLedger(ctx, entry); err != nil {
		if errors.Is(err, core.ErrDuplicateLedgerKey) {
			return 0, nil
		}
		return 0, fmt.Errorf("append manual entry: %w", err)
	}
	if err := s.IncrementScore(ctx, sub.ID, in.Points); err != nil {
		return 0, fmt.Errorf("increment score: %w", err)
	}
	return in.Points, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// refreshRank is the best-effort effect of a committed score change.
func (e *Engine) refreshRank(ctx context.Context, waitlistID core.WaitlistID, subscriberID core.SubscriberID) (int, error) {
	if e.Ranker == nil {
		return 0, nil
	}
	rank, err := e.Ranker.RecomputeRank(ctx, waitlistID, subscriberID)
	if err != nil {
		e.Logger.Printf("[Scoring] Rank refresh failed for subscriber %s on waitlist %s: %v", subscriberID, waitlistID, err)
		return 0, err
	}
	return rank, nil
}

func loadSubscriber(ctx context.Context, s core.Store, waitlistID core.WaitlistID, id core.SubscriberID) (*core.Subscriber, error) {
	sub, err := s.GetSubscriber(ctx, id)
	if err != nil {
		return nil, err
	}
	if waitlistID != "" && sub.WaitlistID != waitlistID {
		return nil, fmt.Errorf("%w: %s is not on waitlist %s", core.ErrSubscriberNotFound, id, waitlistID)
	}
	return sub, nil
}
