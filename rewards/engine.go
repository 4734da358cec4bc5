/*
Package rewards resolves which subscribers unlock which campaign rewards.

PURPOSE:
  Evaluates each reward's distribution rule against a subscriber's current
  stats and materializes SubscriberReward unlock records.

EVALUATION ORDER (per reward):
  1. Already unlocked                              -> skip
  2. maxRecipients set and UNLOCKED+CLAIMED >= max -> skip
  3. Distribution rule:
       TOP_N          rank <= N (N capped by the campaign's maxWinners)
       MIN_SCORE      score >= threshold
       MIN_REFERRALS  confirmed referrals >= threshold
       MANUAL         never; only Grant creates these unlocks
  4. Create UNLOCKED record; a duplicate insert is a skip

IDEMPOTENCY:
  The unique (subscriber, reward) index is the guard, not the HasUnlock read:
  two concurrent evaluations of the same pair produce one row.

CAPACITY:
  Check-then-act without a lock. Concurrent resolutions on different
  subscribers can overshoot maxRecipients by the number of racing
  transactions. ResolveAll walks subscribers in rank order and counts in
  memory, so within one batch the earliest-ranked qualifiers win.

SEE ALSO:
  - core/distribution.go: distribution rules
  - leaderboard: rank ordering
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/waitlist-engine/core"
)

// Engine resolves and grants reward unlocks.
type Engine struct {
	Store  core.TxStore
	Logger *log.Logger
	Now    core.Clock

	tracer trace.Tracer
}

// NewEngine creates a reward engine.
func NewEngine(store core.TxStore) *Engine {
	return &Engine{
		Store:  store,
		Logger: log.Default(),
		Now:    core.SystemClock,
		tracer: otel.Tracer("github.com/warp/waitlist-engine/rewards"),
	}
}

// =============================================================================
// SINGLE SUBSCRIBER
// =============================================================================

// ResolveForSubscriber evaluates every reward of the campaign for one
// subscriber in its own transaction and returns the new unlocks.
func (e *Engine) ResolveForSubscriber(ctx context.Context, waitlistID core.WaitlistID, subscriberID core.SubscriberID, campaignID core.CampaignID) ([]core.SubscriberReward, error) {
	var unlocked []core.SubscriberReward
	err := e.Store.WithTx(ctx, func(s core.Store) error {
		var err error
		unlocked, err = e.ResolveForSubscriberTx(ctx, s, waitlistID, subscriberID, campaignID)
		return err
	})
	return unlocked, err
}

// ResolveForSubscriberTx is ResolveForSubscriber on a caller-owned transaction handle.
func (e *Engine) ResolveForSubscriberTx(ctx context.Context, s core.Store, waitlistID core.WaitlistID, subscriberID core.SubscriberID, campaignID core.CampaignID) ([]core.SubscriberReward, error) {
	camp, err := loadCampaign(ctx, s, waitlistID, campaignID)
	if err != nil {
		return nil, err
	}
	sub, err := s.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if sub.WaitlistID != waitlistID {
		return nil, fmt.Errorf("%w: %s is not on waitlist %s", core.ErrSubscriberNotFound, subscriberID, waitlistID)
	}

	rewards, err := s.ListRewards(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	if len(rewards) == 0 {
		return nil, nil
	}

	stats, err := core.LoadStats(ctx, s, sub)
	if err != nil {
		return nil, err
	}
	// TOP_N reads the live rank, not the cache.
	ahead, err := s.CountAhead(ctx, *sub)
	if err != nil {
		return nil, err
	}
	stats.Rank = ahead + 1

	var unlocked []core.SubscriberReward
	for _, reward := range rewards {
		has, err := s.HasUnlock(ctx, sub.ID, reward.ID)
		if err != nil {
			return nil, err
		}
		if has {
			continue
		}

		if reward.MaxRecipients != nil {
			count, err := s.CountRecipients(ctx, reward.ID)
			if err != nil {
				return nil, err
			}
			if count >= *reward.MaxRecipients {
				continue
			}
		}

		if !effectiveRule(reward.Rule, camp.Settings).Qualifies(stats) {
			continue
		}

		u, err := e.unlock(ctx, s, sub.ID, reward.ID)
		if err != nil {
			return nil, err
		}
		if u != nil {
			unlocked = append(unlocked, *u)
		}
	}
	return unlocked, nil
}

// =============================================================================
// BATCH
// =============================================================================

// ResolveReport summarizes a ResolveAll run.
type ResolveReport struct {
	Subscribers int
	Unlocked    []core.SubscriberReward
	Full        []core.RewardID // rewards at capacity when the batch finished
}

// ResolveAll re-evaluates every subscriber of the waitlist against every
// reward of the campaign in one transaction. The ranked ordering is computed
// once and reused for every subscriber×reward pair.
func (e *Engine) ResolveAll(ctx context.Context, waitlistID core.WaitlistID, campaignID core.CampaignID) (*ResolveReport, error) {
	ctx, span := e.tracer.Start(ctx, "rewards.resolve_all",
		trace.WithAttributes(
			attribute.String("waitlist.id", string(waitlistID)),
			attribute.String("campaign.id", string(campaignID)),
		),
	)
	defer span.End()

	var report *ResolveReport
	err := e.Store.WithTx(ctx, func(s core.Store) error {
		var err error
		report, err = e.ResolveAllTx(ctx, s, waitlistID, campaignID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("subscribers.evaluated", report.Subscribers),
		attribute.Int("rewards.unlocked", len(report.Unlocked)),
	)
	e.Logger.Printf("[Rewards] Resolved %s/%s: %d subscribers, %d unlocks", waitlistID, campaignID, report.Subscribers, len(report.Unlocked))
	return report, nil
}

// ResolveAllTx is ResolveAll on a caller-owned transaction handle.
func (e *Engine) ResolveAllTx(ctx context.Context, s core.Store, waitlistID core.WaitlistID, campaignID core.CampaignID) (*ResolveReport, error) {
	camp, err := loadCampaign(ctx, s, waitlistID, campaignID)
	if err != nil {
		return nil, err
	}
	rewards, err := s.ListRewards(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	ranked, err := s.ListRanked(ctx, waitlistID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("rank waitlist %s: %w", waitlistID, err)
	}

	report := &ResolveReport{Subscribers: len(ranked)}
	if len(rewards) == 0 {
		return report, nil
	}

	// Running recipient counts for capacity checks within the batch.
	counts := make(map[core.RewardID]int, len(rewards))
	for _, reward := range rewards {
		if reward.MaxRecipients == nil {
			continue
		}
		n, err := s.CountRecipients(ctx, reward.ID)
		if err != nil {
			return nil, err
		}
		counts[reward.ID] = n
	}

	for _, row := range ranked {
		// Distribution rules never read EmailVerified.
		stats := core.Stats{
			Score:              row.Score,
			ConfirmedReferrals: row.ReferralCount,
			Rank:               row.Rank,
		}
		for _, reward := range rewards {
			if reward.MaxRecipients != nil && counts[reward.ID] >= *reward.MaxRecipients {
				continue
			}
			if !effectiveRule(reward.Rule, camp.Settings).Qualifies(stats) {
				continue
			}
			has, err := s.HasUnlock(ctx, row.SubscriberID, reward.ID)
			if err != nil {
				return nil, err
			}
			if has {
				continue
			}

			u, err := e.unlock(ctx, s, row.SubscriberID, reward.ID)
			if err != nil {
				return nil, err
			}
			if u != nil {
				report.Unlocked = append(report.Unlocked, *u)
				counts[reward.ID]++
			}
		}
	}

	for _, reward := range rewards {
		if reward.MaxRecipients != nil && counts[reward.ID] >= *reward.MaxRecipients {
			report.Full = append(report.Full, reward.ID)
		}
	}
	return report, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Grant unlocks a reward for a subscriber regardless of its distribution
// rule. It is the only way MANUAL rewards are unlocked. Granting an existing
// unlock returns it unchanged; a full reward returns ErrCapacityReached.
func (e *Engine) Grant(ctx context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (*core.SubscriberReward, error) {
	var granted *core.SubscriberReward
	err := e.Store.WithTx(ctx, func(s core.Store) error {
		reward, err := s.GetReward(ctx, rewardID)
		if err != nil {
			return err
		}
		camp, err := s.GetCampaign(ctx, reward.CampaignID)
		if err != nil {
			return err
		}
		sub, err := s.GetSubscriber(ctx, subscriberID)
		if err != nil {
			return err
		}
		if sub.WaitlistID != camp.WaitlistID {
			return fmt.Errorf("%w: %s is not on waitlist %s", core.ErrSubscriberNotFound, subscriberID, camp.WaitlistID)
		}

		existing, err := s.GetUnlock(ctx, subscriberID, rewardID)
		if err == nil {
			granted = existing
			return nil
		}
		if !errors.Is(err, core.ErrUnlockNotFound) {
			return err
		}

		if reward.MaxRecipients != nil {
			count, err := s.CountRecipients(ctx, rewardID)
			if err != nil {
				return err
			}
			if count >= *reward.MaxRecipients {
				return fmt.Errorf("%w: %s has %d of %d", core.ErrCapacityReached, rewardID, count, *reward.MaxRecipients)
			}
		}

		granted, err = e.unlock(ctx, s, subscriberID, rewardID)
		if err != nil {
			return err
		}
		if granted == nil {
			// Lost a race with a concurrent unlock of the same pair.
			granted, err = s.GetUnlock(ctx, subscriberID, rewardID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// Claim moves an unlock from UNLOCKED to CLAIMED.
func (e *Engine) Claim(ctx context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (*core.SubscriberReward, error) {
	var claimed *core.SubscriberReward
	err := e.Store.WithTx(ctx, func(s core.Store) error {
		u, err := s.GetUnlock(ctx, subscriberID, rewardID)
		if err != nil {
			return err
		}
		if u.Status == core.UnlockClaimed {
			return core.ErrAlreadyClaimed
		}
		now := e.Now()
		u.Status = core.UnlockClaimed
		u.ClaimedAt = &now
		if err := s.UpdateUnlock(ctx, *u); err != nil {
			return err
		}
		claimed = u
		return nil
	})
	return claimed, err
}

// Unlocks lists a subscriber's unlocked and claimed rewards.
func (e *Engine) Unlocks(ctx context.Context, subscriberID core.SubscriberID) ([]core.SubscriberReward, error) {
	return e.Store.ListUnlocks(ctx, subscriberID)
}

// =============================================================================
// HELPERS
// =============================================================================

// unlock inserts an UNLOCKED record. A duplicate returns nil, nil.
func (e *Engine) unlock(ctx context.Context, s core.Store, subscriberID core.SubscriberID, rewardID core.RewardID) (*core.SubscriberReward, error) {
	u := core.SubscriberReward{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		RewardID:     rewardID,
		Status:       core.UnlockUnlocked,
		UnlockedAt:   e.Now(),
	}
	if err := s.CreateUnlock(ctx, u); err != nil {
		if errors.Is(err, core.ErrDuplicateUnlock) {
			return nil, nil
		}
		return nil, fmt.Errorf("unlock %s for %s: %w", rewardID, subscriberID, err)
	}
	return &u, nil
}

// effectiveRule applies campaign-level caps to a reward's rule.
func effectiveRule(rule core.DistributionRule, settings core.CampaignSettings) core.DistributionRule {
	if top, ok := rule.(core.RuleTopN); ok && settings.MaxWinners > 0 {
		return top.Capped(settings.MaxWinners)
	}
	return rule
}

func loadCampaign(ctx context.Context, s core.Store, waitlistID core.WaitlistID, campaignID core.CampaignID) (*core.Campaign, error) {
	camp, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if camp.WaitlistID != waitlistID {
		return nil, fmt.Errorf("%w: %s does not belong to waitlist %s", core.ErrCampaignNotFound, campaignID, waitlistID)
	}
	return camp, nil
}
