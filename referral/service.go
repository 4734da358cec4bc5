/*
Package referral attributes signups to the subscribers who invited them.

PURPOSE:
  Validates a referral code presented at join time, enforces the anti-abuse
  invariants, records the referral edge and composes the scoring,
  leaderboard and rewards engines on one transaction handle.

ATTRIBUTION (one transaction):
  1.  No code                                   -> NO_CODE, no-op
  2.  Resolve referrer by code                  -> InvalidReferralCode
  3.  Referrer on the joining waitlist          -> CrossWaitlistReferral
  4.  Referrer is not the subscriber            -> SelfReferral (always)
  5.  Campaign exists and is ACTIVE             -> NoActiveCampaign
      PAUSED or referrals disabled              -> ReferralsDisabled
  6.  Final referral row already exists         -> DUPLICATE, zero points
      Subscriber already referred by another    -> AlreadyReferred
  7.  Create (or complete) the referral row
  8.  Set referredBy on the subscriber
  9.  Score REFERRAL_CONFIRMED (+ MILESTONE) for the referrer
  10. Refresh the referrer's rank (best-effort)
  11. Resolve rewards for the referrer

  Every rejection is decided before the first write, so a rejected attempt
  leaves nothing behind even on a caller-owned transaction.

EMAIL VERIFICATION:
  With requireEmailVerification and an unverified subscriber, steps 7-8 record
  a PENDING referral and stop. VerifyEmail later confirms it and runs 9-11.

RACES:
  The unique (waitlist, referrer, referred email) index settles two concurrent
  attempts for the same pair: the losing insert is reported as DUPLICATE.

SEE ALSO:
  - join.go: Join, VerifyEmail, referral codes
  - scoring, leaderboard, rewards: the composed engines
*/
package referral

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
	"github.com/warp/waitlist-engine/leaderboard"
	"github.com/warp/waitlist-engine/rewards"
	"github.com/warp/waitlist-engine/scoring"
)

// Service is the referral attribution flow and the join orchestration around it.
type Service struct {
	Store   core.TxStore
	Scoring *scoring.Engine
	Ranker  *leaderboard.Ranker
	Rewards *rewards.Engine
	Logger  *log.Logger
	Now     core.Clock

	// AwardSignupPoints evaluates SIGNUP rules for new subscribers on Join.
	AwardSignupPoints bool

	tracer trace.Tracer
}

// NewService wires the flow to its engines.
func NewService(store core.TxStore, scorer *scoring.Engine, ranker *leaderboard.Ranker, rw *rewards.Engine) *Service {
	return &Service{
		Store:   store,
		Scoring: scorer,
		Ranker:  ranker,
		Rewards: rw,
		Logger:  log.Default(),
		Now:     core.SystemClock,
		tracer:  otel.Tracer("github.com/warp/waitlist-engine/referral"),
	}
}

// Attempt is one referral code presented for one subscriber.
type Attempt struct {
	WaitlistID   core.WaitlistID
	SubscriberID core.SubscriberID // the referred subscriber
	Code         string
}

// =============================================================================
// ATTRIBUTION
// =============================================================================

// Attribute runs AttributeTx in its own transaction. Rejections and
// duplicates come back in the Result with a nil error; an error means an
// infrastructure failure and nothing was committed.
func (svc *Service) Attribute(ctx context.Context, in Attempt) (Result, error) {
	ctx, span := svc.tracer.Start(ctx, "referral.attribute",
		trace.WithAttributes(
			attribute.String("waitlist.id", string(in.WaitlistID)),
			attribute.String("subscriber.id", string(in.SubscriberID)),
		),
	)
	defer span.End()

	var res Result
	err := svc.Store.WithTx(ctx, func(s core.Store) error {
		var err error
		res, err = svc.AttributeTx(ctx, s, in)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("referral.outcome", string(res.Outcome)),
		attribute.String("referral.rejection", string(res.Rejection)),
		attribute.String("referrer.id", string(res.ReferrerID)),
		attribute.Int("points.awarded", res.PointsAwarded),
	)
	return res, nil
}

// AttributeTx runs the attribution steps on a caller-owned transaction handle.
func (svc *Service) AttributeTx(ctx context.Context, s core.Store, in Attempt) (Result, error) {
	// 1. No code
	code := NormalizeCode(in.Code)
	if code == "" {
		return Result{Outcome: OutcomeNoCode}, nil
	}

	referred, err := s.GetSubscriber(ctx, in.SubscriberID)
	if errors.Is(err, core.ErrSubscriberNotFound) {
		return rejected(SubscriberNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if referred.WaitlistID != in.WaitlistID {
		return rejected(SubscriberNotFound), nil
	}

	// 2. Referrer by code
	referrer, err := s.FindSubscriberByCode(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("resolve referral code: %w", err)
	}
	if referrer == nil {
		return rejected(InvalidReferralCode), nil
	}

	// 3. Tenant boundary
	if referrer.WaitlistID != in.WaitlistID {
		return rejected(CrossWaitlistReferral), nil
	}

	// 4. Self-referral, regardless of allowSelfReferrals
	if referrer.ID == referred.ID {
		return rejected(SelfReferral), nil
	}

	// 5. Campaign
	camp, err := s.FindCampaignByWaitlist(ctx, in.WaitlistID)
	if err != nil {
		return Result{}, fmt.Errorf("load campaign: %w", err)
	}
	if reason, ok := campaignRejection(camp); !ok {
		return rejected(reason), nil
	}

	// 6. Idempotency
	existing, err := s.FindReferral(ctx, in.WaitlistID, referrer.ID, referred.Email)
	if err != nil {
		return Result{}, fmt.Errorf("find referral: %w", err)
	}
	if existing != nil && existing.Status.Final() {
		return Result{Outcome: OutcomeDuplicate, ReferralID: existing.ID, ReferrerID: referrer.ID}, nil
	}
	if referred.ReferredBy != nil && *referred.ReferredBy != referrer.ID {
		return rejected(AlreadyReferred), nil
	}

	pending := camp.Settings.RequireEmailVerification && !referred.EmailVerified
	if existing != nil && pending {
		return Result{Outcome: OutcomePending, ReferralID: existing.ID, ReferrerID: referrer.ID}, nil
	}

	// 7. Referral row
	ref, err := svc.recordReferral(ctx, s, existing, camp, referrer, referred, pending)
	if errors.Is(err, core.ErrDuplicateReferral) {
		return Result{Outcome: OutcomeDuplicate, ReferrerID: referrer.ID}, nil
	}
	if err != nil {
		return Result{}, err
	}

	// 8. Back-reference
	if err := s.SetReferredBy(ctx, referred.ID, referrer.ID); err != nil {
		return Result{}, fmt.Errorf("set referred_by: %w", err)
	}

	if pending {
		return Result{Outcome: OutcomePending, ReferralID: ref.ID, ReferrerID: referrer.ID}, nil
	}

	// 9-11
	return svc.confirmTx(ctx, s, camp, ref)
}

// campaignRejection returns the rejection for a campaign that cannot take referrals.
func campaignRejection(camp *core.Campaign) (Rejection, bool) {
	if camp == nil {
		return NoActiveCampaign, false
	}
	switch camp.Status {
	case core.CampaignActive:
	case core.CampaignPaused:
		return ReferralsDisabled, false
	default:
		return NoActiveCampaign, false
	}
	if !camp.Settings.ReferralsEnabled {
		return ReferralsDisabled, false
	}
	return "", true
}

func (svc *Service) recordReferral(ctx context.Context, s core.Store, existing *core.Referral, camp *core.Campaign, referrer, referred *core.Subscriber, pending bool) (*core.Referral, error) {
	now := svc.Now()
	referredID := referred.ID

	ref := existing
	if ref == nil {
		ref = &core.Referral{
			ID:            core.ReferralID(uuid.NewString()),
			WaitlistID:    camp.WaitlistID,
			CampaignID:    camp.ID,
			ReferrerID:    referrer.ID,
			ReferredEmail: referred.Email,
			CreatedAt:     now,
		}
	}
	ref.ReferredID = &referredID
	if pending {
		ref.Status = core.ReferralPending
	} else {
		ref.Status = core.ReferralCompleted
		ref.ConfirmedAt = &now
	}

	if existing != nil {
		if err := s.UpdateReferral(ctx, *ref); err != nil {
			return nil, fmt.Errorf("complete referral %s: %w", ref.ID, err)
		}
		return ref, nil
	}
	if err := s.CreateReferral(ctx, *ref); err != nil {
		if errors.Is(err, core.ErrDuplicateReferral) {
			return nil, err
		}
		return nil, fmt.Errorf("create referral: %w", err)
	}
	return ref, nil
}

// confirmTx scores the referrer for a confirmed referral, refreshes its rank
// and resolves its rewards.
func (svc *Service) confirmTx(ctx context.Context, s core.Store, camp *core.Campaign, ref *core.Referral) (Result, error) {
	res := Result{Outcome: OutcomeAttributed, ReferralID: ref.ID, ReferrerID: ref.ReferrerID}

	meta := map[string]string{"referralId": string(ref.ID)}
	if ref.ReferredID != nil {
		meta["referredId"] = string(*ref.ReferredID)
	}

	for _, event := range []core.EventType{core.EventReferralConfirmed, core.EventMilestone} {
		points, err := svc.Scoring.AwardPointsTx(ctx, s, scoring.AwardInput{
			WaitlistID:   camp.WaitlistID,
			CampaignID:   camp.ID,
			SubscriberID: ref.ReferrerID,
			Event:        event,
			ReferenceID:  string(ref.ID),
			Metadata:     meta,
		})
		if err != nil {
			return Result{}, fmt.Errorf("score %s: %w", event, err)
		}
		res.PointsAwarded += points
	}

	if res.PointsAwarded != 0 {
		res.ReferrerRank, res.RankErr = svc.Ranker.RecomputeRankTx(ctx, s, camp.WaitlistID, ref.ReferrerID)
		if res.RankErr != nil {
			svc.Logger.Printf("[Referral] Rank refresh failed for subscriber %s on waitlist %s: %v",
				ref.ReferrerID, camp.WaitlistID, res.RankErr)
		}
	}

	unlocked, err := svc.Rewards.ResolveForSubscriberTx(ctx, s, camp.WaitlistID, ref.ReferrerID, camp.ID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve rewards: %w", err)
	}
	res.Unlocked = unlocked
	return res, nil
}
