package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/scoring"
)

// =============================================================================
// REFERRAL CODES
// =============================================================================

const (
	codePrefixLen   = 12
	codeSuffixLen   = 6
	codeAlphabet    = "abcdefghijkmnpqrstuvwxyz23456789"
	maxCodeAttempts = 5
)

// NormalizeCode canonicalizes a code as typed by a user.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// NormalizeEmail lowercases and validates a bare email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidEmail, email)
	}
	return email, nil
}

// codePrefix is a readable slug of the email's local part, e.g. "ada-lovelace".
func codePrefix(email string) string {
	local, _, _ := strings.Cut(email, "@")
	prefix := slug.Make(local)
	if len(prefix) > codePrefixLen {
		prefix = prefix[:codePrefixLen]
	}
	prefix = strings.Trim(prefix, "-")
	if prefix == "" {
		return "ref"
	}
	return prefix
}

func randomSuffix() (string, error) {
	buf := make([]byte, codeSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// newReferralCode returns a code not in use at the time of the check. The
// unique index on referral_code still decides the final race.
func (svc *Service) newReferralCode(ctx context.Context, email string) (string, error) {
	prefix := codePrefix(email)
	for i := 0; i < maxCodeAttempts; i++ {
		suffix, err := randomSuffix()
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		code := prefix + "-" + suffix
		exists, err := svc.Store.ReferralCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %d attempts", core.ErrDuplicateReferralCode, maxCodeAttempts)
}

// =============================================================================
// JOIN
// =============================================================================

// JoinInput is one signup request.
type JoinInput struct {
	WaitlistID   core.WaitlistID
	Email        string
	ReferralCode string // optional
}

// JoinResult of a signup. Referral is nil when no attribution was attempted.
type JoinResult struct {
	Subscriber  *core.Subscriber
	Created     bool
	Referral    *Result
	ReferralErr error // attribution failed; the signup itself stands
}

// Join creates the subscriber and attributes the referral code, if any.
//
// Joining with an email already on the waitlist returns the existing
// subscriber with Created=false and attempts no attribution, so a
// resubmitted form can never credit a second referrer.
func (svc *Service) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	existing, err := svc.Store.FindSubscriberByEmail(ctx, in.WaitlistID, email)
	if err != nil {
		return nil, fmt.Errorf("find subscriber: %w", err)
	}
	if existing != nil {
		return &JoinResult{Subscriber: existing}, nil
	}

	sub, created, err := svc.createSubscriber(ctx, in.WaitlistID, email)
	if err != nil {
		return nil, err
	}
	result := &JoinResult{Subscriber: sub, Created: created}
	if !created {
		return result, nil
	}

	if _, err := svc.Ranker.RecomputeRank(ctx, in.WaitlistID, sub.ID); err != nil {
		svc.Logger.Printf("[Referral] Rank refresh failed for subscriber %s on waitlist %s: %v", sub.ID, in.WaitlistID, err)
	}

	if NormalizeCode(in.ReferralCode) != "" {
		res, err := svc.Attribute(ctx, Attempt{WaitlistID: in.WaitlistID, SubscriberID: sub.ID, Code: in.ReferralCode})
		if err != nil {
			svc.Logger.Printf("[Referral] Attribution failed for subscriber %s on waitlist %s: %v", sub.ID, in.WaitlistID, err)
			result.ReferralErr = err
		} else {
			result.Referral = &res
		}
	}

	fresh, err := svc.Store.GetSubscriber(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("reload subscriber: %w", err)
	}
	result.Subscriber = fresh
	return result, nil
}

// createSubscriber inserts the subscriber and its SIGNUP points in one
// transaction. Losing the (waitlist, email) race returns the winner with
// created=false.
func (svc *Service) createSubscriber(ctx context.Context, waitlistID core.WaitlistID, email string) (*core.Subscriber, bool, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := svc.newReferralCode(ctx, email)
		if err != nil {
			return nil, false, err
		}
		sub := core.Subscriber{
			ID:           core.SubscriberID(uuid.NewString()),
			WaitlistID:   waitlistID,
			Email:        email,
			ReferralCode: code,
			CreatedAt:    svc.Now(),
		}

		err = svc.Store.WithTx(ctx, func(s core.Store) error {
			if err := s.CreateSubscriber(ctx, sub); err != nil {
				return err
			}
			return svc.awardSignupTx(ctx, s, sub)
		})
		switch {
		case err == nil:
			return &sub, true, nil
		case errors.Is(err, core.ErrDuplicateReferralCode):
			continue
		case errors.Is(err, core.ErrDuplicateSubscriber):
			winner, err := svc.Store.FindSubscriberByEmail(ctx, waitlistID, email)
			if err != nil {
				return nil, false, fmt.Errorf("find subscriber: %w", err)
			}
			if winner == nil {
				return nil, false, core.ErrConcurrentModification
			}
			return winner, false, nil
		default:
			return nil, false, fmt.Errorf("create subscriber: %w", err)
		}
	}
	return nil, false, fmt.Errorf("create subscriber: %w", core.ErrDuplicateReferralCode)
}

func (svc *Service) awardSignupTx(ctx context.Context, s core.Store, sub core.Subscriber) error {
	if !svc.AwardSignupPoints {
		return nil
	}
	camp, err := s.FindCampaignByWaitlist(ctx, sub.WaitlistID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if camp == nil || camp.Status != core.CampaignActive {
		return nil
	}
	_, err = svc.Scoring.AwardPointsTx(ctx, s, scoring.AwardInput{
		WaitlistID:   sub.WaitlistID,
		CampaignID:   camp.ID,
		SubscriberID: sub.ID,
		Event:        core.EventSignup,
		ReferenceID:  string(sub.ID),
	})
	return err
}

// =============================================================================
// EMAIL VERIFICATION
// =============================================================================

// VerifyResult of VerifyEmail.
type VerifyResult struct {
	AlreadyVerified bool
	Points          int     // EMAIL_VERIFIED points for the subscriber
	Referral        *Result // set when a pending referral was confirmed

	Rank    int
	RankErr error
}

// VerifyEmail marks the subscriber verified, scores EMAIL_VERIFIED rules and
// confirms a pending referral naming the subscriber. A pending referral whose
// campaign is not active (or has referrals disabled) stays pending until
// ConfirmPendingTx runs for that campaign.
func (svc *Service) VerifyEmail(ctx context.Context, waitlistID core.WaitlistID, subscriberID core.SubscriberID) (*VerifyResult, error) {
	var res VerifyResult
	err := svc.Store.WithTx(ctx, func(s core.Store) error {
		sub, err := s.GetSubscriber(ctx, subscriberID)
		if err != nil {
			return err
		}
		if sub.WaitlistID != waitlistID {
			return fmt.Errorf("%w: %s is not on waitlist %s", core.ErrSubscriberNotFound, subscriberID, waitlistID)
		}
		if sub.EmailVerified {
			res.AlreadyVerified = true
			return nil
		}
		if err := s.SetEmailVerified(ctx, sub.ID); err != nil {
			return fmt.Errorf("verify email: %w", err)
		}

		camp, err := s.FindCampaignByWaitlist(ctx, waitlistID)
		if err != nil {
			return fmt.Errorf("load campaign: %w", err)
		}
		if camp == nil || camp.Status != core.CampaignActive {
			return nil
		}

		res.Points, err = svc.Scoring.AwardPointsTx(ctx, s, scoring.AwardInput{
			WaitlistID:   waitlistID,
			CampaignID:   camp.ID,
			SubscriberID: sub.ID,
			Event:        core.EventEmailVerified,
			ReferenceID:  string(sub.ID),
		})
		if err != nil {
			return fmt.Errorf("score %s: %w", core.EventEmailVerified, err)
		}

		if !camp.Settings.ReferralsEnabled {
			return nil
		}
		ref, err := s.FindPendingReferralFor(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("find pending referral: %w", err)
		}
		if ref == nil {
			return nil
		}
		confirmed, err := svc.verifyReferralTx(ctx, s, camp, ref)
		if err != nil {
			return err
		}
		res.Referral = &confirmed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Points != 0 {
		res.Rank, res.RankErr = svc.Ranker.RecomputeRank(ctx, waitlistID, subscriberID)
		if res.RankErr != nil {
			svc.Logger.Printf("[Referral] Rank refresh failed for subscriber %s on waitlist %s: %v", subscriberID, waitlistID, res.RankErr)
		}
	}
	return &res, nil
}

func (svc *Service) verifyReferralTx(ctx context.Context, s core.Store, camp *core.Campaign, ref *core.Referral) (Result, error) {
	now := svc.Now()
	ref.Status = core.ReferralVerified
	ref.ConfirmedAt = &now
	if err := s.UpdateReferral(ctx, *ref); err != nil {
		return Result{}, fmt.Errorf("confirm referral %s: %w", ref.ID, err)
	}
	return svc.confirmTx(ctx, s, camp, ref)
}

// ConfirmPendingTx confirms the campaign's pending referrals whose referred
// subscriber verified while the campaign could not take referrals, and
// returns how many it confirmed. It does nothing unless the campaign accepts
// referrals.
func (svc *Service) ConfirmPendingTx(ctx context.Context, s core.Store, camp *core.Campaign) (int, error) {
	if _, ok := campaignRejection(camp); !ok {
		return 0, nil
	}
	pending, err := s.ListPendingReferrals(ctx, camp.WaitlistID)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for i := range pending {
		ref := &pending[i]
		referred, err := s.GetSubscriber(ctx, *ref.ReferredID)
		if err != nil {
			return confirmed, fmt.Errorf("load referred subscriber %s: %w", *ref.ReferredID, err)
		}
		if camp.Settings.RequireEmailVerification && !referred.EmailVerified {
			continue
		}
		if _, err := svc.verifyReferralTx(ctx, s, camp, ref); err != nil {
			return confirmed, err
		}
		confirmed++
	}
	if confirmed > 0 {
		svc.Logger.Printf("[Referral] Confirmed %d pending referrals on waitlist %s", confirmed, camp.WaitlistID)
	}
	return confirmed, nil
}
