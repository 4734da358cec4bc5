/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine packages wrap these with context using fmt.Errorf("...: %w", err).

ERROR CATEGORIES:
  1. Not found   - a referenced record does not exist
  2. Conflicts   - a unique constraint rejected a write (idempotency guards)
  3. Validation  - malformed configuration or illegal state transitions

  Referral rejections (bad code, self referral, ...) are NOT errors. They are
  typed outcomes returned by the referral package, see referral/result.go.

USAGE:
  if errors.Is(err, core.ErrDuplicateReferral) {
      // lost the race, treat as a duplicate submission
  }
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrRewardNotFound     = errors.New("reward not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrUnlockNotFound     = errors.New("subscriber reward not found")
	ErrReferralNotFound   = errors.New("referral not found")

	// ErrDuplicateSubscriber is returned when (waitlist, email) already exists.
	ErrDuplicateSubscriber = errors.New("subscriber already exists for email")

	// ErrDuplicateReferralCode is returned when a generated code collides.
	ErrDuplicateReferralCode = errors.New("referral code already in use")

	// ErrDuplicateReferral is returned when (waitlist, referrer, referred email) already exists.
	ErrDuplicateReferral = errors.New("referral already recorded")

	// ErrDuplicateUnlock is returned when (subscriber, reward) already exists.
	ErrDuplicateUnlock = errors.New("reward already unlocked")

	// ErrDuplicateLedgerKey is returned when a ledger idempotency key already exists.
	ErrDuplicateLedgerKey = errors.New("duplicate ledger idempotency key")

	// ErrDuplicateCampaign is returned when a waitlist already has a campaign.
	ErrDuplicateCampaign = errors.New("waitlist already has a campaign")

	// ErrConfigIDInUse is returned when a rule or reward id belongs to another campaign.
	ErrConfigIDInUse = errors.New("rule or reward id belongs to another campaign")

	ErrInvalidTransition   = errors.New("invalid campaign status transition")
	ErrInvalidCondition    = errors.New("invalid rule condition")
	ErrInvalidDistribution = errors.New("invalid distribution rule")
	ErrInvalidSettings     = errors.New("invalid campaign settings")
	ErrCapacityReached     = errors.New("reward capacity reached")
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrAlreadyClaimed      = errors.New("reward already claimed")

	// ErrConcurrentModification is returned when the store reports a serialization failure.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected campaign status change.
type TransitionError struct {
	CampaignID CampaignID
	From       CampaignStatus
	To         CampaignStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign %s: cannot move from %s to %s", e.CampaignID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ConditionError describes a rule condition that failed to parse.
type ConditionError struct {
	RuleID RuleID
	Raw    string
	Reason string
}

func (e *ConditionError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("rule %s: invalid condition %s: %s", e.RuleID, e.Raw, e.Reason)
	}
	return fmt.Sprintf("invalid condition %s: %s", e.Raw, e.Reason)
}

func (e *ConditionError) Unwrap() error { return ErrInvalidCondition }

// SettingsError describes an unsupported campaign setting.
type SettingsError struct {
	Field string
	Value string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("unsupported campaign setting %s=%q", e.Field, e.Value)
}

func (e *SettingsError) Unwrap() error { return ErrInvalidSettings }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriberNotFound) ||
		errors.Is(err, ErrCampaignNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrUnlockNotFound) ||
		errors.Is(err, ErrReferralNotFound)
}

// IsConflict returns true if a unique constraint rejected the write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateSubscriber) ||
		errors.Is(err, ErrDuplicateReferralCode) ||
		errors.Is(err, ErrDuplicateReferral) ||
		errors.Is(err, ErrDuplicateUnlock) ||
		errors.Is(err, ErrDuplicateLedgerKey) ||
		errors.Is(err, ErrDuplicateCampaign) ||
		errors.Is(err, ErrConfigIDInUse)
}

// IsRetryable returns true if the whole attempt may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidEmail) ||
		errors.Is(err, ErrInvalidCondition) ||
		errors.Is(err, ErrInvalidDistribution) ||
		errors.Is(err, ErrInvalidSettings) ||
		errors.Is(err, ErrCapacityReached) ||
		errors.Is(err, ErrAlreadyClaimed)
}
