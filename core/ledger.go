/*
ledger.go - Point ledger helpers

PURPOSE:
  The point ledger is the immutable source of truth for every score change.
  Subscriber.Score is an incrementally maintained cache of the ledger sum for
  that subscriber and campaign. These helpers build entries and check that the
  cache still matches the ledger.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. score == sum(points) for subscriber+campaign, at every commit.
  3. Corrections are MANUAL entries (possibly negative), never edits.
*/
package core

import (
	"context"
	"fmt"
)

// LedgerKey builds the idempotency key of a rule-driven award. Awards without
// a reference id have no natural identity and get no key.
func LedgerKey(subscriberID SubscriberID, event EventType, ruleID RuleID, referenceID string) string {
	if referenceID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s:%s", subscriberID, event, ruleID, referenceID)
}

// SumEntries totals a slice of ledger entries.
func SumEntries(entries []LedgerEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Points
	}
	return total
}

// Drift is a subscriber whose cached score disagrees with the ledger.
type Drift struct {
	SubscriberID SubscriberID
	Score        int
	LedgerSum    int
}

func (d Drift) Delta() int { return d.LedgerSum - d.Score }

// CheckScore compares one subscriber's score with its ledger sum.
// Returns nil when they agree.
func CheckScore(ctx context.Context, s Store, subscriberID SubscriberID, campaignID CampaignID) (*Drift, error) {
	sub, err := s.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	sum, err := s.SumLedger(ctx, subscriberID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("sum ledger for %s: %w", subscriberID, err)
	}
	if sum == sub.Score {
		return nil, nil
	}
	return &Drift{SubscriberID: subscriberID, Score: sub.Score, LedgerSum: sum}, nil
}
