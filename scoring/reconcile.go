package scoring

import (
	"context"
	"fmt"

	"github.com/warp/waitlist-engine/core"
)

// ReconcileScores compares every subscriber's score on the waitlist with its
// ledger sum for the campaign. With repair set, drifted scores are overwritten
// with the ledger sum; ranks are left to leaderboard.ReconcileRanks.
func (e *Engine) ReconcileScores(ctx context.Context, waitlistID core.WaitlistID, campaignID core.CampaignID, repair bool) ([]core.Drift, error) {
	var drifts []core.Drift
	err := e.Store.WithTx(ctx, func(s core.Store) error {
		drifts = nil
		rows, err := s.ListRanked(ctx, waitlistID, 0, 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			d, err := core.CheckScore(ctx, s, row.SubscriberID, campaignID)
			if err != nil {
				return err
			}
			if d == nil {
				continue
			}
			drifts = append(drifts, *d)
			if repair {
				if err := s.SetScore(ctx, d.SubscriberID, d.LedgerSum); err != nil {
					return fmt.Errorf("repair score of %s: %w", d.SubscriberID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range drifts {
		e.Logger.Printf("[Scoring] Drift on waitlist %s: subscriber %s score=%d ledger=%d (repaired=%v)",
			waitlistID, d.SubscriberID, d.Score, d.LedgerSum, repair)
	}
	return drifts, nil
}
