/*
Package leaderboard ranks the subscribers of a waitlist.

PURPOSE:
  Computes rank from score with the signup-time tie-break, maintains the
  cached rank on the subscriber row, serves paginated leaderboard reads and
  materializes immutable snapshots.

RANKING RULE:
  1. score descending
  2. created_at ascending (earlier signup outranks a later one at equal score)
  3. subscriber id ascending (only reached on identical score AND timestamp)

  rank = 1 + count of subscribers that strictly outrank this one.
  Because the id key is total, no two subscribers ever share a rank.

CACHE:
  Subscriber.Rank is a read hint with a staleness window. RecomputeRank is
  its only writer; ReconcileRanks rewrites every cached rank from the live
  ordering and is the repair tool. GetLeaderboard never sorts by the cache.

SNAPSHOTS:
  CreateSnapshot materializes the full live ordering in one pass. Every call
  is a new generation; snapshot rows are never updated.

SEE ALSO:
  - core/types.go: Outranks, the ordering in Go
  - store/sqlstore/subscribers.go: the same ordering in SQL
*/
package leaderboard

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/waitlist-engine/core"
)

// Ranker computes and caches leaderboard ranks.
type Ranker struct {
	Store  core.TxStore
	Logger *log.Logger
	Now    core.Clock
}

// NewRanker creates a ranker over the store.
func NewRanker(store core.TxStore) *Ranker {
	return &Ranker{
		Store:  store,
		Logger: log.Default(),
		Now:    core.SystemClock,
	}
}

// =============================================================================
// RANK
// =============================================================================

// RecomputeRank computes the live rank of one subscriber and writes it to the cache.
func (r *Ranker) RecomputeRank(ctx context.Context, waitlistID core.WaitlistID, subscriberID core.SubscriberID) (int, error) {
	var rank int
	err := r.Store.WithTx(ctx, func(s core.Store) error {
		var err error
		rank, err = r.RecomputeRankTx(ctx, s, waitlistID, subscriberID)
		return err
	})
	return rank, err
}

// RecomputeRankTx is RecomputeRank on a caller-owned transaction handle.
func (r *Ranker) RecomputeRankTx(ctx context.Context, s core.Store, waitlistID core.WaitlistID, subscriberID core.SubscriberID) (int, error) {
	rank, err := LiveRank(ctx, s, waitlistID, subscriberID)
	if err != nil {
		return 0, err
	}
	if err := s.SetRank(ctx, subscriberID, rank); err != nil {
		return 0, fmt.Errorf("cache rank of %s: %w", subscriberID, err)
	}
	return rank, nil
}

// LiveRank computes a rank without touching the cache.
func LiveRank(ctx context.Context, s core.Store, waitlistID core.WaitlistID, subscriberID core.SubscriberID) (int, error) {
	sub, err := s.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return 0, err
	}
	if sub.WaitlistID != waitlistID {
		return 0, fmt.Errorf("%w: %s is not on waitlist %s", core.ErrSubscriberNotFound, subscriberID, waitlistID)
	}
	ahead, err := s.CountAhead(ctx, *sub)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// =============================================================================
// READS
// =============================================================================

// GetLeaderboard returns one page of the leaderboard. With an empty snapshotID
// the ordering is computed live; otherwise rows come from that snapshot in
// stored rank order. limit <= 0 returns every row.
func (r *Ranker) GetLeaderboard(ctx context.Context, waitlistID core.WaitlistID, limit, offset int, snapshotID core.SnapshotID) ([]core.LeaderboardRow, error) {
	if snapshotID == "" {
		return r.Store.ListRanked(ctx, waitlistID, limit, offset)
	}

	snap, err := r.Store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.WaitlistID != waitlistID {
		return nil, fmt.Errorf("%w: %s is not a snapshot of %s", core.ErrSnapshotNotFound, snapshotID, waitlistID)
	}
	stored, err := r.Store.ListSnapshotRows(ctx, snapshotID, limit, offset)
	if err != nil {
		return nil, err
	}
	rows := make([]core.LeaderboardRow, len(stored))
	for i, s := range stored {
		rows[i] = core.LeaderboardRow{
			SubscriberID:  s.SubscriberID,
			Email:         s.Email,
			Score:         s.Score,
			Rank:          s.Rank,
			ReferralCount: s.ReferralCount,
			JoinedAt:      s.JoinedAt,
		}
	}
	return rows, nil
}

// Position is a single-subscriber leaderboard lookup.
type Position struct {
	SubscriberID core.SubscriberID
	Score        int
	Rank         int
	Total        int
	TopPercent   decimal.Decimal // rank / total * 100, two places
	Cached       bool            // Rank came from the cache
}

// Position reads one subscriber's standing. The cached rank is used when
// present; otherwise the rank is computed live and not written back.
func (r *Ranker) Position(ctx context.Context, waitlistID core.WaitlistID, subscriberID core.SubscriberID) (*Position, error) {
	sub, err := r.Store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if sub.WaitlistID != waitlistID {
		return nil, fmt.Errorf("%w: %s is not on waitlist %s", core.ErrSubscriberNotFound, subscriberID, waitlistID)
	}

	pos := &Position{SubscriberID: sub.ID, Score: sub.Score}
	if sub.Rank != nil {
		pos.Rank = *sub.Rank
		pos.Cached = true
	} else {
		ahead, err := r.Store.CountAhead(ctx, *sub)
		if err != nil {
			return nil, err
		}
		pos.Rank = ahead + 1
	}

	pos.Total, err = r.Store.CountSubscribers(ctx, waitlistID)
	if err != nil {
		return nil, err
	}
	pos.TopPercent = TopPercent(pos.Rank, pos.Total)
	return pos, nil
}

// TopPercent returns rank/total as a percentage rounded to two places.
func TopPercent(rank, total int) decimal.Decimal {
	if total <= 0 || rank <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(rank)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// CreateSnapshot materializes the live ordering as a new snapshot generation.
func (r *Ranker) CreateSnapshot(ctx context.Context, waitlistID core.WaitlistID, isFinal bool) (*core.Snapshot, error) {
	var snap *core.Snapshot
	err := r.Store.WithTx(ctx, func(s core.Store) error {
		var err error
		snap, err = r.CreateSnapshotTx(ctx, s, waitlistID, isFinal)
		return err
	})
	return snap, err
}

// CreateSnapshotTx is CreateSnapshot on a caller-owned transaction handle.
func (r *Ranker) CreateSnapshotTx(ctx context.Context, s core.Store, waitlistID core.WaitlistID, isFinal bool) (*core.Snapshot, error) {
	live, err := s.ListRanked(ctx, waitlistID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("rank waitlist %s: %w", waitlistID, err)
	}

	now := r.Now()
	snap := core.Snapshot{
		ID:         core.SnapshotID(uuid.NewString()),
		WaitlistID: waitlistID,
		IsFinal:    isFinal,
		Size:       len(live),
		CreatedAt:  now,
	}
	rows := make([]core.SnapshotRow, len(live))
	for i, row := range live {
		rows[i] = core.SnapshotRow{
			SnapshotID:    snap.ID,
			WaitlistID:    waitlistID,
			SubscriberID:  row.SubscriberID,
			Email:         row.Email,
			Rank:          row.Rank,
			Score:         row.Score,
			ReferralCount: row.ReferralCount,
			JoinedAt:      row.JoinedAt,
			IsFinal:       isFinal,
			CreatedAt:     now,
		}
	}
	if err := s.AppendSnapshot(ctx, snap, rows); err != nil {
		return nil, err
	}
	r.Logger.Printf("[Leaderboard] Snapshot %s of %s: %d rows (final=%v)", snap.ID, waitlistID, snap.Size, isFinal)
	return &snap, nil
}

// ListSnapshots returns the snapshot generations of a waitlist, oldest first.
func (r *Ranker) ListSnapshots(ctx context.Context, waitlistID core.WaitlistID) ([]core.Snapshot, error) {
	return r.Store.ListSnapshots(ctx, waitlistID)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RankReport summarizes a ReconcileRanks run.
type RankReport struct {
	Checked int
	Updated int
}

// ReconcileRanks rewrites every stale cached rank of the waitlist from the
// live ordering.
func (r *Ranker) ReconcileRanks(ctx context.Context, waitlistID core.WaitlistID) (RankReport, error) {
	var report RankReport
	err := r.Store.WithTx(ctx, func(s core.Store) error {
		report = RankReport{}
		live, err := s.ListRanked(ctx, waitlistID, 0, 0)
		if err != nil {
			return err
		}
		for _, row := range live {
			report.Checked++
			sub, err := s.GetSubscriber(ctx, row.SubscriberID)
			if err != nil {
				return err
			}
			if sub.Rank != nil && *sub.Rank == row.Rank {
				continue
			}
			if err := s.SetRank(ctx, row.SubscriberID, row.Rank); err != nil {
				return fmt.Errorf("cache rank of %s: %w", row.SubscriberID, err)
			}
			report.Updated++
		}
		return nil
	})
	if err != nil {
		return RankReport{}, err
	}
	if report.Updated > 0 {
		r.Logger.Printf("[Leaderboard] Reconciled %s: %d of %d cached ranks rewritten", waitlistID, report.Updated, report.Checked)
	}
	return report, nil
}
