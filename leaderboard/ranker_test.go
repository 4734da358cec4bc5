/*
ranker_test.go - Leaderboard ranking tests

Tests for:
- Score desc / signup asc ordering with the [100, 90, 90, 80] tie scenario
- Cached rank written only by RecomputeRank and repaired by ReconcileRanks
- Snapshot generations are independent and immutable
- Rank is a strict total order (property)
*/
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/core/store"
)

const testWaitlist core.WaitlistID = "wl-1"

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestRanker() (*Ranker, *store.Memory) {
	mem := store.NewMemory()
	r := NewRanker(mem)
	r.Now = func() time.Time { return t0 }
	return r, mem
}

func addSubscriber(t *testing.T, mem *store.Memory, id string, score int, joined time.Time) {
	t.Helper()
	require.NoError(t, mem.CreateSubscriber(context.Background(), core.Subscriber{
		ID:           core.SubscriberID(id),
		WaitlistID:   testWaitlist,
		Email:        id + "@example.com",
		ReferralCode: "code-" + id,
		Score:        score,
		CreatedAt:    joined,
	}))
}

// seedTieScenario: scores [100, 90, 90, 80]; "early90" signed up before "late90".
func seedTieScenario(t *testing.T, mem *store.Memory) {
	addSubscriber(t, mem, "top", 100, t0.Add(4*time.Hour))
	addSubscriber(t, mem, "late90", 90, t0.Add(3*time.Hour))
	addSubscriber(t, mem, "early90", 90, t0.Add(1*time.Hour))
	addSubscriber(t, mem, "low", 80, t0)
}

func TestGetLeaderboard_TieBreakEarliestSignup(t *testing.T) {
	r, mem := newTestRanker()
	ctx := context.Background()
	seedTieScenario(t, mem)

	rows, err := r.GetLeaderboard(ctx, testWaitlist, 0, 0, "")
	require.NoError(t, err)
	require.Len(t, rows, 4)

	got := make([]string, len(rows))
	for i, row := range rows {
		got[i] = fmt.Sprintf("%d:%s", row.Rank, row.SubscriberID)
	}
	assert.Equal(t, []string{"1:top", "2:early90", "3:late90", "4:low"}, got)
}

func TestGetLeaderboard_Pagination(t *testing.T) {
	r, mem := newTestRanker()
	seedTieScenario(t, mem)

	page, err := r.GetLeaderboard(context.Background(), testWaitlist, 2, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 3, page[0].Rank)
	assert.Equal(t, core.SubscriberID("late90"), page[0].SubscriberID)
	assert.Equal(t, 4, page[1].Rank)

	empty, err := r.GetLeaderboard(context.Background(), testWaitlist, 10, 50, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecomputeRank_WritesCache(t *testing.T) {
	r, mem := newTestRanker()
	ctx := context.Background()
	seedTieScenario(t, mem)

	rank, err := r.RecomputeRank(ctx, testWaitlist, "late90")
	require.NoError(t, err)
	assert.Equal(t, 3, rank)

	sub, err := mem.GetSubscriber(ctx, "late90")
	require.NoError(t, err)
	require.NotNil(t, sub.Rank)
	assert.Equal(t, 3, *sub.Rank)

	_, err = r.RecomputeRank(ctx, "wl-other", "late90")
	assert.ErrorIs(t, err, core.ErrSubscriberNotFound)
}

func TestPosition_CachedHintAndPercentile(t *testing.T) {
	r, mem := newTestRanker()
	ctx := context.Background()
	seedTieScenario(t, mem)

	// No cache yet: computed live, not written back
	pos, err := r.Position(ctx, testWaitlist, "early90")
	require.NoError(t, err)
	assert.Equal(t, 2, pos.Rank)
	assert.False(t, pos.Cached)
	assert.Equal(t, 4, pos.Total)
	assert.True(t, decimal.NewFromInt(50).Equal(pos.TopPercent), "got %s", pos.TopPercent)

	sub, _ := mem.GetSubscriber(ctx, "early90")
	assert.Nil(t, sub.Rank)

	_, err = r.RecomputeRank(ctx, testWaitlist, "early90")
	require.NoError(t, err)
	pos, err = r.Position(ctx, testWaitlist, "early90")
	require.NoError(t, err)
	assert.True(t, pos.Cached)
}

func TestTopPercent(t *testing.T) {
	assert.Equal(t, "33.33", TopPercent(1, 3).StringFixed(2))
	assert.Equal(t, "100.00", TopPercent(3, 3).StringFixed(2))
	assert.True(t, TopPercent(1, 0).IsZero())
}

func TestReconcileRanks_RepairsStaleCache(t *testing.T) {
	r, mem := newTestRanker()
	ctx := context.Background()
	seedTieScenario(t, mem)

	for _, id := range []core.SubscriberID{"top", "early90", "late90", "low"} {
		_, err := r.RecomputeRank(ctx, testWaitlist, id)
		require.NoError(t, err)
	}

	// "low" overtakes everyone without a rank refresh: three caches go stale
	require.NoError(t, mem.IncrementScore(ctx, "low", 100))

	report, err := r.ReconcileRanks(ctx, testWaitlist)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 4, report.Updated)

	rows, err := r.GetLeaderboard(ctx, testWaitlist, 0, 0, "")
	require.NoError(t, err)
	for _, row := range rows {
		sub, err := mem.GetSubscriber(ctx, row.SubscriberID)
		require.NoError(t, err)
		require.NotNil(t, sub.Rank)
		assert.Equal(t, row.Rank, *sub.Rank, "cache of %s", row.SubscriberID)
	}

	report, err = r.ReconcileRanks(ctx, testWaitlist)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Updated)
}

func TestSnapshots_IndependentGenerations(t *testing.T) {
	r, mem := newTestRanker()
	ctx := context.Background()
	seedTieScenario(t, mem)

	first, err := r.CreateSnapshot(ctx, testWaitlist, false)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Size)

	require.NoError(t, mem.IncrementScore(ctx, "low", 100))

	final, err := r.CreateSnapshot(ctx, testWaitlist, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, final.ID)

	// The first generation still shows the old order
	old, err := r.GetLeaderboard(ctx, testWaitlist, 0, 0, first.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SubscriberID("top"), old[0].SubscriberID)
	assert.Equal(t, core.SubscriberID("low"), old[3].SubscriberID)

	latest, err := r.GetLeaderboard(ctx, testWaitlist, 1, 0, final.ID)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, core.SubscriberID("low"), latest[0].SubscriberID)
	assert.Equal(t, 180, latest[0].Score)

	list, err := r.ListSnapshots(ctx, testWaitlist)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = r.GetLeaderboard(ctx, "wl-other", 0, 0, first.ID)
	assert.ErrorIs(t, err, core.ErrSnapshotNotFound)
}

func TestProperty_RankIsStrictTotalOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r, mem := newTestRanker()
		ctx := context.Background()

		n := rapid.IntRange(1, 25).Draw(rt, "n")
		for i := 0; i < n; i++ {
			// Small domains force score and timestamp collisions
			score := rapid.IntRange(0, 4).Draw(rt, "score") * 10
			joined := t0.Add(time.Duration(rapid.IntRange(0, 3).Draw(rt, "minute")) * time.Minute)
			require.NoError(rt, mem.CreateSubscriber(ctx, core.Subscriber{
				ID:           core.SubscriberID(fmt.Sprintf("s%02d", i)),
				WaitlistID:   testWaitlist,
				Email:        fmt.Sprintf("s%02d@example.com", i),
				ReferralCode: fmt.Sprintf("c%02d", i),
				Score:        score,
				CreatedAt:    joined,
			}))
		}

		rows, err := r.GetLeaderboard(ctx, testWaitlist, 0, 0, "")
		require.NoError(rt, err)
		require.Len(rt, rows, n)

		ranks := make([]int, n)
		for i, row := range rows {
			ranks[i] = row.Rank
			live, err := r.RecomputeRank(ctx, testWaitlist, row.SubscriberID)
			require.NoError(rt, err)
			if live != row.Rank {
				rt.Fatalf("%s: page rank %d, computed rank %d", row.SubscriberID, row.Rank, live)
			}
			if i > 0 {
				prev := rows[i-1]
				if !core.Outranks(prev.Score, prev.JoinedAt, prev.SubscriberID, row.Score, row.JoinedAt, row.SubscriberID) {
					rt.Fatalf("%s listed ahead of %s but does not outrank it", prev.SubscriberID, row.SubscriberID)
				}
			}
		}
		sort.Ints(ranks)
		for i, rank := range ranks {
			if rank != i+1 {
				rt.Fatalf("ranks are not 1..%d: %v", n, ranks)
			}
		}
	})
}
