/*
sqlstore_test.go - SQLite-backed store tests

Tests for:
- Uniqueness guards mapped to core sentinel errors
- Ledger seq assignment and idempotency key
- Ranked reads (score desc, created_at asc, id asc)
- Savepoint-guarded writes keep the transaction usable
- Snapshot rows ordered by stored rank
*/
package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/waitlist-engine/core"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addSubscriber(t *testing.T, s *Store, id, email string, score int, joined time.Time) core.Subscriber {
	t.Helper()
	sub := core.Subscriber{
		ID:           core.SubscriberID(id),
		WaitlistID:   "wl-1",
		Email:        email,
		ReferralCode: "code-" + id,
		Score:        score,
		CreatedAt:    joined,
	}
	require.NoError(t, s.CreateSubscriber(context.Background(), sub))
	return sub
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("postgresql")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}

func TestRebind_Postgres(t *testing.T) {
	qs := &queries{d: Postgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)",
		qs.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	qs = &queries{d: SQLite}
	assert.Equal(t, "x = ?", qs.rebind("x = ?"))
}

func TestSubscriber_UniquenessGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addSubscriber(t, s, "a", "Ann@Example.com", 0, t0)

	// Same email, different case, same waitlist
	err := s.CreateSubscriber(ctx, core.Subscriber{
		ID: "b", WaitlistID: "wl-1", Email: "ann@example.com", ReferralCode: "other", CreatedAt: t0,
	})
	assert.ErrorIs(t, err, core.ErrDuplicateSubscriber)

	// Same code, different waitlist
	err = s.CreateSubscriber(ctx, core.Subscriber{
		ID: "c", WaitlistID: "wl-2", Email: "carl@example.com", ReferralCode: "code-a", CreatedAt: t0,
	})
	assert.ErrorIs(t, err, core.ErrDuplicateReferralCode)

	// Same email on another waitlist is a different identity
	err = s.CreateSubscriber(ctx, core.Subscriber{
		ID: "d", WaitlistID: "wl-2", Email: "ann@example.com", ReferralCode: "code-d", CreatedAt: t0,
	})
	assert.NoError(t, err)

	found, err := s.FindSubscriberByEmail(ctx, "wl-1", "ANN@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, core.SubscriberID("a"), found.ID)

	missing, err := s.FindSubscriberByCode(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.GetSubscriber(ctx, "zzz")
	assert.ErrorIs(t, err, core.ErrSubscriberNotFound)
}

func TestRanking_OrderAndCountAhead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Scores [100, 90, 90, 80]; the two 90s tie on score and the earlier signup wins.
	addSubscriber(t, s, "w", "w@x.io", 100, t0.Add(3*time.Hour))
	x := addSubscriber(t, s, "x", "x@x.io", 90, t0.Add(2*time.Hour))
	y := addSubscriber(t, s, "y", "y@x.io", 90, t0.Add(1*time.Hour))
	addSubscriber(t, s, "z", "z@x.io", 80, t0)

	rows, err := s.ListRanked(ctx, "wl-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	var ids []core.SubscriberID
	for i, r := range rows {
		ids = append(ids, r.SubscriberID)
		assert.Equal(t, i+1, r.Rank)
	}
	assert.Equal(t, []core.SubscriberID{"w", "y", "x", "z"}, ids)

	ahead, err := s.CountAhead(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, 2, ahead)

	ahead, err = s.CountAhead(ctx, y)
	require.NoError(t, err)
	assert.Equal(t, 1, ahead)

	page, err := s.ListRanked(ctx, "wl-1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2, page[0].Rank)
	assert.Equal(t, core.SubscriberID("y"), page[0].SubscriberID)
}

func TestRanking_ReferralCountCountsFinalOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addSubscriber(t, s, "a", "a@x.io", 0, t0)

	for i, status := range []core.ReferralStatus{core.ReferralCompleted, core.ReferralPending, core.ReferralConfirmed} {
		require.NoError(t, s.CreateReferral(ctx, core.Referral{
			ID:            core.ReferralID("r" + string(rune('0'+i))),
			WaitlistID:    "wl-1",
			CampaignID:    "c-1",
			ReferrerID:    "a",
			ReferredEmail: string(rune('p'+i)) + "@x.io",
			Status:        status,
			CreatedAt:     t0,
		}))
	}

	rows, err := s.ListRanked(ctx, "wl-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].ReferralCount)

	n, err := s.CountConfirmedReferrals(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReferral_DuplicateEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref := core.Referral{
		ID: "r1", WaitlistID: "wl-1", CampaignID: "c-1", ReferrerID: "a",
		ReferredEmail: "b@x.io", Status: core.ReferralCompleted, CreatedAt: t0,
	}
	require.NoError(t, s.CreateReferral(ctx, ref))

	ref.ID = "r2"
	ref.ReferredEmail = "B@X.io"
	assert.ErrorIs(t, s.CreateReferral(ctx, ref), core.ErrDuplicateReferral)

	found, err := s.FindReferral(ctx, "wl-1", "a", "b@x.io")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, core.ReferralID("r1"), found.ID)

	assert.ErrorIs(t, s.UpdateReferral(ctx, core.Referral{ID: "missing"}), core.ErrReferralNotFound)
}

func TestReferral_ListPendingOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, c := core.SubscriberID("b"), core.SubscriberID("c")
	for _, r := range []core.Referral{
		{ID: "r-late", ReferrerID: "a", ReferredEmail: "c@x.io", ReferredID: &c, Status: core.ReferralPending, CreatedAt: t0.Add(time.Minute)},
		{ID: "r-early", ReferrerID: "a", ReferredEmail: "b@x.io", ReferredID: &b, Status: core.ReferralPending, CreatedAt: t0},
		{ID: "r-done", ReferrerID: "a", ReferredEmail: "d@x.io", ReferredID: &b, Status: core.ReferralVerified, CreatedAt: t0},
		{ID: "r-open", ReferrerID: "a", ReferredEmail: "e@x.io", Status: core.ReferralPending, CreatedAt: t0},
	} {
		r.WaitlistID, r.CampaignID = "wl-1", "c-1"
		require.NoError(t, s.CreateReferral(ctx, r))
	}

	pending, err := s.ListPendingReferrals(ctx, "wl-1")
	require.NoError(t, err)
	ids := make([]core.ReferralID, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	assert.Equal(t, []core.ReferralID{"r-early", "r-late"}, ids)

	other, err := s.ListPendingReferrals(ctx, "wl-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestLedger_SeqAndIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := core.LedgerEntry{
		ID: "e1", SubscriberID: "a", CampaignID: "c-1", Event: core.EventReferralConfirmed,
		Points: 25, ReferenceID: "r1", RuleID: "rule-1", IdempotencyKey: "a:REFERRAL_CONFIRMED:rule-1:r1",
		Metadata: map[string]string{"rule": "first"}, CreatedAt: t0,
	}
	require.NoError(t, s.AppendLedger(ctx, entry))

	dup := entry
	dup.ID = "e2"
	assert.ErrorIs(t, s.AppendLedger(ctx, dup), core.ErrDuplicateLedgerKey)

	manual := core.LedgerEntry{
		ID: "e3", SubscriberID: "a", CampaignID: "c-1", Event: core.EventManual, Points: -5, CreatedAt: t0,
	}
	require.NoError(t, s.AppendLedger(ctx, manual))
	manual.ID = "e4"
	require.NoError(t, s.AppendLedger(ctx, manual), "entries without a key are never deduplicated")

	entries, err := s.LoadLedger(ctx, "a", "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{entries[0].Seq, entries[1].Seq, entries[2].Seq})
	assert.Equal(t, "first", entries[0].Metadata["rule"])

	sum, err := s.SumLedger(ctx, "a", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 15, sum)
}

func TestWithTx_GuardedWriteKeepsTransactionUsable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addSubscriber(t, s, "a", "a@x.io", 0, t0)

	err := s.WithTx(ctx, func(tx core.Store) error {
		// SetRank on a missing subscriber fails inside its savepoint.
		assert.ErrorIs(t, tx.SetRank(ctx, "ghost", 1), core.ErrSubscriberNotFound)
		return tx.IncrementScore(ctx, "a", 10)
	})
	require.NoError(t, err)

	sub, err := s.GetSubscriber(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 10, sub.Score)
}

func TestGuarded_FailureReleasesSavepoint(t *testing.T) {
	// GIVEN
	s := newTestStore(t)
	ctx := context.Background()
	addSubscriber(t, s, "a", "a@x.io", 0, t0)
	dup := core.Subscriber{ID: "a2", WaitlistID: "wl-1", Email: "A@x.io", ReferralCode: "code-a2", CreatedAt: t0}
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx core.Store) error {
		qs := tx.(*queries)

		// WHEN: a guarded write fails after changing a row
		err := qs.guarded(ctx, func() error {
			if _, err := qs.exec(ctx, `UPDATE subscribers SET score = 99 WHERE id = ?`, "a"); err != nil {
				return err
			}
			return boom
		})

		// THEN: the caller sees the write's own error, the change is undone and
		// no savepoint is left open
		assert.Equal(t, boom, err)
		_, relErr := qs.q.ExecContext(ctx, "RELEASE SAVEPOINT guarded_write")
		assert.Error(t, relErr, "savepoint already released")

		// AND: repeated unique violations leave the transaction usable
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, tx.CreateSubscriber(ctx, dup), core.ErrDuplicateSubscriber)
		}
		return tx.IncrementScore(ctx, "a", 10)
	})
	require.NoError(t, err)

	sub, err := s.GetSubscriber(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 10, sub.Score)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addSubscriber(t, s, "a", "a@x.io", 0, t0)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx core.Store) error {
		require.NoError(t, tx.IncrementScore(ctx, "a", 10))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	sub, err := s.GetSubscriber(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Score)
}

func TestCampaign_RoundTripAndUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ends := t0.Add(72 * time.Hour)

	settings := core.DefaultSettings()
	settings.MaxWinners = 10
	c := core.Campaign{
		ID: "c-1", WaitlistID: "wl-1", Name: "Launch", Status: core.CampaignActive,
		Settings: settings, EndsAt: &ends, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreateCampaign(ctx, c))

	c2 := c
	c2.ID = "c-2"
	assert.ErrorIs(t, s.CreateCampaign(ctx, c2), core.ErrDuplicateCampaign)

	got, err := s.FindCampaignByWaitlist(ctx, "wl-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10, got.Settings.MaxWinners)
	require.NotNil(t, got.EndsAt)
	assert.True(t, got.EndsAt.Equal(ends))

	got.Status = core.CampaignPaused
	require.NoError(t, s.UpdateCampaign(ctx, *got))

	paused, err := s.ListCampaigns(ctx, core.CampaignPaused, core.CampaignEnded)
	require.NoError(t, err)
	assert.Len(t, paused, 1)

	none, err := s.FindCampaignByWaitlist(ctx, "wl-9")
	assert.NoError(t, err)
	assert.Nil(t, none)
}

func TestPointRules_PriorityOrderAndCondition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePointRule(ctx, core.PointRule{
		ID: "bonus", CampaignID: "c-1", Name: "Third referral", Event: core.EventReferralConfirmed,
		Points: 50, Priority: 2, Active: true, Condition: core.CondReferralCount{Op: core.OpGte, N: 3},
	}))
	require.NoError(t, s.SavePointRule(ctx, core.PointRule{
		ID: "base", CampaignID: "c-1", Name: "Referral", Event: core.EventReferralConfirmed,
		Points: 25, Priority: 1, Active: true,
	}))
	require.NoError(t, s.SavePointRule(ctx, core.PointRule{
		ID: "off", CampaignID: "c-1", Name: "Disabled", Event: core.EventReferralConfirmed,
		Points: 1000, Priority: 0, Active: false,
	}))

	rules, err := s.ListActiveRules(ctx, "c-1", core.EventReferralConfirmed)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, core.RuleID("base"), rules[0].ID)
	assert.Nil(t, rules[0].Condition)
	assert.Equal(t, core.CondReferralCount{Op: core.OpGte, N: 3}, rules[1].Condition)
}

func TestUnlocks_UniqueAndCapacityCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	limit := 5
	require.NoError(t, s.SaveReward(ctx, core.Reward{
		ID: "rw", CampaignID: "c-1", Name: "Early access", Rule: core.RuleTopN{N: 3},
		MaxRecipients: &limit, CreatedAt: t0,
	}))
	reward, err := s.GetReward(ctx, "rw")
	require.NoError(t, err)
	assert.Equal(t, core.RuleTopN{N: 3}, reward.Rule)
	require.NotNil(t, reward.MaxRecipients)
	assert.Equal(t, 5, *reward.MaxRecipients)

	u := core.SubscriberReward{ID: "u1", SubscriberID: "a", RewardID: "rw", Status: core.UnlockUnlocked, UnlockedAt: t0}
	require.NoError(t, s.CreateUnlock(ctx, u))
	u.ID = "u2"
	assert.ErrorIs(t, s.CreateUnlock(ctx, u), core.ErrDuplicateUnlock)

	got, err := s.GetUnlock(ctx, "a", "rw")
	require.NoError(t, err)
	claimed := t0.Add(time.Hour)
	got.Status = core.UnlockClaimed
	got.ClaimedAt = &claimed
	require.NoError(t, s.UpdateUnlock(ctx, *got))

	n, err := s.CountRecipients(ctx, "rw")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetUnlock(ctx, "b", "rw")
	assert.ErrorIs(t, err, core.ErrUnlockNotFound)
}

func TestSnapshots_RowsOrderedByRank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := core.Snapshot{ID: "s1", WaitlistID: "wl-1", IsFinal: true, Size: 2, CreatedAt: t0}
	rows := []core.SnapshotRow{
		{SnapshotID: "s1", WaitlistID: "wl-1", SubscriberID: "b", Email: "b@x.io", Rank: 2, Score: 10, JoinedAt: t0, IsFinal: true, CreatedAt: t0},
		{SnapshotID: "s1", WaitlistID: "wl-1", SubscriberID: "a", Email: "a@x.io", Rank: 1, Score: 20, JoinedAt: t0, IsFinal: true, CreatedAt: t0},
	}
	require.NoError(t, s.AppendSnapshot(ctx, snap, rows))

	got, err := s.ListSnapshotRows(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, core.SubscriberID("a"), got[0].SubscriberID)
	assert.True(t, got[0].IsFinal)

	_, err = s.ListSnapshotRows(ctx, "missing", 0, 0)
	assert.ErrorIs(t, err, core.ErrSnapshotNotFound)

	list, err := s.ListSnapshots(ctx, "wl-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Size)
}
