package store

import (
	"context"

	"github.com/warp/waitlist-engine/core"
)

// Locked entry points used outside WithTx.

func (m *Memory) CreateSubscriber(ctx context.Context, sub core.Subscriber) error {
	return m.locked(func(st *state) error { return st.CreateSubscriber(ctx, sub) })
}

func (m *Memory) GetSubscriber(ctx context.Context, id core.SubscriberID) (*core.Subscriber, error) {
	var out *core.Subscriber
	err := m.locked(func(st *state) (err error) {
		out, err = st.GetSubscriber(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) FindSubscriberByEmail(ctx context.Context, waitlistID core.WaitlistID, email string) (*core.Subscriber, error) {
	var out *core.Subscriber
	err := m.locked(func(st *state) (err error) {
		out, err = st.FindSubscriberByEmail(ctx, waitlistID, email)
		return err
	})
	return out, err
}

func (m *Memory) FindSubscriberByCode(ctx context.Context, code string) (*core.Subscriber, error) {
	var out *core.Subscriber
	err := m.locked(func(st *state) (err error) {
		out, err = st.FindSubscriberByCode(ctx, code)
		return err
	})
	return out, err
}

func (m *Memory) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var out bool
	err := m.locked(func(st *state) (err error) {
		out, err = st.ReferralCodeExists(ctx, code)
		return err
	})
	return out, err
}

func (m *Memory) IncrementScore(ctx context.Context, id core.SubscriberID, delta int) error {
	return m.locked(func(st *state) error { return st.IncrementScore(ctx, id, delta) })
}

func (m *Memory) SetScore(ctx context.Context, id core.SubscriberID, score int) error {
	return m.locked(func(st *state) error { return st.SetScore(ctx, id, score) })
}

func (m *Memory) SetReferredBy(ctx context.Context, id core.SubscriberID, referrerID core.SubscriberID) error {
	return m.locked(func(st *state) error { return st.SetReferredBy(ctx, id, referrerID) })
}

func (m *Memory) SetEmailVerified(ctx context.Context, id core.SubscriberID) error {
	return m.locked(func(st *state) error { return st.SetEmailVerified(ctx, id) })
}

func (m *Memory) SetRank(ctx context.Context, id core.SubscriberID, rank int) error {
	return m.locked(func(st *state) error { return st.SetRank(ctx, id, rank) })
}

func (m *Memory) CountAhead(ctx context.Context, sub core.Subscriber) (int, error) {
	var out int
	err := m.locked(func(st *state) (err error) {
		out, err = st.CountAhead(ctx, sub)
		return err
	})
	return out, err
}

func (m *Memory) CountSubscribers(ctx context.Context, waitlistID core.WaitlistID) (int, error) {
	var out int
	err := m.locked(func(st *state) (err error) {
		out, err = st.CountSubscribers(ctx, waitlistID)
		return err
	})
	return out, err
}

func (m *Memory) ListRanked(ctx context.Context, waitlistID core.WaitlistID, limit, offset int) ([]core.LeaderboardRow, error) {
	var out []core.LeaderboardRow
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListRanked(ctx, waitlistID, limit, offset)
		return err
	})
	return out, err
}

func (m *Memory) CreateCampaign(ctx context.Context, c core.Campaign) error {
	return m.locked(func(st *state) error { return st.CreateCampaign(ctx, c) })
}

func (m *Memory) UpdateCampaign(ctx context.Context, c core.Campaign) error {
	return m.locked(func(st *state) error { return st.UpdateCampaign(ctx, c) })
}

func (m *Memory) GetCampaign(ctx context.Context, id core.CampaignID) (*core.Campaign, error) {
	var out *core.Campaign
	err := m.locked(func(st *state) (err error) {
		out, err = st.GetCampaign(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) FindCampaignByWaitlist(ctx context.Context, waitlistID core.WaitlistID) (*core.Campaign, error) {
	var out *core.Campaign
	err := m.locked(func(st *state) (err error) {
		out, err = st.FindCampaignByWaitlist(ctx, waitlistID)
		return err
	})
	return out, err
}

func (m *Memory) ListCampaigns(ctx context.Context, statuses ...core.CampaignStatus) ([]core.Campaign, error) {
	var out []core.Campaign
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListCampaigns(ctx, statuses...)
		return err
	})
	return out, err
}

func (m *Memory) SavePointRule(ctx context.Context, r core.PointRule) error {
	return m.locked(func(st *state) error { return st.SavePointRule(ctx, r) })
}

func (m *Memory) ListActiveRules(ctx context.Context, campaignID core.CampaignID, event core.EventType) ([]core.PointRule, error) {
	var out []core.PointRule
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListActiveRules(ctx, campaignID, event)
		return err
	})
	return out, err
}

func (m *Memory) SaveReward(ctx context.Context, r core.Reward) error {
	return m.locked(func(st *state) error { return st.SaveReward(ctx, r) })
}

func (m *Memory) GetReward(ctx context.Context, id core.RewardID) (*core.Reward, error) {
	var out *core.Reward
	err := m.locked(func(st *state) (err error) {
		out, err = st.GetReward(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) ListRewards(ctx context.Context, campaignID core.CampaignID) ([]core.Reward, error) {
	var out []core.Reward
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListRewards(ctx, campaignID)
		return err
	})
	return out, err
}

func (m *Memory) CreateReferral(ctx context.Context, r core.Referral) error {
	return m.locked(func(st *state) error { return st.CreateReferral(ctx, r) })
}

func (m *Memory) UpdateReferral(ctx context.Context, r core.Referral) error {
	return m.locked(func(st *state) error { return st.UpdateReferral(ctx, r) })
}

func (m *Memory) FindReferral(ctx context.Context, waitlistID core.WaitlistID, referrerID core.SubscriberID, referredEmail string) (*core.Referral, error) {
	var out *core.Referral
	err := m.locked(func(st *state) (err error) {
		out, err = st.FindReferral(ctx, waitlistID, referrerID, referredEmail)
		return err
	})
	return out, err
}

func (m *Memory) FindPendingReferralFor(ctx context.Context, referredID core.SubscriberID) (*core.Referral, error) {
	var out *core.Referral
	err := m.locked(func(st *state) (err error) {
		out, err = st.FindPendingReferralFor(ctx, referredID)
		return err
	})
	return out, err
}

func (m *Memory) ListPendingReferrals(ctx context.Context, waitlistID core.WaitlistID) ([]core.Referral, error) {
	var out []core.Referral
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListPendingReferrals(ctx, waitlistID)
		return err
	})
	return out, err
}

func (m *Memory) CountConfirmedReferrals(ctx context.Context, referrerID core.SubscriberID) (int, error) {
	var out int
	err := m.locked(func(st *state) (err error) {
		out, err = st.CountConfirmedReferrals(ctx, referrerID)
		return err
	})
	return out, err
}

func (m *Memory) AppendLedger(ctx context.Context, e core.LedgerEntry) error {
	return m.locked(func(st *state) error { return st.AppendLedger(ctx, e) })
}

func (m *Memory) LoadLedger(ctx context.Context, subscriberID core.SubscriberID, campaignID core.CampaignID) ([]core.LedgerEntry, error) {
	var out []core.LedgerEntry
	err := m.locked(func(st *state) (err error) {
		out, err = st.LoadLedger(ctx, subscriberID, campaignID)
		return err
	})
	return out, err
}

func (m *Memory) SumLedger(ctx context.Context, subscriberID core.SubscriberID, campaignID core.CampaignID) (int, error) {
	var out int
	err := m.locked(func(st *state) (err error) {
		out, err = st.SumLedger(ctx, subscriberID, campaignID)
		return err
	})
	return out, err
}

func (m *Memory) CreateUnlock(ctx context.Context, u core.SubscriberReward) error {
	return m.locked(func(st *state) error { return st.CreateUnlock(ctx, u) })
}

func (m *Memory) HasUnlock(ctx context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (bool, error) {
	var out bool
	err := m.locked(func(st *state) (err error) {
		out, err = st.HasUnlock(ctx, subscriberID, rewardID)
		return err
	})
	return out, err
}

func (m *Memory) GetUnlock(ctx context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (*core.SubscriberReward, error) {
	var out *core.SubscriberReward
	err := m.locked(func(st *state) (err error) {
		out, err = st.GetUnlock(ctx, subscriberID, rewardID)
		return err
	})
	return out, err
}

func (m *Memory) UpdateUnlock(ctx context.Context, u core.SubscriberReward) error {
	return m.locked(func(st *state) error { return st.UpdateUnlock(ctx, u) })
}

func (m *Memory) CountRecipients(ctx context.Context, rewardID core.RewardID) (int, error) {
	var out int
	err := m.locked(func(st *state) (err error) {
		out, err = st.CountRecipients(ctx, rewardID)
		return err
	})
	return out, err
}

func (m *Memory) ListUnlocks(ctx context.Context, subscriberID core.SubscriberID) ([]core.SubscriberReward, error) {
	var out []core.SubscriberReward
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListUnlocks(ctx, subscriberID)
		return err
	})
	return out, err
}

func (m *Memory) AppendSnapshot(ctx context.Context, snap core.Snapshot, rows []core.SnapshotRow) error {
	return m.locked(func(st *state) error { return st.AppendSnapshot(ctx, snap, rows) })
}

func (m *Memory) GetSnapshot(ctx context.Context, id core.SnapshotID) (*core.Snapshot, error) {
	var out *core.Snapshot
	err := m.locked(func(st *state) (err error) {
		out, err = st.GetSnapshot(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) ListSnapshots(ctx context.Context, waitlistID core.WaitlistID) ([]core.Snapshot, error) {
	var out []core.Snapshot
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListSnapshots(ctx, waitlistID)
		return err
	})
	return out, err
}

func (m *Memory) ListSnapshotRows(ctx context.Context, id core.SnapshotID, limit, offset int) ([]core.SnapshotRow, error) {
	var out []core.SnapshotRow
	err := m.locked(func(st *state) (err error) {
		out, err = st.ListSnapshotRows(ctx, id, limit, offset)
		return err
	})
	return out, err
}
