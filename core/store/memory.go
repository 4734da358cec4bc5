// Package store provides an in-memory core.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/waitlist-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a core.TxStore kept in maps. Every exported call takes the lock;
// WithTx holds it for the whole callback and restores a copy on error.
type Memory struct {
	mu sync.Mutex
	st *state
}

var (
	_ core.TxStore = (*Memory)(nil)
	_ core.Store   = (*state)(nil)
)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(core.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = saved
		return err
	}
	return nil
}

func (m *Memory) locked(fn func(st *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// =============================================================================
// STATE
// =============================================================================

type unlockKey struct {
	SubscriberID core.SubscriberID
	RewardID     core.RewardID
}

type state struct {
	subscribers  map[core.SubscriberID]core.Subscriber
	campaigns    map[core.CampaignID]core.Campaign
	rules        map[core.RuleID]core.PointRule
	rewards      map[core.RewardID]core.Reward
	referrals    map[core.ReferralID]core.Referral
	ledger       []core.LedgerEntry
	ledgerKeys   map[string]bool
	unlocks      map[unlockKey]core.SubscriberReward
	snapshots    map[core.SnapshotID]core.Snapshot
	snapshotRows map[core.SnapshotID][]core.SnapshotRow
}

func newState() *state {
	return &state{
		subscribers:  make(map[core.SubscriberID]core.Subscriber),
		campaigns:    make(map[core.CampaignID]core.Campaign),
		rules:        make(map[core.RuleID]core.PointRule),
		rewards:      make(map[core.RewardID]core.Reward),
		referrals:    make(map[core.ReferralID]core.Referral),
		ledgerKeys:   make(map[string]bool),
		unlocks:      make(map[unlockKey]core.SubscriberReward),
		snapshots:    make(map[core.SnapshotID]core.Snapshot),
		snapshotRows: make(map[core.SnapshotID][]core.SnapshotRow),
	}
}

// clone copies every map. Record values are replaced, never mutated through
// their pointer fields, so a shallow copy per record is enough.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.subscribers {
		c.subscribers[k] = v
	}
	for k, v := range s.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = v
	}
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	c.ledger = append([]core.LedgerEntry(nil), s.ledger...)
	for k, v := range s.ledgerKeys {
		c.ledgerKeys[k] = v
	}
	for k, v := range s.unlocks {
		c.unlocks[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range s.snapshotRows {
		c.snapshotRows[k] = v
	}
	return c
}

// =============================================================================
// SUBSCRIBERS
// =============================================================================

func (s *state) CreateSubscriber(_ context.Context, sub core.Subscriber) error {
	for _, existing := range s.subscribers {
		if existing.WaitlistID == sub.WaitlistID && strings.EqualFold(existing.Email, sub.Email) {
			return core.ErrDuplicateSubscriber
		}
	}
	for _, existing := range s.subscribers {
		if existing.ReferralCode == sub.ReferralCode {
			return core.ErrDuplicateReferralCode
		}
	}
	s.subscribers[sub.ID] = sub
	return nil
}

func (s *state) GetSubscriber(_ context.Context, id core.SubscriberID) (*core.Subscriber, error) {
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, core.ErrSubscriberNotFound
	}
	return &sub, nil
}

func (s *state) FindSubscriberByEmail(_ context.Context, waitlistID core.WaitlistID, email string) (*core.Subscriber, error) {
	for _, sub := range s.subscribers {
		if sub.WaitlistID == waitlistID && strings.EqualFold(sub.Email, email) {
			return &sub, nil
		}
	}
	return nil, nil
}

func (s *state) FindSubscriberByCode(_ context.Context, code string) (*core.Subscriber, error) {
	for _, sub := range s.subscribers {
		if sub.ReferralCode == code {
			return &sub, nil
		}
	}
	return nil, nil
}

func (s *state) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	sub, _ := s.FindSubscriberByCode(ctx, code)
	return sub != nil, nil
}

func (s *state) update(id core.SubscriberID, fn func(*core.Subscriber)) error {
	sub, ok := s.subscribers[id]
	if !ok {
		return core.ErrSubscriberNotFound
	}
	fn(&sub)
	s.subscribers[id] = sub
	return nil
}

func (s *state) IncrementScore(_ context.Context, id core.SubscriberID, delta int) error {
	return s.update(id, func(sub *core.Subscriber) { sub.Score += delta })
}

func (s *state) SetScore(_ context.Context, id core.SubscriberID, score int) error {
	return s.update(id, func(sub *core.Subscriber) { sub.Score = score })
}

func (s *state) SetReferredBy(_ context.Context, id core.SubscriberID, referrerID core.SubscriberID) error {
	return s.update(id, func(sub *core.Subscriber) {
		ref := referrerID
		sub.ReferredBy = &ref
	})
}

func (s *state) SetEmailVerified(_ context.Context, id core.SubscriberID) error {
	return s.update(id, func(sub *core.Subscriber) { sub.EmailVerified = true })
}

func (s *state) SetRank(_ context.Context, id core.SubscriberID, rank int) error {
	return s.update(id, func(sub *core.Subscriber) {
		r := rank
		sub.Rank = &r
	})
}

func (s *state) CountAhead(_ context.Context, sub core.Subscriber) (int, error) {
	n := 0
	for _, other := range s.subscribers {
		if other.WaitlistID != sub.WaitlistID || other.ID == sub.ID {
			continue
		}
		if core.Outranks(other.Score, other.CreatedAt, other.ID, sub.Score, sub.CreatedAt, sub.ID) {
			n++
		}
	}
	return n, nil
}

func (s *state) CountSubscribers(_ context.Context, waitlistID core.WaitlistID) (int, error) {
	n := 0
	for _, sub := range s.subscribers {
		if sub.WaitlistID == waitlistID {
			n++
		}
	}
	return n, nil
}

func (s *state) ListRanked(_ context.Context, waitlistID core.WaitlistID, limit, offset int) ([]core.LeaderboardRow, error) {
	var subs []core.Subscriber
	for _, sub := range s.subscribers {
		if sub.WaitlistID == waitlistID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		return core.Outranks(a.Score, a.CreatedAt, a.ID, b.Score, b.CreatedAt, b.ID)
	})

	counts := make(map[core.SubscriberID]int)
	for _, r := range s.referrals {
		if r.WaitlistID == waitlistID && r.Status.Final() {
			counts[r.ReferrerID]++
		}
	}

	start, end := window(len(subs), limit, offset)
	rows := make([]core.LeaderboardRow, 0, end-start)
	for i := start; i < end; i++ {
		sub := subs[i]
		rows = append(rows, core.LeaderboardRow{
			SubscriberID:  sub.ID,
			Email:         sub.Email,
			Score:         sub.Score,
			Rank:          i + 1,
			ReferralCount: counts[sub.ID],
			JoinedAt:      sub.CreatedAt,
		})
	}
	return rows, nil
}

func window(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func (s *state) CreateCampaign(_ context.Context, c core.Campaign) error {
	for _, existing := range s.campaigns {
		if existing.WaitlistID == c.WaitlistID {
			return core.ErrDuplicateCampaign
		}
	}
	s.campaigns[c.ID] = c
	return nil
}

func (s *state) UpdateCampaign(_ context.Context, c core.Campaign) error {
	if _, ok := s.campaigns[c.ID]; !ok {
		return core.ErrCampaignNotFound
	}
	s.campaigns[c.ID] = c
	return nil
}

func (s *state) GetCampaign(_ context.Context, id core.CampaignID) (*core.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, core.ErrCampaignNotFound
	}
	return &c, nil
}

func (s *state) FindCampaignByWaitlist(_ context.Context, waitlistID core.WaitlistID) (*core.Campaign, error) {
	for _, c := range s.campaigns {
		if c.WaitlistID == waitlistID {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *state) ListCampaigns(_ context.Context, statuses ...core.CampaignStatus) ([]core.Campaign, error) {
	var out []core.Campaign
	for _, c := range s.campaigns {
		if len(statuses) == 0 || containsStatus(statuses, c.Status) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus(list []core.CampaignStatus, s core.CampaignStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *state) SavePointRule(_ context.Context, r core.PointRule) error {
	if existing, ok := s.rules[r.ID]; ok && existing.CampaignID != r.CampaignID {
		return fmt.Errorf("save point rule %s: %w", r.ID, core.ErrConfigIDInUse)
	}
	s.rules[r.ID] = r
	return nil
}

func (s *state) ListActiveRules(_ context.Context, campaignID core.CampaignID, event core.EventType) ([]core.PointRule, error) {
	var out []core.PointRule
	for _, r := range s.rules {
		if r.CampaignID == campaignID && r.Event == event && r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) SaveReward(_ context.Context, r core.Reward) error {
	if existing, ok := s.rewards[r.ID]; ok && existing.CampaignID != r.CampaignID {
		return fmt.Errorf("save reward %s: %w", r.ID, core.ErrConfigIDInUse)
	}
	s.rewards[r.ID] = r
	return nil
}

func (s *state) GetReward(_ context.Context, id core.RewardID) (*core.Reward, error) {
	r, ok := s.rewards[id]
	if !ok {
		return nil, core.ErrRewardNotFound
	}
	return &r, nil
}

func (s *state) ListRewards(_ context.Context, campaignID core.CampaignID) ([]core.Reward, error) {
	var out []core.Reward
	for _, r := range s.rewards {
		if r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (s *state) CreateReferral(_ context.Context, r core.Referral) error {
	for _, existing := range s.referrals {
		if existing.WaitlistID == r.WaitlistID && existing.ReferrerID == r.ReferrerID &&
			strings.EqualFold(existing.ReferredEmail, r.ReferredEmail) {
			return core.ErrDuplicateReferral
		}
	}
	s.referrals[r.ID] = r
	return nil
}

func (s *state) UpdateReferral(_ context.Context, r core.Referral) error {
	if _, ok := s.referrals[r.ID]; !ok {
		return core.ErrReferralNotFound
	}
	s.referrals[r.ID] = r
	return nil
}

func (s *state) FindReferral(_ context.Context, waitlistID core.WaitlistID, referrerID core.SubscriberID, referredEmail string) (*core.Referral, error) {
	for _, r := range s.referrals {
		if r.WaitlistID == waitlistID && r.ReferrerID == referrerID && strings.EqualFold(r.ReferredEmail, referredEmail) {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *state) FindPendingReferralFor(_ context.Context, referredID core.SubscriberID) (*core.Referral, error) {
	for _, r := range s.referrals {
		if r.Status == core.ReferralPending && r.ReferredID != nil && *r.ReferredID == referredID {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *state) ListPendingReferrals(_ context.Context, waitlistID core.WaitlistID) ([]core.Referral, error) {
	var out []core.Referral
	for _, r := range s.referrals {
		if r.WaitlistID == waitlistID && r.Status == core.ReferralPending && r.ReferredID != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) CountConfirmedReferrals(_ context.Context, referrerID core.SubscriberID) (int, error) {
	n := 0
	for _, r := range s.referrals {
		if r.ReferrerID == referrerID && r.Status.Final() {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *state) AppendLedger(_ context.Context, e core.LedgerEntry) error {
	if e.IdempotencyKey != "" {
		if s.ledgerKeys[e.IdempotencyKey] {
			return core.ErrDuplicateLedgerKey
		}
		s.ledgerKeys[e.IdempotencyKey] = true
	}
	e.Seq = 1
	for _, prev := range s.ledger {
		if prev.SubscriberID == e.SubscriberID && prev.CampaignID == e.CampaignID && prev.Seq >= e.Seq {
			e.Seq = prev.Seq + 1
		}
	}
	s.ledger = append(s.ledger, e)
	return nil
}

func (s *state) LoadLedger(_ context.Context, subscriberID core.SubscriberID, campaignID core.CampaignID) ([]core.LedgerEntry, error) {
	var out []core.LedgerEntry
	for _, e := range s.ledger {
		if e.SubscriberID == subscriberID && e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *state) SumLedger(ctx context.Context, subscriberID core.SubscriberID, campaignID core.CampaignID) (int, error) {
	entries, _ := s.LoadLedger(ctx, subscriberID, campaignID)
	return core.SumEntries(entries), nil
}

// =============================================================================
// REWARD UNLOCKS
// =============================================================================

func (s *state) CreateUnlock(_ context.Context, u core.SubscriberReward) error {
	k := unlockKey{SubscriberID: u.SubscriberID, RewardID: u.RewardID}
	if _, exists := s.unlocks[k]; exists {
		return core.ErrDuplicateUnlock
	}
	s.unlocks[k] = u
	return nil
}

func (s *state) HasUnlock(_ context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (bool, error) {
	_, ok := s.unlocks[unlockKey{SubscriberID: subscriberID, RewardID: rewardID}]
	return ok, nil
}

func (s *state) GetUnlock(_ context.Context, subscriberID core.SubscriberID, rewardID core.RewardID) (*core.SubscriberReward, error) {
	u, ok := s.unlocks[unlockKey{SubscriberID: subscriberID, RewardID: rewardID}]
	if !ok {
		return nil, core.ErrUnlockNotFound
	}
	return &u, nil
}

func (s *state) UpdateUnlock(_ context.Context, u core.SubscriberReward) error {
	k := unlockKey{SubscriberID: u.SubscriberID, RewardID: u.RewardID}
	if _, ok := s.unlocks[k]; !ok {
		return core.ErrUnlockNotFound
	}
	s.unlocks[k] = u
	return nil
}

func (s *state) CountRecipients(_ context.Context, rewardID core.RewardID) (int, error) {
	n := 0
	for k, u := range s.unlocks {
		if k.RewardID == rewardID && (u.Status == core.UnlockUnlocked || u.Status == core.UnlockClaimed) {
			n++
		}
	}
	return n, nil
}

func (s *state) ListUnlocks(_ context.Context, subscriberID core.SubscriberID) ([]core.SubscriberReward, error) {
	var out []core.SubscriberReward
	for k, u := range s.unlocks {
		if k.SubscriberID == subscriberID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnlockedAt.Before(out[j].UnlockedAt) })
	return out, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *state) AppendSnapshot(_ context.Context, snap core.Snapshot, rows []core.SnapshotRow) error {
	s.snapshots[snap.ID] = snap
	s.snapshotRows[snap.ID] = append([]core.SnapshotRow(nil), rows...)
	return nil
}

func (s *state) GetSnapshot(_ context.Context, id core.SnapshotID) (*core.Snapshot, error) {
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, core.ErrSnapshotNotFound
	}
	return &snap, nil
}

func (s *state) ListSnapshots(_ context.Context, waitlistID core.WaitlistID) ([]core.Snapshot, error) {
	var out []core.Snapshot
	for _, snap := range s.snapshots {
		if snap.WaitlistID == waitlistID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *state) ListSnapshotRows(_ context.Context, id core.SnapshotID, limit, offset int) ([]core.SnapshotRow, error) {
	rows, ok := s.snapshotRows[id]
	if !ok {
		return nil, core.ErrSnapshotNotFound
	}
	sorted := append([]core.SnapshotRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })
	start, end := window(len(sorted), limit, offset)
	return sorted[start:end], nil
}
