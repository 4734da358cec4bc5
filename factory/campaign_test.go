package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/core/store"
	"github.com/warp/waitlist-engine/store/sqlstore"
)

var t0 = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

func newTestFactory() *CampaignFactory {
	f := NewCampaignFactory()
	f.Now = func() time.Time { return t0 }
	return f
}

func TestParseCampaign_FullDocument(t *testing.T) {
	jsonStr := `{
		"id": "launch",
		"waitlistId": "wl-1",
		"name": "Spring launch",
		"endsAt": "2026-06-01T00:00:00Z",
		"settings": {"requireEmailVerification": true, "maxWinners": 50},
		"rules": [
			{"id": "per-referral", "event": "REFERRAL_CONFIRMED", "points": 25},
			{"id": "first-bonus", "event": "REFERRAL_CONFIRMED", "points": 50, "priority": 1,
			 "condition": {"firstReferralOnly": true}},
			{"id": "retired", "event": "SIGNUP", "points": 5, "active": false}
		],
		"rewards": [
			{"id": "early-access", "kind": "TOP_N", "params": {"topN": 100}},
			{"id": "beta-seat", "name": "Beta seat", "kind": "MIN_REFERRALS", "params": {"minReferrals": 3}, "maxRecipients": 500}
		]
	}`

	def, err := newTestFactory().ParseCampaign(jsonStr)
	require.NoError(t, err)

	c := def.Campaign
	assert.Equal(t, core.CampaignID("launch"), c.ID)
	assert.Equal(t, core.CampaignDraft, c.Status, "status defaults to DRAFT")
	assert.True(t, c.Settings.ReferralsEnabled, "omitted settings keep defaults")
	assert.True(t, c.Settings.RequireEmailVerification)
	assert.Equal(t, 50, c.Settings.MaxWinners)
	require.NotNil(t, c.EndsAt)
	assert.True(t, c.EndsAt.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, def.Rules, 3)
	assert.Nil(t, def.Rules[0].Condition)
	assert.Equal(t, core.CondFirstReferralOnly{}, def.Rules[1].Condition)
	assert.Equal(t, "first-bonus", def.Rules[1].Name, "name defaults to id")
	assert.False(t, def.Rules[2].Active)

	require.Len(t, def.Rewards, 2)
	assert.Equal(t, core.RuleTopN{N: 100}, def.Rewards[0].Rule)
	assert.Equal(t, core.RuleMinReferrals{Threshold: 3}, def.Rewards[1].Rule)
	require.NotNil(t, def.Rewards[1].MaxRecipients)
	assert.Equal(t, 500, *def.Rewards[1].MaxRecipients)
}

func TestParseCampaign_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{"missing waitlist", `{"id": "c"}`, core.ErrInvalidSettings},
		{"unknown status", `{"id": "c", "waitlistId": "w", "status": "ARCHIVED"}`, core.ErrInvalidSettings},
		{"unsupported scoring mode", `{"id": "c", "waitlistId": "w", "settings": {"scoringMode": "ELO"}}`, core.ErrInvalidSettings},
		{"unknown event", `{"id": "c", "waitlistId": "w", "rules": [{"id": "r", "event": "LOGIN", "points": 1}]}`, core.ErrInvalidCondition},
		{"bad condition", `{"id": "c", "waitlistId": "w", "rules": [{"id": "r", "event": "SIGNUP", "points": 1, "condition": {"streak": 3}}]}`, core.ErrInvalidCondition},
		{"duplicate rule", `{"id": "c", "waitlistId": "w", "rules": [{"id": "r", "event": "SIGNUP"}, {"id": "r", "event": "SIGNUP"}]}`, core.ErrInvalidCondition},
		{"unknown reward kind", `{"id": "c", "waitlistId": "w", "rewards": [{"id": "x", "kind": "RAFFLE"}]}`, core.ErrInvalidDistribution},
		{"top n without n", `{"id": "c", "waitlistId": "w", "rewards": [{"id": "x", "kind": "TOP_N"}]}`, core.ErrInvalidDistribution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestFactory().ParseCampaign(tt.json)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseCampaign_ConditionErrorNamesRule(t *testing.T) {
	_, err := newTestFactory().ParseCampaign(`{"id": "c", "waitlistId": "w", "rules": [{"id": "bonus", "event": "MILESTONE", "condition": {"referralCount": {"approx": 3}}}]}`)

	var cerr *core.ConditionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, core.RuleID("bonus"), cerr.RuleID)
}

func TestInstall_AtomicWithRulesAndRewards(t *testing.T) {
	f := newTestFactory()
	mem := store.NewMemory()
	ctx := context.Background()

	def, err := f.ParseCampaign(LaunchCampaignJSON("launch", "wl-1", 25, 50, 10))
	require.NoError(t, err)
	require.NoError(t, f.Install(ctx, mem, def))

	camp, err := mem.FindCampaignByWaitlist(ctx, "wl-1")
	require.NoError(t, err)
	require.NotNil(t, camp)
	assert.Equal(t, core.CampaignActive, camp.Status)

	rules, err := mem.ListActiveRules(ctx, "launch", core.EventReferralConfirmed)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 25, rules[0].Points)

	rewards, err := mem.ListRewards(ctx, "launch")
	require.NoError(t, err)
	assert.Len(t, rewards, 1)

	// A second campaign for the same waitlist leaves nothing behind
	other, err := f.ParseCampaign(MilestoneCampaignJSON("other", "wl-1", 10, 5))
	require.NoError(t, err)
	err = f.Install(ctx, mem, other)
	assert.ErrorIs(t, err, core.ErrDuplicateCampaign)

	rewards, err = mem.ListRewards(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, rewards)
}

func sharedIDCampaign(id, waitlistID string, points int) string {
	return `{
		"id": "` + id + `", "waitlistId": "` + waitlistID + `", "status": "ACTIVE",
		"rules": [{"id": "per-referral", "event": "REFERRAL_CONFIRMED", "points": ` + fmt.Sprint(points) + `}],
		"rewards": [{"id": "early-access", "kind": "TOP_N", "params": {"topN": 3}}]
	}`
}

func TestInstall_RuleAndRewardIDsStayWithTheirCampaign(t *testing.T) {
	sqlite, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	stores := map[string]core.TxStore{"memory": store.NewMemory(), "sqlite": sqlite}
	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newTestFactory()

			// GIVEN: waitlist A owns rule "per-referral" and reward "early-access"
			a, err := f.ParseCampaign(sharedIDCampaign("camp-a", "wl-a", 25))
			require.NoError(t, err)
			require.NoError(t, f.Install(ctx, st, a))

			// WHEN: waitlist B imports a campaign reusing both ids
			b, err := f.ParseCampaign(sharedIDCampaign("camp-b", "wl-b", 999))
			require.NoError(t, err)
			err = f.Install(ctx, st, b)

			// THEN: B is refused and A is untouched
			require.ErrorIs(t, err, core.ErrConfigIDInUse)
			assert.True(t, core.IsConflict(err))

			rules, err := st.ListActiveRules(ctx, "camp-a", core.EventReferralConfirmed)
			require.NoError(t, err)
			require.Len(t, rules, 1)
			assert.Equal(t, 25, rules[0].Points)
			assert.Equal(t, core.CampaignID("camp-a"), rules[0].CampaignID)

			rewards, err := st.ListRewards(ctx, "camp-a")
			require.NoError(t, err)
			assert.Len(t, rewards, 1)

			camp, err := st.FindCampaignByWaitlist(ctx, "wl-b")
			require.NoError(t, err)
			assert.Nil(t, camp, "the failed install rolls back")

			// Re-saving a rule under its own campaign still updates it
			rule := rules[0]
			rule.Points = 30
			require.NoError(t, st.WithTx(ctx, func(s core.Store) error { return s.SavePointRule(ctx, rule) }))
			rules, err = st.ListActiveRules(ctx, "camp-a", core.EventReferralConfirmed)
			require.NoError(t, err)
			require.Len(t, rules, 1)
			assert.Equal(t, 30, rules[0].Points)
		})
	}
}

func TestPresets_Parse(t *testing.T) {
	f := newTestFactory()
	for name, jsonStr := range map[string]string{
		"launch":    LaunchCampaignJSON("a", "wl", 25, 50, 10),
		"milestone": MilestoneCampaignJSON("b", "wl", 10, 5),
		"verified":  VerifiedOnlyCampaignJSON("c", "wl", 20, 40),
	} {
		_, err := f.ParseCampaign(jsonStr)
		assert.NoError(t, err, name)
	}
}

func TestToJSON_RoundTripsThroughParse(t *testing.T) {
	f := newTestFactory()
	def, err := f.ParseCampaign(MilestoneCampaignJSON("m", "wl-1", 10, 5))
	require.NoError(t, err)

	cj, err := f.ToJSON(def)
	require.NoError(t, err)
	raw, err := json.Marshal(cj)
	require.NoError(t, err)

	again, err := f.ParseCampaign(string(raw))
	require.NoError(t, err)
	assert.Equal(t, def, again)
}
