package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CONDITIONS
// =============================================================================

func TestParseCondition(t *testing.T) {
	min := 100
	tests := []struct {
		name string
		raw  string
		want Condition
	}{
		{"empty", ``, nil},
		{"null", `null`, nil},
		{"empty object", `{}`, nil},
		{"first referral", `{"firstReferralOnly": true}`, CondFirstReferralOnly{}},
		{"min score", `{"minScore": 100}`, CondMinScore{Min: min}},
		{"verified", `{"requiresEmailVerified": true}`, CondRequiresVerified{}},
		{"single operator", `{"referralCount": {"eq": 3}}`, CondReferralCount{Op: OpEq, N: 3}},
		{"range", `{"referralCount": {"lt": 10, "gte": 3}}`,
			CondAll{CondReferralCount{Op: OpGte, N: 3}, CondReferralCount{Op: OpLt, N: 10}}},
		{"conjunction", `{"minScore": 100, "requiresEmailVerified": true}`,
			CondAll{CondMinScore{Min: 100}, CondRequiresVerified{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCondition([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCondition_Invalid(t *testing.T) {
	for _, raw := range []string{
		`{"referralCount": {"between": 3}}`,
		`{"streak": 4}`,
		`[1, 2]`,
		`{"minScore": "high"}`,
	} {
		_, err := ParseCondition([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidCondition, raw)

		var cerr *ConditionError
		assert.True(t, errors.As(err, &cerr), raw)
	}
}

func TestEncodeCondition_ParsesBack(t *testing.T) {
	cond := CondAll{CondReferralCount{Op: OpGte, N: 3}, CondReferralCount{Op: OpLt, N: 10}, CondRequiresVerified{}}

	raw, err := EncodeCondition(cond)
	require.NoError(t, err)
	back, err := ParseCondition(raw)
	require.NoError(t, err)

	assert.Equal(t, cond, back)
}

func TestEncodeCondition_RejectsDuplicateKeys(t *testing.T) {
	_, err := EncodeCondition(CondAll{CondMinScore{Min: 1}, CondMinScore{Min: 2}})
	assert.ErrorIs(t, err, ErrInvalidCondition)

	raw, err := EncodeCondition(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestConditionHolds(t *testing.T) {
	stats := Stats{Score: 120, EmailVerified: true, ConfirmedReferrals: 3}

	assert.True(t, ConditionHolds(nil, stats))
	assert.True(t, ConditionHolds(CondAll{}, stats))
	assert.True(t, ConditionHolds(CondReferralCount{Op: OpEq, N: 3}, stats))
	assert.True(t, ConditionHolds(CondReferralCount{Op: OpGt, N: 2}, stats))
	assert.True(t, ConditionHolds(CondReferralCount{Op: OpLte, N: 3}, stats))
	assert.False(t, ConditionHolds(CondReferralCount{Op: OpLt, N: 3}, stats))
	assert.False(t, ConditionHolds(CondReferralCount{Op: "between", N: 3}, stats))
	assert.False(t, ConditionHolds(CondFirstReferralOnly{}, stats))
	assert.True(t, ConditionHolds(CondFirstReferralOnly{}, Stats{ConfirmedReferrals: 1}))
	assert.True(t, ConditionHolds(CondMinScore{Min: 120}, stats))
	assert.False(t, ConditionHolds(CondRequiresVerified{}, Stats{}))
	assert.False(t, ConditionHolds(CondAll{CondMinScore{Min: 1}, CondRequiresVerified{}}, Stats{Score: 5}))
}

// =============================================================================
// DISTRIBUTION RULES
// =============================================================================

func TestParseDistribution(t *testing.T) {
	rule, err := ParseDistribution(DistTopN, []byte(`{"topN": 3}`))
	require.NoError(t, err)
	assert.Equal(t, RuleTopN{N: 3}, rule)

	rule, err = ParseDistribution(DistMinReferrals, []byte(`{"minReferrals": 0}`))
	require.NoError(t, err)
	assert.Equal(t, RuleMinReferrals{Threshold: 0}, rule)

	rule, err = ParseDistribution(DistManual, nil)
	require.NoError(t, err)
	assert.Equal(t, RuleManual{}, rule)

	for _, bad := range []struct {
		kind   DistributionKind
		params string
	}{
		{DistTopN, `{}`},
		{DistTopN, `{"topN": 0}`},
		{DistMinScore, ``},
		{DistMinReferrals, `{"minReferrals": -1}`},
		{DistMinScore, `{"minScore": "lots"}`},
		{"RAFFLE", `{}`},
	} {
		_, err := ParseDistribution(bad.kind, []byte(bad.params))
		assert.ErrorIs(t, err, ErrInvalidDistribution, "%s %s", bad.kind, bad.params)
	}
}

func TestEncodeDistribution_ParsesBack(t *testing.T) {
	for _, rule := range []DistributionRule{RuleTopN{N: 10}, RuleMinScore{Threshold: -5}, RuleMinReferrals{Threshold: 2}, RuleManual{}} {
		raw, err := EncodeDistribution(rule)
		require.NoError(t, err)
		back, err := ParseDistribution(rule.Kind(), raw)
		require.NoError(t, err)
		assert.Equal(t, rule, back)
	}
}

func TestDistributionQualifies(t *testing.T) {
	assert.True(t, RuleTopN{N: 3}.Qualifies(Stats{Rank: 3}))
	assert.False(t, RuleTopN{N: 3}.Qualifies(Stats{Rank: 4}))
	assert.False(t, RuleTopN{N: 3}.Qualifies(Stats{Rank: 0}), "unknown rank never qualifies")
	assert.Equal(t, RuleTopN{N: 2}, RuleTopN{N: 3}.Capped(2))
	assert.Equal(t, RuleTopN{N: 3}, RuleTopN{N: 3}.Capped(0))
	assert.Equal(t, RuleTopN{N: 3}, RuleTopN{N: 3}.Capped(10))

	assert.True(t, RuleMinScore{Threshold: 50}.Qualifies(Stats{Score: 50}))
	assert.True(t, RuleMinReferrals{Threshold: 2}.Qualifies(Stats{ConfirmedReferrals: 2}))
	assert.False(t, RuleManual{}.Qualifies(Stats{Score: 1000, Rank: 1}))
}

// =============================================================================
// CAMPAIGN STATUS AND SETTINGS
// =============================================================================

func TestCampaignStatus_Transitions(t *testing.T) {
	allowed := map[[2]CampaignStatus]bool{
		{CampaignDraft, CampaignActive}:  true,
		{CampaignActive, CampaignPaused}: true,
		{CampaignActive, CampaignEnded}:  true,
		{CampaignPaused, CampaignActive}: true,
		{CampaignPaused, CampaignEnded}:  true,
	}
	all := []CampaignStatus{CampaignDraft, CampaignActive, CampaignPaused, CampaignEnded}
	for _, from := range all {
		assert.True(t, from.Valid())
		for _, to := range all {
			assert.Equal(t, allowed[[2]CampaignStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CampaignStatus("ARCHIVED").Valid())
}

func TestCampaignSettings_Validate(t *testing.T) {
	assert.NoError(t, DefaultSettings().Validate())
	assert.NoError(t, CampaignSettings{}.Validate())

	err := CampaignSettings{ScoringMode: "REFERRAL_COUNT"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.ErrorIs(t, CampaignSettings{TieBreaker: "RANDOM"}.Validate(), ErrInvalidSettings)
	assert.ErrorIs(t, CampaignSettings{MaxWinners: -1}.Validate(), ErrInvalidSettings)
}

// =============================================================================
// ORDERING AND LEDGER
// =============================================================================

func TestOutranks(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Second)

	assert.True(t, Outranks(10, late, "b", 5, early, "a"), "score first")
	assert.True(t, Outranks(5, early, "b", 5, late, "a"), "earliest signup on a tie")
	assert.True(t, Outranks(5, early, "a", 5, early, "b"), "id last")
	assert.False(t, Outranks(5, early, "a", 5, early, "a"), "strict")
}

func TestLedgerKey(t *testing.T) {
	assert.Equal(t, "sub-1:REFERRAL_CONFIRMED:r1:ref-9", LedgerKey("sub-1", EventReferralConfirmed, "r1", "ref-9"))
	assert.Empty(t, LedgerKey("sub-1", EventManual, "", ""))
}

func TestSumEntriesAndDrift(t *testing.T) {
	assert.Equal(t, 15, SumEntries([]LedgerEntry{{Points: 25}, {Points: -10}}))
	assert.Equal(t, 0, SumEntries(nil))
	assert.Equal(t, 5, Drift{Score: 10, LedgerSum: 15}.Delta())
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, IsNotFound(errors.Join(errors.New("load"), ErrRewardNotFound)))
	assert.True(t, IsConflict(ErrDuplicateCampaign))
	assert.True(t, IsRetryable(ErrConcurrentModification))
	assert.True(t, IsClientError(&SettingsError{Field: "tieBreaker", Value: "RANDOM"}))
	assert.True(t, IsClientError(&ConditionError{RuleID: "r1", Raw: "{}", Reason: "x"}))
	assert.False(t, IsClientError(ErrSubscriberNotFound))
}
