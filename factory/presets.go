package factory

import (
	"encoding/json"
)

// =============================================================================
// PRESETS - Ready-made campaign definitions
// =============================================================================

// LaunchCampaignJSON is the classic referral race: points per confirmed
// referral, a bonus for the first one, early access for the top N.
func LaunchCampaignJSON(id, waitlistID string, perReferral, firstBonus, topN int) string {
	cj := map[string]interface{}{
		"id":         id,
		"waitlistId": waitlistID,
		"name":       "Launch referral race",
		"status":     "ACTIVE",
		"settings": map[string]interface{}{
			"referralsEnabled":    true,
			"snapshotLeaderboard": true,
		},
		"rules": []map[string]interface{}{
			{"id": id + "-per-referral", "event": "REFERRAL_CONFIRMED", "points": perReferral},
			{"id": id + "-first-bonus", "event": "REFERRAL_CONFIRMED", "points": firstBonus,
				"priority": 1, "condition": map[string]interface{}{"firstReferralOnly": true}},
		},
		"rewards": []map[string]interface{}{
			{"id": id + "-early-access", "name": "Early access", "kind": "TOP_N",
				"params": map[string]interface{}{"topN": topN}},
		},
	}
	b, _ := json.MarshalIndent(cj, "", "  ")
	return string(b)
}

// MilestoneCampaignJSON rewards referral volume instead of position: a
// bonus at 3 and 10 confirmed referrals and a capped reward at 5.
func MilestoneCampaignJSON(id, waitlistID string, perReferral, capacity int) string {
	cj := map[string]interface{}{
		"id":         id,
		"waitlistId": waitlistID,
		"name":       "Referral milestones",
		"status":     "ACTIVE",
		"rules": []map[string]interface{}{
			{"id": id + "-per-referral", "event": "REFERRAL_CONFIRMED", "points": perReferral},
			{"id": id + "-three", "event": "MILESTONE", "points": 50,
				"condition": map[string]interface{}{"referralCount": map[string]int{"eq": 3}}},
			{"id": id + "-ten", "event": "MILESTONE", "points": 200,
				"condition": map[string]interface{}{"referralCount": map[string]int{"eq": 10}}},
			{"id": id + "-verified", "event": "EMAIL_VERIFIED", "points": 10},
		},
		"rewards": []map[string]interface{}{
			{"id": id + "-beta-seat", "name": "Beta seat", "kind": "MIN_REFERRALS",
				"params": map[string]interface{}{"minReferrals": 5}, "maxRecipients": capacity},
			{"id": id + "-founder-call", "name": "Call with the founders", "kind": "MANUAL"},
		},
	}
	b, _ := json.MarshalIndent(cj, "", "  ")
	return string(b)
}

// VerifiedOnlyCampaignJSON only credits referrals once the referred email is
// verified.
func VerifiedOnlyCampaignJSON(id, waitlistID string, perReferral, minScore int) string {
	cj := map[string]interface{}{
		"id":         id,
		"waitlistId": waitlistID,
		"name":       "Verified referrals",
		"status":     "ACTIVE",
		"settings": map[string]interface{}{
			"requireEmailVerification": true,
		},
		"rules": []map[string]interface{}{
			{"id": id + "-per-referral", "event": "REFERRAL_CONFIRMED", "points": perReferral},
			{"id": id + "-verified", "event": "EMAIL_VERIFIED", "points": 5},
		},
		"rewards": []map[string]interface{}{
			{"id": id + "-sticker", "name": "Sticker pack", "kind": "MIN_SCORE",
				"params": map[string]interface{}{"minScore": minScore}},
		},
	}
	b, _ := json.MarshalIndent(cj, "", "  ")
	return string(b)
}
