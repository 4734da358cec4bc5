/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Populates the database with a campaign and a realistic referral graph so
  the leaderboard, rewards and snapshots can be explored without a client.
  Every scenario goes through the real engines (Join, VerifyEmail, End).

AVAILABLE SCENARIOS:
  launch-race:         points per referral + first-referral bonus, top-3 early access
  milestones:          milestone bonuses, capped beta seats, a manual grant
  verified-referrals:  referrals only count once the referred email is verified

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Install the campaign via the factory presets
  3. Join subscribers, some with referral codes
  4. Optionally verify emails, grant rewards, end the campaign

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "launch-race"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/factory"
	"github.com/warp/waitlist-engine/referral"
)

// DemoWaitlist is the waitlist every scenario populates.
const DemoWaitlist core.WaitlistID = "demo"

var scenarios = []ScenarioDTO{
	{
		ID:          "launch-race",
		Name:        "Launch Race",
		Description: "25 points per referral, +50 for the first one, early access for the top 3",
	},
	{
		ID:          "milestones",
		Name:        "Referral Milestones",
		Description: "Milestone bonuses at 3 referrals, 2 beta seats for 5+ referrals, a manual founder call",
	},
	{
		ID:          "verified-referrals",
		Name:        "Verified Referrals",
		Description: "Referrals stay pending until the referred email is verified",
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "launch-race":
		load = h.loadLaunchRaceScenario
	case "milestones":
		load = h.loadMilestonesScenario
	case "verified-referrals":
		load = h.loadVerifiedReferralsScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID, "waitlist_id": string(DemoWaitlist)})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) installPreset(ctx context.Context, jsonStr string) (*factory.Definition, error) {
	def, err := h.Factory.ParseCampaign(jsonStr)
	if err != nil {
		return nil, err
	}
	if err := h.Factory.Install(ctx, h.Store, def); err != nil {
		return nil, err
	}
	return def, nil
}

// joinAll joins each (email, referrer email) pair in order. A referrer email
// must appear earlier in the list.
func (h *Handler) joinAll(ctx context.Context, people [][2]string) (map[string]*core.Subscriber, error) {
	joined := make(map[string]*core.Subscriber, len(people))
	for _, p := range people {
		email, referrer := p[0], p[1]
		code := ""
		if referrer != "" {
			code = joined[referrer].ReferralCode
		}
		res, err := h.Referrals.Join(ctx, referral.JoinInput{WaitlistID: DemoWaitlist, Email: email, ReferralCode: code})
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", email, err)
		}
		joined[email] = res.Subscriber
	}
	return joined, nil
}

func (h *Handler) loadLaunchRaceScenario(ctx context.Context) error {
	if _, err := h.installPreset(ctx, factory.LaunchCampaignJSON("launch", string(DemoWaitlist), 25, 50, 3)); err != nil {
		return err
	}
	_, err := h.joinAll(ctx, [][2]string{
		{"ada@example.com", ""},
		{"grace@example.com", ""},
		{"alan@example.com", "ada@example.com"},
		{"edsger@example.com", "ada@example.com"},
		{"barbara@example.com", "grace@example.com"},
		{"donald@example.com", "alan@example.com"},
		{"margaret@example.com", "ada@example.com"},
		{"ken@example.com", ""},
	})
	if err != nil {
		return err
	}
	_, err = h.Ranker.CreateSnapshot(ctx, DemoWaitlist, false)
	return err
}

func (h *Handler) loadMilestonesScenario(ctx context.Context) error {
	def, err := h.installPreset(ctx, factory.MilestoneCampaignJSON("milestones", string(DemoWaitlist), 10, 2))
	if err != nil {
		return err
	}

	people := [][2]string{{"hub@example.com", ""}, {"spoke@example.com", ""}}
	for i := 1; i <= 6; i++ {
		people = append(people, [2]string{fmt.Sprintf("friend%d@example.com", i), "hub@example.com"})
	}
	for i := 1; i <= 5; i++ {
		people = append(people, [2]string{fmt.Sprintf("colleague%d@example.com", i), "spoke@example.com"})
	}
	joined, err := h.joinAll(ctx, people)
	if err != nil {
		return err
	}

	for _, reward := range def.Rewards {
		if reward.Rule.Kind() != core.DistManual {
			continue
		}
		if _, err := h.Rewards.Grant(ctx, joined["friend1@example.com"].ID, reward.ID); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadVerifiedReferralsScenario(ctx context.Context) error {
	if _, err := h.installPreset(ctx, factory.VerifiedOnlyCampaignJSON("verified", string(DemoWaitlist), 20, 40)); err != nil {
		return err
	}
	joined, err := h.joinAll(ctx, [][2]string{
		{"lin@example.com", ""},
		{"sam@example.com", "lin@example.com"},
		{"kai@example.com", "lin@example.com"},
		{"noa@example.com", "sam@example.com"},
	})
	if err != nil {
		return err
	}
	for _, email := range []string{"sam@example.com", "kai@example.com"} {
		if _, err := h.Referrals.VerifyEmail(ctx, DemoWaitlist, joined[email].ID); err != nil {
			return err
		}
	}
	return nil
}
