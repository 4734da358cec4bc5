/*
Package factory converts JSON campaign definitions into core types.

PURPOSE:
  A campaign is configuration: settings, point rules and rewards. The
  factory lets an operator define all three as one JSON document, validates
  it up front (conditions and distribution rules are parsed once, here) and
  installs it atomically.

JSON SCHEMA:
  {
    "id": "launch-2026",
    "waitlistId": "wl-1",
    "name": "Spring launch",
    "status": "DRAFT",
    "endsAt": "2026-06-01T00:00:00Z",
    "settings": {
      "referralsEnabled": true,
      "requireEmailVerification": false,
      "maxWinners": 100,
      "snapshotLeaderboard": true
    },
    "rules": [
      {"id": "per-referral", "event": "REFERRAL_CONFIRMED", "points": 25},
      {"id": "first-bonus",  "event": "REFERRAL_CONFIRMED", "points": 50,
       "priority": 1, "condition": {"firstReferralOnly": true}}
    ],
    "rewards": [
      {"id": "early-access", "kind": "TOP_N", "params": {"topN": 100}},
      {"id": "beta-seat", "kind": "MIN_REFERRALS", "params": {"minReferrals": 3},
       "maxRecipients": 500}
    ]
  }

DEFAULTS:
  - status DRAFT, settings from core.DefaultSettings for omitted fields
  - rule name = rule id, rule active unless "active": false
  - reward name = reward id

SEE ALSO:
  - core/condition.go: condition JSON
  - core/distribution.go: distribution params JSON
  - factory/presets.go: ready-made definitions
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/waitlist-engine/core"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CampaignJSON is the JSON representation of a campaign definition.
type CampaignJSON struct {
	ID         string        `json:"id"`
	WaitlistID string        `json:"waitlistId"`
	Name       string        `json:"name"`
	Status     string        `json:"status,omitempty"`
	EndsAt     *time.Time    `json:"endsAt,omitempty"`
	Settings   *SettingsJSON `json:"settings,omitempty"`
	Rules      []RuleJSON    `json:"rules,omitempty"`
	Rewards    []RewardJSON  `json:"rewards,omitempty"`
}

// SettingsJSON uses pointers so omitted fields keep their defaults.
type SettingsJSON struct {
	ReferralsEnabled         *bool  `json:"referralsEnabled,omitempty"`
	AllowSelfReferrals       *bool  `json:"allowSelfReferrals,omitempty"`
	RequireEmailVerification *bool  `json:"requireEmailVerification,omitempty"`
	ScoringMode              string `json:"scoringMode,omitempty"`
	TieBreaker               string `json:"tieBreaker,omitempty"`
	MaxWinners               int    `json:"maxWinners,omitempty"`
	SnapshotLeaderboard      *bool  `json:"snapshotLeaderboard,omitempty"`
}

// RuleJSON represents a point rule.
type RuleJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Event     string          `json:"event"`
	Points    int             `json:"points"`
	Priority  int             `json:"priority,omitempty"`
	Condition json.RawMessage `json:"condition,omitempty"`
	Active    *bool           `json:"active,omitempty"`
}

// RewardJSON represents a reward and its distribution rule.
type RewardJSON struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Kind          string          `json:"kind"`
	Params        json.RawMessage `json:"params,omitempty"`
	MaxRecipients *int            `json:"maxRecipients,omitempty"`
}

// Definition is a parsed, validated campaign ready to install.
type Definition struct {
	Campaign core.Campaign
	Rules    []core.PointRule
	Rewards  []core.Reward
}

// =============================================================================
// CAMPAIGN FACTORY
// =============================================================================

// CampaignFactory converts JSON definitions to core types.
type CampaignFactory struct {
	Now core.Clock
}

func NewCampaignFactory() *CampaignFactory {
	return &CampaignFactory{Now: core.SystemClock}
}

// ParseCampaign parses a JSON document into a Definition.
func (f *CampaignFactory) ParseCampaign(jsonStr string) (*Definition, error) {
	var cj CampaignJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, fmt.Errorf("failed to parse campaign JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates a decoded definition and builds the core types.
func (f *CampaignFactory) FromJSON(cj CampaignJSON) (*Definition, error) {
	if cj.ID == "" {
		return nil, fmt.Errorf("%w: campaign id is required", core.ErrInvalidSettings)
	}
	if cj.WaitlistID == "" {
		return nil, fmt.Errorf("%w: waitlistId is required", core.ErrInvalidSettings)
	}

	status := core.CampaignDraft
	if cj.Status != "" {
		status = core.CampaignStatus(cj.Status)
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", core.ErrInvalidSettings, cj.Status)
		}
	}

	settings := parseSettings(cj.Settings)
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	now := f.Now()
	campaignID := core.CampaignID(cj.ID)
	def := &Definition{
		Campaign: core.Campaign{
			ID:         campaignID,
			WaitlistID: core.WaitlistID(cj.WaitlistID),
			Name:       cj.Name,
			Status:     status,
			Settings:   settings,
			EndsAt:     cj.EndsAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	seenRules := make(map[string]bool, len(cj.Rules))
	for _, rj := range cj.Rules {
		if seenRules[rj.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", core.ErrInvalidCondition, rj.ID)
		}
		seenRules[rj.ID] = true
		rule, err := parseRule(campaignID, rj)
		if err != nil {
			return nil, err
		}
		def.Rules = append(def.Rules, rule)
	}

	seenRewards := make(map[string]bool, len(cj.Rewards))
	for _, wj := range cj.Rewards {
		if seenRewards[wj.ID] {
			return nil, fmt.Errorf("%w: duplicate reward id %q", core.ErrInvalidDistribution, wj.ID)
		}
		seenRewards[wj.ID] = true
		reward, err := parseReward(campaignID, wj, now)
		if err != nil {
			return nil, err
		}
		def.Rewards = append(def.Rewards, reward)
	}
	return def, nil
}

// Install stores the campaign with its rules and rewards in one transaction.
func (f *CampaignFactory) Install(ctx context.Context, store core.TxStore, def *Definition) error {
	return store.WithTx(ctx, func(s core.Store) error {
		if err := s.CreateCampaign(ctx, def.Campaign); err != nil {
			return fmt.Errorf("create campaign %s: %w", def.Campaign.ID, err)
		}
		for _, rule := range def.Rules {
			if err := s.SavePointRule(ctx, rule); err != nil {
				return fmt.Errorf("save rule %s: %w", rule.ID, err)
			}
		}
		for _, reward := range def.Rewards {
			if err := s.SaveReward(ctx, reward); err != nil {
				return fmt.Errorf("save reward %s: %w", reward.ID, err)
			}
		}
		return nil
	})
}

// ToJSON converts a definition back to its JSON form.
func (f *CampaignFactory) ToJSON(def *Definition) (CampaignJSON, error) {
	s := def.Campaign.Settings
	cj := CampaignJSON{
		ID:         string(def.Campaign.ID),
		WaitlistID: string(def.Campaign.WaitlistID),
		Name:       def.Campaign.Name,
		Status:     string(def.Campaign.Status),
		EndsAt:     def.Campaign.EndsAt,
		Settings: &SettingsJSON{
			ReferralsEnabled:         &s.ReferralsEnabled,
			AllowSelfReferrals:       &s.AllowSelfReferrals,
			RequireEmailVerification: &s.RequireEmailVerification,
			ScoringMode:              string(s.ScoringMode),
			TieBreaker:               string(s.TieBreaker),
			MaxWinners:               s.MaxWinners,
			SnapshotLeaderboard:      &s.SnapshotLeaderboard,
		},
	}
	for _, r := range def.Rules {
		cond, err := core.EncodeCondition(r.Condition)
		if err != nil {
			return CampaignJSON{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		active := r.Active
		cj.Rules = append(cj.Rules, RuleJSON{
			ID: string(r.ID), Name: r.Name, Event: string(r.Event), Points: r.Points,
			Priority: r.Priority, Condition: cond, Active: &active,
		})
	}
	for _, w := range def.Rewards {
		params, err := core.EncodeDistribution(w.Rule)
		if err != nil {
			return CampaignJSON{}, fmt.Errorf("reward %s: %w", w.ID, err)
		}
		cj.Rewards = append(cj.Rewards, RewardJSON{
			ID: string(w.ID), Name: w.Name, Kind: string(w.Rule.Kind()), Params: params, MaxRecipients: w.MaxRecipients,
		})
	}
	return cj, nil
}

// =============================================================================
// PARSE HELPERS
// =============================================================================

func parseSettings(sj *SettingsJSON) core.CampaignSettings {
	s := core.DefaultSettings()
	if sj == nil {
		return s
	}
	if sj.ReferralsEnabled != nil {
		s.ReferralsEnabled = *sj.ReferralsEnabled
	}
	if sj.AllowSelfReferrals != nil {
		s.AllowSelfReferrals = *sj.AllowSelfReferrals
	}
	if sj.RequireEmailVerification != nil {
		s.RequireEmailVerification = *sj.RequireEmailVerification
	}
	if sj.ScoringMode != "" {
		s.ScoringMode = core.ScoringMode(sj.ScoringMode)
	}
	if sj.TieBreaker != "" {
		s.TieBreaker = core.TieBreaker(sj.TieBreaker)
	}
	if sj.SnapshotLeaderboard != nil {
		s.SnapshotLeaderboard = *sj.SnapshotLeaderboard
	}
	s.MaxWinners = sj.MaxWinners
	return s
}

func parseRule(campaignID core.CampaignID, rj RuleJSON) (core.PointRule, error) {
	if rj.ID == "" {
		return core.PointRule{}, fmt.Errorf("%w: rule id is required", core.ErrInvalidCondition)
	}
	event := core.EventType(rj.Event)
	if !event.Valid() {
		return core.PointRule{}, &core.ConditionError{RuleID: core.RuleID(rj.ID), Raw: rj.Event, Reason: "unknown event"}
	}
	cond, err := core.ParseCondition(rj.Condition)
	if err != nil {
		if ce, ok := err.(*core.ConditionError); ok {
			ce.RuleID = core.RuleID(rj.ID)
		}
		return core.PointRule{}, err
	}

	name := rj.Name
	if name == "" {
		name = rj.ID
	}
	active := true
	if rj.Active != nil {
		active = *rj.Active
	}
	return core.PointRule{
		ID:         core.RuleID(rj.ID),
		CampaignID: campaignID,
		Name:       name,
		Event:      event,
		Points:     rj.Points,
		Priority:   rj.Priority,
		Condition:  cond,
		Active:     active,
	}, nil
}

func parseReward(campaignID core.CampaignID, wj RewardJSON, now time.Time) (core.Reward, error) {
	if wj.ID == "" {
		return core.Reward{}, fmt.Errorf("%w: reward id is required", core.ErrInvalidDistribution)
	}
	rule, err := core.ParseDistribution(core.DistributionKind(wj.Kind), wj.Params)
	if err != nil {
		return core.Reward{}, fmt.Errorf("reward %s: %w", wj.ID, err)
	}
	if wj.MaxRecipients != nil && *wj.MaxRecipients < 0 {
		return core.Reward{}, fmt.Errorf("%w: reward %s: negative maxRecipients", core.ErrInvalidDistribution, wj.ID)
	}

	name := wj.Name
	if name == "" {
		name = wj.ID
	}
	return core.Reward{
		ID:            core.RewardID(wj.ID),
		CampaignID:    campaignID,
		Name:          name,
		Rule:          rule,
		MaxRecipients: wj.MaxRecipients,
		CreatedAt:     now,
	}, nil
}
