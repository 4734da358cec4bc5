/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the core model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

  Campaign definitions are the exception: the import endpoint takes
  factory.CampaignJSON as is.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/campaign.go: CampaignJSON
*/
package api

import (
	"time"

	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/leaderboard"
	"github.com/warp/waitlist-engine/referral"
	"github.com/warp/waitlist-engine/rewards"
)

// =============================================================================
// SUBSCRIBERS AND JOIN
// =============================================================================

type JoinRequest struct {
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type SubscriberDTO struct {
	ID            string    `json:"id"`
	WaitlistID    string    `json:"waitlist_id"`
	Email         string    `json:"email"`
	ReferralCode  string    `json:"referral_code"`
	Score         int       `json:"score"`
	Rank          *int      `json:"rank,omitempty"`
	ReferredBy    *string   `json:"referred_by,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

type ReferralResultDTO struct {
	Outcome       string      `json:"outcome"`
	Rejection     string      `json:"rejection,omitempty"`
	ReferralID    string      `json:"referral_id,omitempty"`
	ReferrerID    string      `json:"referrer_id,omitempty"`
	PointsAwarded int         `json:"points_awarded"`
	ReferrerRank  int         `json:"referrer_rank,omitempty"`
	RankError     string      `json:"rank_error,omitempty"`
	Unlocked      []UnlockDTO `json:"unlocked,omitempty"`
}

type JoinResponse struct {
	Subscriber    SubscriberDTO      `json:"subscriber"`
	Created       bool               `json:"created"`
	Referral      *ReferralResultDTO `json:"referral,omitempty"`
	ReferralError string             `json:"referral_error,omitempty"`
}

type VerifyResponse struct {
	AlreadyVerified bool               `json:"already_verified"`
	Points          int                `json:"points"`
	Rank            int                `json:"rank,omitempty"`
	RankError       string             `json:"rank_error,omitempty"`
	Referral        *ReferralResultDTO `json:"referral,omitempty"`
}

type PositionDTO struct {
	SubscriberID string      `json:"subscriber_id"`
	Score        int         `json:"score"`
	Rank         int         `json:"rank"`
	Total        int         `json:"total"`
	TopPercent   string      `json:"top_percent"`
	Cached       bool        `json:"cached"`
	Rewards      []UnlockDTO `json:"rewards"`
}

// =============================================================================
// LEADERBOARD
// =============================================================================

type LeaderboardRowDTO struct {
	Rank          int       `json:"rank"`
	SubscriberID  string    `json:"subscriber_id"`
	Email         string    `json:"email"`
	Score         int       `json:"score"`
	ReferralCount int       `json:"referral_count"`
	JoinedAt      time.Time `json:"joined_at"`
}

type LeaderboardResponse struct {
	WaitlistID string              `json:"waitlist_id"`
	SnapshotID string              `json:"snapshot_id,omitempty"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
	Rows       []LeaderboardRowDTO `json:"rows"`
}

type SnapshotDTO struct {
	ID         string    `json:"id"`
	WaitlistID string    `json:"waitlist_id"`
	IsFinal    bool      `json:"is_final"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// CAMPAIGNS AND REWARDS
// =============================================================================

type CampaignDTO struct {
	ID         string                `json:"id"`
	WaitlistID string                `json:"waitlist_id"`
	Name       string                `json:"name"`
	Status     string                `json:"status"`
	Settings   core.CampaignSettings `json:"settings"`
	EndsAt     *time.Time            `json:"ends_at,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

type ImportCampaignResponse struct {
	Campaign CampaignDTO `json:"campaign"`
	Rules    int         `json:"rules"`
	Rewards  int         `json:"rewards"`
}

type EndCampaignResponse struct {
	Campaign CampaignDTO       `json:"campaign"`
	Snapshot *SnapshotDTO      `json:"snapshot,omitempty"`
	Resolve  *ResolveReportDTO `json:"resolve"`
}

type UnlockDTO struct {
	ID           string     `json:"id"`
	SubscriberID string     `json:"subscriber_id"`
	RewardID     string     `json:"reward_id"`
	Status       string     `json:"status"`
	UnlockedAt   time.Time  `json:"unlocked_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
}

type ResolveReportDTO struct {
	Subscribers int         `json:"subscribers"`
	Unlocked    []UnlockDTO `json:"unlocked"`
	Full        []string    `json:"full"`
}

type GrantRequest struct {
	SubscriberID string `json:"subscriber_id"`
}

// =============================================================================
// ADMIN
// =============================================================================

// AdjustmentRequest is a manual point correction. CampaignID defaults to the
// waitlist's campaign.
type AdjustmentRequest struct {
	WaitlistID   string `json:"waitlist_id"`
	CampaignID   string `json:"campaign_id,omitempty"`
	SubscriberID string `json:"subscriber_id"`
	Points       int    `json:"points"`
	Reason       string `json:"reason"`
	ReferenceID  string `json:"reference_id,omitempty"`
}

type AdjustmentResponse struct {
	Points    int    `json:"points"`
	Rank      int    `json:"rank,omitempty"`
	RankError string `json:"rank_error,omitempty"`
}

type DriftDTO struct {
	SubscriberID string `json:"subscriber_id"`
	Score        int    `json:"score"`
	LedgerSum    int    `json:"ledger_sum"`
}

type ReconcileResponse struct {
	RanksChecked int        `json:"ranks_checked"`
	RanksUpdated int        `json:"ranks_updated"`
	Drift        []DriftDTO `json:"drift"`
	Repaired     bool       `json:"repaired"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSubscriberDTO(s *core.Subscriber) SubscriberDTO {
	dto := SubscriberDTO{
		ID:            string(s.ID),
		WaitlistID:    string(s.WaitlistID),
		Email:         s.Email,
		ReferralCode:  s.ReferralCode,
		Score:         s.Score,
		Rank:          s.Rank,
		EmailVerified: s.EmailVerified,
		CreatedAt:     s.CreatedAt,
	}
	if s.ReferredBy != nil {
		ref := string(*s.ReferredBy)
		dto.ReferredBy = &ref
	}
	return dto
}

func toReferralResultDTO(r *referral.Result) *ReferralResultDTO {
	if r == nil {
		return nil
	}
	return &ReferralResultDTO{
		Outcome:       string(r.Outcome),
		Rejection:     string(r.Rejection),
		ReferralID:    string(r.ReferralID),
		ReferrerID:    string(r.ReferrerID),
		PointsAwarded: r.PointsAwarded,
		ReferrerRank:  r.ReferrerRank,
		RankError:     errString(r.RankErr),
		Unlocked:      toUnlockDTOs(r.Unlocked),
	}
}

func toLeaderboardRowDTOs(rows []core.LeaderboardRow) []LeaderboardRowDTO {
	dtos := make([]LeaderboardRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = LeaderboardRowDTO{
			Rank:          row.Rank,
			SubscriberID:  string(row.SubscriberID),
			Email:         row.Email,
			Score:         row.Score,
			ReferralCount: row.ReferralCount,
			JoinedAt:      row.JoinedAt,
		}
	}
	return dtos
}

func toSnapshotDTO(s *core.Snapshot) *SnapshotDTO {
	if s == nil {
		return nil
	}
	return &SnapshotDTO{
		ID:         string(s.ID),
		WaitlistID: string(s.WaitlistID),
		IsFinal:    s.IsFinal,
		Size:       s.Size,
		CreatedAt:  s.CreatedAt,
	}
}

func toCampaignDTO(c *core.Campaign) CampaignDTO {
	return CampaignDTO{
		ID:         string(c.ID),
		WaitlistID: string(c.WaitlistID),
		Name:       c.Name,
		Status:     string(c.Status),
		Settings:   c.Settings,
		EndsAt:     c.EndsAt,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func toUnlockDTO(u core.SubscriberReward) UnlockDTO {
	return UnlockDTO{
		ID:           u.ID,
		SubscriberID: string(u.SubscriberID),
		RewardID:     string(u.RewardID),
		Status:       string(u.Status),
		UnlockedAt:   u.UnlockedAt,
		ClaimedAt:    u.ClaimedAt,
	}
}

func toUnlockDTOs(unlocks []core.SubscriberReward) []UnlockDTO {
	dtos := make([]UnlockDTO, len(unlocks))
	for i, u := range unlocks {
		dtos[i] = toUnlockDTO(u)
	}
	return dtos
}

func toResolveReportDTO(r *rewards.ResolveReport) *ResolveReportDTO {
	if r == nil {
		return nil
	}
	full := make([]string, len(r.Full))
	for i, id := range r.Full {
		full[i] = string(id)
	}
	return &ResolveReportDTO{
		Subscribers: r.Subscribers,
		Unlocked:    toUnlockDTOs(r.Unlocked),
		Full:        full,
	}
}

func toPositionDTO(p *leaderboard.Position, unlocks []core.SubscriberReward) PositionDTO {
	return PositionDTO{
		SubscriberID: string(p.SubscriberID),
		Score:        p.Score,
		Rank:         p.Rank,
		Total:        p.Total,
		TopPercent:   p.TopPercent.StringFixed(2),
		Cached:       p.Cached,
		Rewards:      toUnlockDTOs(unlocks),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
