/*
Package campaign drives the campaign status machine.

STATES:
  DRAFT -> ACTIVE <-> PAUSED
  ACTIVE | PAUSED -> ENDED (terminal)

  Only ACTIVE campaigns accept referrals and award points. PAUSED keeps the
  leaderboard readable while referrals are refused. Becoming ACTIVE confirms
  referrals whose subscriber verified in the meantime (Service.Pending).

ENDING A CAMPAIGN (one transaction):
  1. Move to ENDED
  2. Materialize a final leaderboard snapshot if snapshotLeaderboard is set
  3. Resolve every reward against the final ordering

  EndDue ends every ACTIVE or PAUSED campaign whose endsAt has passed. The
  scheduler calls it periodically.
*/
package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/leaderboard"
	"github.com/warp/waitlist-engine/rewards"
)

// PendingConfirmer confirms referrals left pending while a campaign could not
// take them.
type PendingConfirmer interface {
	ConfirmPendingTx(ctx context.Context, s core.Store, camp *core.Campaign) (int, error)
}

// Service manages campaign lifecycles.
type Service struct {
	Store   core.TxStore
	Ranker  *leaderboard.Ranker
	Rewards *rewards.Engine
	Logger  *log.Logger
	Now     core.Clock

	// Pending runs when a campaign becomes ACTIVE, in the same transaction.
	Pending PendingConfirmer
}

func NewService(store core.TxStore, ranker *leaderboard.Ranker, rw *rewards.Engine) *Service {
	return &Service{
		Store:   store,
		Ranker:  ranker,
		Rewards: rw,
		Logger:  log.Default(),
		Now:     core.SystemClock,
	}
}

// =============================================================================
// CREATE AND READ
// =============================================================================

// Create stores a new DRAFT campaign. Zero-valued settings fields fall back
// to the defaults; unsupported modes are rejected with ErrInvalidSettings.
func (svc *Service) Create(ctx context.Context, c core.Campaign) (*core.Campaign, error) {
	if c.WaitlistID == "" {
		return nil, fmt.Errorf("%w: waitlist id is required", core.ErrInvalidSettings)
	}
	if err := c.Settings.Validate(); err != nil {
		return nil, err
	}
	if c.Settings.ScoringMode == "" {
		c.Settings.ScoringMode = core.ScoringModePoints
	}
	if c.Settings.TieBreaker == "" {
		c.Settings.TieBreaker = core.TieBreakEarliestSignup
	}
	if c.ID == "" {
		c.ID = core.CampaignID(uuid.NewString())
	}
	if c.Status == "" {
		c.Status = core.CampaignDraft
	}
	if !c.Status.Valid() {
		return nil, &core.TransitionError{CampaignID: c.ID, From: "", To: c.Status}
	}

	now := svc.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := svc.Store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (svc *Service) Get(ctx context.Context, id core.CampaignID) (*core.Campaign, error) {
	return svc.Store.GetCampaign(ctx, id)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Activate starts a DRAFT campaign.
func (svc *Service) Activate(ctx context.Context, id core.CampaignID) (*core.Campaign, error) {
	return svc.transition(ctx, id, core.CampaignDraft, core.CampaignActive)
}

// Pause stops accepting referrals.
func (svc *Service) Pause(ctx context.Context, id core.CampaignID) (*core.Campaign, error) {
	return svc.transition(ctx, id, core.CampaignActive, core.CampaignPaused)
}

// Resume reactivates a PAUSED campaign.
func (svc *Service) Resume(ctx context.Context, id core.CampaignID) (*core.Campaign, error) {
	return svc.transition(ctx, id, core.CampaignPaused, core.CampaignActive)
}

func (svc *Service) transition(ctx context.Context, id core.CampaignID, from, to core.CampaignStatus) (*core.Campaign, error) {
	var out *core.Campaign
	err := svc.Store.WithTx(ctx, func(s core.Store) error {
		c, err := s.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != from {
			return &core.TransitionError{CampaignID: id, From: c.Status, To: to}
		}
		if out, err = svc.moveTx(ctx, s, c, to); err != nil {
			return err
		}
		if to == core.CampaignActive && svc.Pending != nil {
			if _, err := svc.Pending.ConfirmPendingTx(ctx, s, out); err != nil {
				return fmt.Errorf("confirm pending referrals: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	svc.Logger.Printf("[Campaign] %s: %s -> %s", id, from, to)
	return out, nil
}

func (svc *Service) moveTx(ctx context.Context, s core.Store, c *core.Campaign, to core.CampaignStatus) (*core.Campaign, error) {
	if !c.Status.CanTransition(to) {
		return nil, &core.TransitionError{CampaignID: c.ID, From: c.Status, To: to}
	}
	c.Status = to
	c.UpdatedAt = svc.Now()
	if err := s.UpdateCampaign(ctx, *c); err != nil {
		return nil, fmt.Errorf("update campaign %s: %w", c.ID, err)
	}
	return c, nil
}

// =============================================================================
// END
// =============================================================================

// EndReport is the outcome of ending a campaign.
type EndReport struct {
	Campaign *core.Campaign
	Snapshot *core.Snapshot // nil unless snapshotLeaderboard is set
	Rewards  *rewards.ResolveReport
}

// End moves the campaign to ENDED, freezes the final leaderboard when
// configured and resolves rewards, all in one transaction.
func (svc *Service) End(ctx context.Context, id core.CampaignID) (*EndReport, error) {
	var report EndReport
	err := svc.Store.WithTx(ctx, func(s core.Store) error {
		c, err := s.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if report.Campaign, err = svc.moveTx(ctx, s, c, core.CampaignEnded); err != nil {
			return err
		}
		if c.Settings.SnapshotLeaderboard {
			if report.Snapshot, err = svc.Ranker.CreateSnapshotTx(ctx, s, c.WaitlistID, true); err != nil {
				return fmt.Errorf("final snapshot: %w", err)
			}
		}
		if report.Rewards, err = svc.Rewards.ResolveAllTx(ctx, s, c.WaitlistID, c.ID); err != nil {
			return fmt.Errorf("resolve rewards: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	svc.Logger.Printf("[Campaign] %s ended: %d rewards unlocked", id, len(report.Rewards.Unlocked))
	return &report, nil
}

// EndDue ends every running campaign whose endsAt is not after now. A campaign
// that fails to end is logged and retried on the next call.
func (svc *Service) EndDue(ctx context.Context, now time.Time) ([]core.CampaignID, error) {
	running, err := svc.Store.ListCampaigns(ctx, core.CampaignActive, core.CampaignPaused)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	var ended []core.CampaignID
	for _, c := range running {
		if c.EndsAt == nil || now.Before(*c.EndsAt) {
			continue
		}
		if _, err := svc.End(ctx, c.ID); err != nil {
			svc.Logger.Printf("[Campaign] Failed to end %s (due %s): %v", c.ID, c.EndsAt.Format(time.RFC3339), err)
			continue
		}
		ended = append(ended, c.ID)
	}
	return ended, nil
}
