/*
handlers.go - HTTP API handlers for the waitlist engine

PURPOSE:
  Exposes the scoring, leaderboard, referral and rewards engines via REST.
  Handles HTTP request/response and JSON serialization; every decision is
  delegated to the engines.

ENDPOINTS:
  Waitlists:
    POST   /api/waitlists/{waitlistID}/join              Join (+ referral attribution)
    GET    /api/waitlists/{waitlistID}/leaderboard       ?limit&offset&snapshot
    GET    /api/waitlists/{waitlistID}/snapshots         List snapshot generations
    POST   /api/waitlists/{waitlistID}/snapshots         ?final=true
    GET    /api/waitlists/{waitlistID}/subscribers/{id}  Position + rewards

  Subscribers:
    POST   /api/subscribers/{id}/verify                  Verify email
    POST   /api/subscribers/{id}/rewards/{rewardID}/claim

  Admin:
    POST   /api/admin/campaigns                          Import JSON definition
    POST   /api/admin/campaigns/{id}/{activate|pause|resume|end}
    POST   /api/admin/campaigns/{id}/resolve             Resolve all rewards
    POST   /api/admin/adjustments                        Manual points
    POST   /api/admin/rewards/{rewardID}/grant           Manual unlock
    POST   /api/admin/waitlists/{waitlistID}/reconcile   ?repair=true

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from core errors:
  - 400: invalid input, illegal transition, capacity reached
  - 404: missing subscriber, campaign, reward, snapshot
  - 409: uniqueness conflicts, concurrent modification
  - 500: everything else

  Referral rejections are not errors: a join with a bad code is a 201 with
  the rejection in the referral block.

SECURITY NOTE:
  No authentication. Admin routes must sit behind a gateway.
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/waitlist-engine/campaign"
	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/factory"
	"github.com/warp/waitlist-engine/leaderboard"
	"github.com/warp/waitlist-engine/referral"
	"github.com/warp/waitlist-engine/rewards"
	"github.com/warp/waitlist-engine/scoring"
	"github.com/warp/waitlist-engine/store/sqlstore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlstore.Store
	Scoring   *scoring.Engine
	Ranker    *leaderboard.Ranker
	Referrals *referral.Service
	Rewards   *rewards.Engine
	Campaigns *campaign.Service
	Factory   *factory.CampaignFactory

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires every engine to the store.
func NewHandler(store *sqlstore.Store) *Handler {
	ranker := leaderboard.NewRanker(store)
	scorer := scoring.NewEngine(store, ranker)
	rw := rewards.NewEngine(store)
	referrals := referral.NewService(store, scorer, ranker, rw)
	campaigns := campaign.NewService(store, ranker, rw)
	campaigns.Pending = referrals
	return &Handler{
		Store:     store,
		Scoring:   scorer,
		Ranker:    ranker,
		Referrals: referrals,
		Rewards:   rw,
		Campaigns: campaigns,
		Factory:   factory.NewCampaignFactory(),
	}
}

// =============================================================================
// WAITLIST HANDLERS
// =============================================================================

// Join adds a subscriber and attributes its referral code.
// POST /api/waitlists/{waitlistID}/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Referrals.Join(r.Context(), referral.JoinInput{
		WaitlistID:   core.WaitlistID(chi.URLParam(r, "waitlistID")),
		Email:        req.Email,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		writeDomainError(w, "Failed to join waitlist", err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, JoinResponse{
		Subscriber:    toSubscriberDTO(res.Subscriber),
		Created:       res.Created,
		Referral:      toReferralResultDTO(res.Referral),
		ReferralError: errString(res.ReferralErr),
	})
}

// GetLeaderboard returns one page of the live or a snapshot leaderboard.
// GET /api/waitlists/{waitlistID}/leaderboard?limit=50&offset=0&snapshot=...
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	waitlistID := core.WaitlistID(chi.URLParam(r, "waitlistID"))
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", err)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be >= 0", err)
		return
	}
	snapshotID := core.SnapshotID(q.Get("snapshot"))

	rows, err := h.Ranker.GetLeaderboard(r.Context(), waitlistID, limit, offset, snapshotID)
	if err != nil {
		writeDomainError(w, "Failed to load leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{
		WaitlistID: string(waitlistID),
		SnapshotID: string(snapshotID),
		Limit:      limit,
		Offset:     offset,
		Rows:       toLeaderboardRowDTOs(rows),
	})
}

// ListSnapshots returns the snapshot generations of a waitlist.
// GET /api/waitlists/{waitlistID}/snapshots
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Ranker.ListSnapshots(r.Context(), core.WaitlistID(chi.URLParam(r, "waitlistID")))
	if err != nil {
		writeDomainError(w, "Failed to list snapshots", err)
		return
	}
	dtos := make([]SnapshotDTO, len(snaps))
	for i := range snaps {
		dtos[i] = *toSnapshotDTO(&snaps[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSnapshot freezes the live leaderboard.
// POST /api/waitlists/{waitlistID}/snapshots?final=true
func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	final, _ := strconv.ParseBool(r.URL.Query().Get("final"))
	snap, err := h.Ranker.CreateSnapshot(r.Context(), core.WaitlistID(chi.URLParam(r, "waitlistID")), final)
	if err != nil {
		writeDomainError(w, "Failed to create snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSnapshotDTO(snap))
}

// GetPosition returns a subscriber's standing and rewards.
// GET /api/waitlists/{waitlistID}/subscribers/{id}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := core.SubscriberID(chi.URLParam(r, "id"))

	pos, err := h.Ranker.Position(ctx, core.WaitlistID(chi.URLParam(r, "waitlistID")), subscriberID)
	if err != nil {
		writeDomainError(w, "Failed to load subscriber", err)
		return
	}
	unlocks, err := h.Rewards.Unlocks(ctx, subscriberID)
	if err != nil {
		writeDomainError(w, "Failed to load rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos, unlocks))
}

// =============================================================================
// SUBSCRIBER HANDLERS
// =============================================================================

// VerifyEmail marks a subscriber verified and confirms its pending referral.
// POST /api/subscribers/{id}/verify
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := core.SubscriberID(chi.URLParam(r, "id"))

	sub, err := h.Store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		writeDomainError(w, "Failed to load subscriber", err)
		return
	}
	res, err := h.Referrals.VerifyEmail(ctx, sub.WaitlistID, subscriberID)
	if err != nil {
		writeDomainError(w, "Failed to verify email", err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		AlreadyVerified: res.AlreadyVerified,
		Points:          res.Points,
		Rank:            res.Rank,
		RankError:       errString(res.RankErr),
		Referral:        toReferralResultDTO(res.Referral),
	})
}

// ClaimReward marks an unlocked reward as claimed.
// POST /api/subscribers/{id}/rewards/{rewardID}/claim
func (h *Handler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	u, err := h.Rewards.Claim(r.Context(), core.SubscriberID(chi.URLParam(r, "id")), core.RewardID(chi.URLParam(r, "rewardID")))
	if err != nil {
		writeDomainError(w, "Failed to claim reward", err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlockDTO(*u))
}

// =============================================================================
// CAMPAIGN HANDLERS
// =============================================================================

// ImportCampaign installs a JSON campaign definition.
// POST /api/admin/campaigns
func (h *Handler) ImportCampaign(w http.ResponseWriter, r *http.Request) {
	var cj factory.CampaignJSON
	if err := decodeJSON(r, &cj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	def, err := h.Factory.FromJSON(cj)
	if err != nil {
		writeDomainError(w, "Invalid campaign definition", err)
		return
	}
	if err := h.Factory.Install(r.Context(), h.Store, def); err != nil {
		writeDomainError(w, "Failed to install campaign", err)
		return
	}
	writeJSON(w, http.StatusCreated, ImportCampaignResponse{
		Campaign: toCampaignDTO(&def.Campaign),
		Rules:    len(def.Rules),
		Rewards:  len(def.Rewards),
	})
}

// TransitionCampaign applies one lifecycle action.
// POST /api/admin/campaigns/{id}/{action}
func (h *Handler) TransitionCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := core.CampaignID(chi.URLParam(r, "id"))

	var (
		c   *core.Campaign
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "activate":
		c, err = h.Campaigns.Activate(ctx, id)
	case "pause":
		c, err = h.Campaigns.Pause(ctx, id)
	case "resume":
		c, err = h.Campaigns.Resume(ctx, id)
	case "end":
		report, err := h.Campaigns.End(ctx, id)
		if err != nil {
			writeDomainError(w, "Failed to end campaign", err)
			return
		}
		writeJSON(w, http.StatusOK, EndCampaignResponse{
			Campaign: toCampaignDTO(report.Campaign),
			Snapshot: toSnapshotDTO(report.Snapshot),
			Resolve:  toResolveReportDTO(report.Rewards),
		})
		return
	default:
		writeError(w, http.StatusNotFound, "Unknown campaign action "+action, nil)
		return
	}
	if err != nil {
		writeDomainError(w, "Failed to change campaign status", err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignDTO(c))
}

// ResolveCampaign re-evaluates every reward for every subscriber.
// POST /api/admin/campaigns/{id}/resolve
func (h *Handler) ResolveCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.Campaigns.Get(ctx, core.CampaignID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load campaign", err)
		return
	}
	report, err := h.Rewards.ResolveAll(ctx, c.WaitlistID, c.ID)
	if err != nil {
		writeDomainError(w, "Failed to resolve rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, toResolveReportDTO(report))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment records a manual point correction.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WaitlistID == "" || req.SubscriberID == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "waitlist_id, subscriber_id and reason are required", nil)
		return
	}

	campaignID := core.CampaignID(req.CampaignID)
	if campaignID == "" {
		c, err := h.Store.FindCampaignByWaitlist(ctx, core.WaitlistID(req.WaitlistID))
		if err != nil {
			writeDomainError(w, "Failed to load campaign", err)
			return
		}
		if c == nil {
			writeDomainError(w, "No campaign for waitlist", core.ErrCampaignNotFound)
			return
		}
		campaignID = c.ID
	}

	res, err := h.Scoring.AdjustPoints(ctx, scoring.AdjustInput{
		WaitlistID:   core.WaitlistID(req.WaitlistID),
		CampaignID:   campaignID,
		SubscriberID: core.SubscriberID(req.SubscriberID),
		Points:       req.Points,
		Reason:       req.Reason,
		ReferenceID:  req.ReferenceID,
	})
	if err != nil {
		writeDomainError(w, "Failed to adjust points", err)
		return
	}
	writeJSON(w, http.StatusCreated, AdjustmentResponse{
		Points:    res.Points,
		Rank:      res.Rank,
		RankError: errString(res.RankErr),
	})
}

// GrantReward unlocks a reward for a subscriber by hand.
// POST /api/admin/rewards/{rewardID}/grant
func (h *Handler) GrantReward(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decodeJSON(r, &req); err != nil || req.SubscriberID == "" {
		writeError(w, http.StatusBadRequest, "subscriber_id is required", err)
		return
	}
	u, err := h.Rewards.Grant(r.Context(), core.SubscriberID(req.SubscriberID), core.RewardID(chi.URLParam(r, "rewardID")))
	if err != nil {
		writeDomainError(w, "Failed to grant reward", err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlockDTO(*u))
}

// Reconcile repairs cached ranks and reports (optionally repairs) score drift.
// POST /api/admin/waitlists/{waitlistID}/reconcile?repair=true
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	waitlistID := core.WaitlistID(chi.URLParam(r, "waitlistID"))
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))

	resp := ReconcileResponse{Drift: []DriftDTO{}, Repaired: repair}

	c, err := h.Store.FindCampaignByWaitlist(ctx, waitlistID)
	if err != nil {
		writeDomainError(w, "Failed to load campaign", err)
		return
	}
	if c != nil {
		drifts, err := h.Scoring.ReconcileScores(ctx, waitlistID, c.ID, repair)
		if err != nil {
			writeDomainError(w, "Failed to reconcile scores", err)
			return
		}
		for _, d := range drifts {
			resp.Drift = append(resp.Drift, DriftDTO{SubscriberID: string(d.SubscriberID), Score: d.Score, LedgerSum: d.LedgerSum})
		}
	}

	report, err := h.Ranker.ReconcileRanks(ctx, waitlistID)
	if err != nil {
		writeDomainError(w, "Failed to reconcile ranks", err)
		return
	}
	resp.RanksChecked, resp.RanksUpdated = report.Checked, report.Updated
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return errors.New("empty request body")
	}
	return err
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps core errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsConflict(err), core.IsRetryable(err):
		status = http.StatusConflict
	case core.IsClientError(err):
		status = http.StatusBadRequest
	}
	writeError(w, status, message, err)
}
