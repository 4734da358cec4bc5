/*
handlers_test.go - HTTP tests against the chi router

Tests for:
- Join with and without referral codes, status codes and rejections
- Leaderboard paging, snapshots and positions
- Campaign import and lifecycle actions
- Admin adjustments, grants and reconciliation
- Error mapping and join rate limiting
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/waitlist-engine/factory"
	"github.com/warp/waitlist-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlstore.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store)
	return &testServer{handler: h, router: NewRouter(h, RouterOptions{})}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) importLaunch(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/admin/campaigns", factory.LaunchCampaignJSON("launch", "wl-1", 25, 50, 2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) join(t *testing.T, email, code string) JoinResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/waitlists/wl-1/join", JoinRequest{Email: email, ReferralCode: code})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return decode[JoinResponse](t, rec)
}

// =============================================================================
// JOIN
// =============================================================================

func TestJoin_WithReferralCode(t *testing.T) {
	// GIVEN: an active launch campaign and a first subscriber
	ts := newTestServer(t)
	ts.importLaunch(t)
	ada := ts.join(t, "ada@example.com", "")
	require.True(t, ada.Created)
	require.Nil(t, ada.Referral)

	// WHEN: a second subscriber joins with ada's code
	rec := ts.do(t, http.MethodPost, "/api/waitlists/wl-1/join", JoinRequest{Email: "bob@example.com", ReferralCode: ada.Subscriber.ReferralCode})

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code)
	bob := decode[JoinResponse](t, rec)
	require.NotNil(t, bob.Referral)
	assert.Equal(t, "ATTRIBUTED", bob.Referral.Outcome)
	assert.Equal(t, 75, bob.Referral.PointsAwarded)
	require.NotNil(t, bob.Subscriber.ReferredBy)
	assert.Equal(t, ada.Subscriber.ID, *bob.Subscriber.ReferredBy)
}

func TestJoin_RejectionIsNotAnError(t *testing.T) {
	ts := newTestServer(t)
	ts.importLaunch(t)

	rec := ts.do(t, http.MethodPost, "/api/waitlists/wl-1/join", JoinRequest{Email: "bob@example.com", ReferralCode: "nope-000000"})

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[JoinResponse](t, rec)
	require.NotNil(t, resp.Referral)
	assert.Equal(t, "REJECTED", resp.Referral.Outcome)
	assert.Equal(t, "InvalidReferralCode", resp.Referral.Rejection)
}

func TestJoin_ExistingEmailIs200(t *testing.T) {
	ts := newTestServer(t)
	first := ts.join(t, "ada@example.com", "")

	rec := ts.do(t, http.MethodPost, "/api/waitlists/wl-1/join", JoinRequest{Email: "Ada@Example.com"})

	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[JoinResponse](t, rec)
	assert.False(t, again.Created)
	assert.Equal(t, first.Subscriber.ID, again.Subscriber.ID)
}

func TestJoin_BadInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/waitlists/wl-1/join", JoinRequest{Email: "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/waitlists/wl-1/join", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoin_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	ts.router = NewRouter(ts.handler, RouterOptions{JoinLimiter: NewJoinLimiter(2)})

	codes := make([]int, 3)
	for i := range codes {
		rec := ts.do(t, http.MethodPost, "/api/waitlists/wl-1/join", JoinRequest{Email: "ada@example.com"})
		codes[i] = rec.Code
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestJoinLimiter_SweepDropsIdleClients(t *testing.T) {
	// GIVEN: two clients, one last seen twenty minutes ago
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewJoinLimiter(2)
	l.Now = func() time.Time { return now }
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	hit := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/join", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	hit("198.51.100.1:4000")
	now = now.Add(20 * time.Minute)
	hit("198.51.100.2:4000")
	require.Equal(t, 2, l.Clients())

	// WHEN
	dropped := l.Sweep(10 * time.Minute)

	// THEN: only the idle bucket goes; the active one keeps its spent token
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, l.Clients())
	assert.Equal(t, http.StatusOK, hit("198.51.100.2:4000"))
	assert.Equal(t, http.StatusTooManyRequests, hit("198.51.100.2:4000"))
	assert.Equal(t, 0, l.Sweep(10*time.Minute))
}

// =============================================================================
// LEADERBOARD
// =============================================================================

func TestLeaderboard_PagingSnapshotsAndPosition(t *testing.T) {
	ts := newTestServer(t)
	ts.importLaunch(t)
	ada := ts.join(t, "ada@example.com", "")
	grace := ts.join(t, "grace@example.com", "")
	ts.join(t, "alan@example.com", ada.Subscriber.ReferralCode)
	ts.join(t, "ken@example.com", "")

	// Live, first page
	rec := ts.do(t, http.MethodGet, "/api/waitlists/wl-1/leaderboard?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[LeaderboardResponse](t, rec)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, ada.Subscriber.ID, page.Rows[0].SubscriberID)
	assert.Equal(t, 75, page.Rows[0].Score)
	assert.Equal(t, 1, page.Rows[0].ReferralCount)
	assert.Equal(t, grace.Subscriber.ID, page.Rows[1].SubscriberID, "earliest signup wins the 0-point tie")
	assert.Equal(t, 2, page.Rows[1].Rank)

	// Snapshot, then read it back
	rec = ts.do(t, http.MethodPost, "/api/waitlists/wl-1/snapshots", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	snap := decode[SnapshotDTO](t, rec)
	assert.Equal(t, 4, snap.Size)

	rec = ts.do(t, http.MethodGet, "/api/waitlists/wl-1/leaderboard?snapshot="+snap.ID+"&offset=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tail := decode[LeaderboardResponse](t, rec)
	require.Len(t, tail.Rows, 1)
	assert.Equal(t, 4, tail.Rows[0].Rank)

	rec = ts.do(t, http.MethodGet, "/api/waitlists/wl-1/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SnapshotDTO](t, rec), 1)

	// Position
	rec = ts.do(t, http.MethodGet, "/api/waitlists/wl-1/subscribers/"+ada.Subscriber.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pos := decode[PositionDTO](t, rec)
	assert.Equal(t, 1, pos.Rank)
	assert.Equal(t, 4, pos.Total)
	assert.Equal(t, "25.00", pos.TopPercent)
}

func TestLeaderboard_Errors(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/waitlists/wl-1/leaderboard?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/waitlists/wl-1/leaderboard?offset=-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/waitlists/wl-1/leaderboard?snapshot=missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/waitlists/wl-1/subscribers/missing", nil).Code)
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func TestCampaignLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.importLaunch(t)
	ada := ts.join(t, "ada@example.com", "")

	rec := ts.do(t, http.MethodPost, "/api/admin/campaigns/launch/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAUSED", decode[CampaignDTO](t, rec).Status)

	// Paused: the referral is refused
	bob := ts.join(t, "bob@example.com", ada.Subscriber.ReferralCode)
	require.NotNil(t, bob.Referral)
	assert.Equal(t, "ReferralsDisabled", bob.Referral.Rejection)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/admin/campaigns/launch/activate", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/admin/campaigns/launch/resume", nil).Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/campaigns/launch/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ended := decode[EndCampaignResponse](t, rec)
	assert.Equal(t, "ENDED", ended.Campaign.Status)
	require.NotNil(t, ended.Snapshot, "the launch preset snapshots on end")
	assert.True(t, ended.Snapshot.IsFinal)
	require.NotNil(t, ended.Resolve)
	assert.Len(t, ended.Resolve.Unlocked, 2, "top 2 early access")

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/admin/campaigns/launch/archive", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/admin/campaigns/missing/pause", nil).Code)
}

func TestImportCampaign_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.importLaunch(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/campaigns", factory.LaunchCampaignJSON("second", "wl-1", 1, 1, 1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/campaigns", `{"id": "x", "waitlistId": "wl-2", "rewards": [{"id": "r", "kind": "RAFFLE"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdjustmentAndReconcile(t *testing.T) {
	ts := newTestServer(t)
	ts.importLaunch(t)
	ada := ts.join(t, "ada@example.com", "")
	ken := ts.join(t, "ken@example.com", "")

	rec := ts.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		WaitlistID: "wl-1", SubscriberID: ken.Subscriber.ID, Points: 40, Reason: "conference booth",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decode[AdjustmentResponse](t, rec)
	assert.Equal(t, 40, adj.Points)
	assert.Equal(t, 1, adj.Rank)

	// ada's cached rank is stale until reconciled
	rec = ts.do(t, http.MethodPost, "/api/admin/waitlists/wl-1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[ReconcileResponse](t, rec)
	assert.Equal(t, 2, rep.RanksChecked)
	assert.Equal(t, 1, rep.RanksUpdated)
	assert.Empty(t, rep.Drift)

	rec = ts.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{WaitlistID: "wl-1", SubscriberID: ada.Subscriber.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")
}

func TestGrantAndClaim(t *testing.T) {
	ts := newTestServer(t)
	ts.importLaunch(t)
	ada := ts.join(t, "ada@example.com", "")

	rec := ts.do(t, http.MethodPost, "/api/admin/rewards/launch-early-access/grant", GrantRequest{SubscriberID: ada.Subscriber.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "UNLOCKED", decode[UnlockDTO](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/subscribers/"+ada.Subscriber.ID+"/rewards/launch-early-access/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CLAIMED", decode[UnlockDTO](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/subscribers/"+ada.Subscriber.ID+"/rewards/launch-early-access/claim", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/rewards/missing/grant", GrantRequest{SubscriberID: ada.Subscriber.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyEmail(t *testing.T) {
	ts := newTestServer(t)
	ada := ts.join(t, "ada@example.com", "")

	rec := ts.do(t, http.MethodPost, "/api/subscribers/"+ada.Subscriber.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[VerifyResponse](t, rec).AlreadyVerified)

	rec = ts.do(t, http.MethodPost, "/api/subscribers/"+ada.Subscriber.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[VerifyResponse](t, rec).AlreadyVerified)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/subscribers/missing/verify", nil).Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
}
