package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"refsync/entity"
	"refsync/impl/core"
	"refsync/internal/leaderboard"
	"refsync/internal/period"
	"refsync/internal/testutil"
	"refsync/lib/clock"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct{}

func (fakeAuth) UserByToken(token string) (*entity.User, error) {
	switch token {
	case "secret":
		return &entity.User{Username: "ops", Token: token, TelegramRole: entity.RoleAdmin}, nil
	case "viewer":
		return &entity.User{Username: "viewer", Token: token, TelegramRole: entity.RoleMember}, nil
	}
	return nil, errors.New("unknown token")
}

type body struct {
	Data          json.RawMessage `json:"data"`
	Success       bool            `json:"success"`
	StatusMessage string          `json:"status_message"`
}

func newTestRouter(t *testing.T) (http.Handler, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	log := testutil.Logger()
	cal := period.NewCalendar(time.UTC)
	clk := clock.NewManual(time.Date(2024, time.April, 10, 12, 0, 0, 0, time.UTC))
	agg := leaderboard.NewAggregator(store, nil, nil, leaderboard.Options{TopN: 10, PayoutUnit: 5, Currency: "USD"}, log)

	c := core.New(agg, store, cal, clk, log)
	c.SetAuthService(fakeAuth{})
	return NewRouter(log, c), store
}

func do(t *testing.T, h http.Handler, method, path, payload string, auth bool) (*httptest.ResponseRecorder, body) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer secret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var b body
	_ = json.Unmarshal(rec.Body.Bytes(), &b)
	return rec, b
}

func TestRouter_RequiresToken(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, b := do(t, h, http.MethodGet, "/v1/leaderboard/current", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, b.Success)

	req := httptest.NewRequest(http.MethodGet, "/v1/leaderboard/current", nil)
	req.Header.Set("Authorization", "Bearer")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "scheme without token")
}

func TestRouter_MutationsRequireAdmin(t *testing.T) {
	h, _ := newTestRouter(t)

	for _, path := range []string{"/v1/referral/qualify", "/v1/applications/approve"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"member_id":"u1"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer viewer")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/leaderboard/current", nil)
	req.Header.Set("Authorization", "Bearer viewer")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "reading is open to any user")
}

func TestRouter_Leaderboard(t *testing.T) {
	h, store := newTestRouter(t)
	ctx := context.Background()
	for _, pair := range [][2]string{{"alice", "u1"}, {"bob", "u2"}, {"alice", "u3"}} {
		require.NoError(t, store.AppendEvent(ctx, &entity.AttributionEvent{
			ID: pair[1], InviterID: pair[0], InviteeID: pair[1], Period: "2024-04",
		}))
	}
	_, err := store.MarkQualified(ctx, "u3", time.Now())
	require.NoError(t, err)

	rec, b := do(t, h, http.MethodGet, "/v1/leaderboard/current", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, b.Success)

	var lb entity.Leaderboard
	require.NoError(t, json.Unmarshal(b.Data, &lb))
	assert.Equal(t, "2024-04", lb.Period)
	assert.Equal(t, 3, lb.TotalInvites)
	require.Len(t, lb.Invites, 2)
	assert.Equal(t, "alice", lb.Invites[0].MemberID)
	require.Len(t, lb.QualifiedRank, 1)
	assert.Equal(t, 5, lb.QualifiedRank[0].Payout)

	rec, _ = do(t, h, http.MethodGet, "/v1/leaderboard/2024-03", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, b = do(t, h, http.MethodGet, "/v1/leaderboard/2024-13", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, b.Success)
}

func TestRouter_Qualify(t *testing.T) {
	h, store := newTestRouter(t)
	require.NoError(t, store.AppendEvent(context.Background(), &entity.AttributionEvent{
		ID: "u1", InviterID: "alice", InviteeID: "u1", Period: "2024-04",
	}))

	rec, _ := do(t, h, http.MethodPost, "/v1/referral/qualify", `{"member_id":""}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, b := do(t, h, http.MethodPost, "/v1/referral/qualify", `{"member_id":"u1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var res entity.ActionResult
	require.NoError(t, json.Unmarshal(b.Data, &res))
	assert.True(t, res.Changed)

	_, b = do(t, h, http.MethodPost, "/v1/referral/qualify", `{"member_id":"u1"}`, true)
	require.NoError(t, json.Unmarshal(b.Data, &res))
	assert.False(t, res.Changed, "qualification is idempotent")
}

func TestRouter_Approve(t *testing.T) {
	h, store := newTestRouter(t)
	require.NoError(t, store.CreateApplication(context.Background(), &entity.Application{
		MemberID: "carol", GroupID: 1, Status: entity.ApplicationPending,
	}))

	rec, _ := do(t, h, http.MethodPost, "/v1/applications/approve", `{"member_id":"carol"}`, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/v1/applications/approve", `{"member_id":"carol"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	apps, err := store.ListApplications(context.Background(), entity.ApplicationApproved)
	require.NoError(t, err)
	assert.Len(t, apps, 1)
}

func TestRouter_StripeWithoutClient(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(`{}`))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_NotFound(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, b := do(t, h, http.MethodGet, "/nope", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, b.Success)
}
