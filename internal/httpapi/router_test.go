package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchtalk/chat-server/internal/chat"
	"github.com/pitchtalk/chat-server/internal/moderation"
	"github.com/pitchtalk/chat-server/internal/ratelimit"
	"github.com/pitchtalk/chat-server/internal/report"
	"github.com/pitchtalk/chat-server/internal/session"
	"github.com/pitchtalk/chat-server/internal/user"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type tokenTable map[string]*user.Identity

func (t tokenTable) Authenticate(_ context.Context, raw string) *user.Identity {
	return t[raw]
}

type stubUsers struct {
	banned map[int64]bool
	err    error
}

func (s *stubUsers) IsBanned(_ context.Context, id int64) (bool, error) {
	return s.banned[id], s.err
}

func (s *stubUsers) SetBanned(_ context.Context, id int64, banned bool) error {
	if s.err != nil {
		return s.err
	}
	if _, ok := s.banned[id]; !ok {
		return user.ErrNotFound
	}
	s.banned[id] = banned
	return nil
}

type stubReports struct {
	items []report.Report
	err   error
}

func (s *stubReports) Create(_ context.Context, r *report.Report) error {
	if s.err != nil {
		return s.err
	}
	r.ID = int64(len(s.items) + 1)
	r.CreatedAt = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	s.items = append(s.items, *r)
	return nil
}

func (s *stubReports) ListRecent(_ context.Context, limit int) ([]report.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := []report.Report{}
	for i := len(s.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.items[i])
	}
	return out, nil
}

type stubRooms struct{}

func (stubRooms) RoomCounts() map[chat.RoomID]int {
	return map[chat.RoomID]int{chat.RoomGeneral: 3, chat.RoomGOAT: 1}
}

func (stubRooms) SessionCount() int { return 4 }

type stubSessions struct{}

func (stubSessions) List(context.Context) ([]session.Session, error) {
	return []session.Session{{ID: "s1", UserID: 1, Room: "general"}}, nil
}

type stubLimiter struct{ allow bool }

func (l stubLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return l.allow, nil
}

const (
	adminToken  = "admin-token"
	memberToken = "member-token"
)

type fixture struct {
	router  *gin.Engine
	users   *stubUsers
	reports *stubReports
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:   &stubUsers{banned: map[int64]bool{5: false}},
		reports: &stubReports{},
	}
	tokens := tokenTable{
		adminToken:  {ID: 1, Name: "Admin", Email: "admin@example.com"},
		memberToken: {ID: 2, Name: "Member", Email: "member@example.com"},
	}
	svc := moderation.NewService(f.users, f.reports, []string{"admin@example.com"}, nil)
	f.router = NewRouter(Deps{
		Auth:       tokens,
		Moderation: svc,
		Rooms:      stubRooms{},
		Sessions:   stubSessions{},
		Upgrade:    func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusSwitchingProtocols) },
		Uptime:     func() time.Duration { return 90 * time.Second },
	})
	return f
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(4), body["connections"])
	assert.Equal(t, "1m30s", body["uptime"])
}

func TestRooms(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/rooms", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Rooms []roomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Rooms, len(chat.Rooms))
	assert.Equal(t, roomInfo{ID: "general", Members: 3}, body.Rooms[0])
	assert.Equal(t, roomInfo{ID: "ballon-dor", Members: 0}, body.Rooms[1])
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pitchtalk_")
}

func TestSubmitReport(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/report", memberToken, `{"messageId":1714564800000,"messageText":"rude","reason":"abuse"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, "abuse", body["reason"])
	assert.Equal(t, float64(2), body["reporterUserId"])
	require.Len(t, f.reports.items, 1)
	assert.Equal(t, int64(1714564800000), *f.reports.items[0].MessageID)
}

func TestSubmitReport_Errors(t *testing.T) {
	cases := []struct {
		name  string
		token string
		body  string
		code  int
	}{
		{"guest", "", `{"reason":"abuse"}`, http.StatusUnauthorized},
		{"unknown token", "bogus", `{"reason":"abuse"}`, http.StatusUnauthorized},
		{"missing reason", memberToken, `{"messageText":"x"}`, http.StatusBadRequest},
		{"blank reason", memberToken, `{"reason":"   "}`, http.StatusBadRequest},
		{"malformed body", memberToken, `{"reason":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/report", tc.token, tc.body)
			assert.Equal(t, tc.code, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
			assert.Empty(t, f.reports.items)
		})
	}
}

func TestSubmitReport_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.reports.err = errors.New("db down")

	rec := f.do(http.MethodPost, "/report", memberToken, `{"reason":"abuse"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestListReports(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/report", memberToken, `{"reason":"first"}`)
	f.do(http.MethodPost, "/report", memberToken, `{"reason":"second"}`)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/reports", "", "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/reports", memberToken, "").Code)

	rec := f.do(http.MethodGet, "/reports", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Reports []report.Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Reports, 2)
	assert.Equal(t, "second", body.Reports[0].Reason)
}

func TestBanAndUnban(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/ban-user", adminToken, `{"userId":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, f.users.banned[5])
	assert.Equal(t, true, decode(t, rec)["isBanned"])

	rec = f.do(http.MethodPost, "/ban-user", adminToken, `{"userId":5}`)
	assert.Equal(t, http.StatusOK, rec.Code, "ban is idempotent")

	rec = f.do(http.MethodPost, "/unban-user", adminToken, `{"userId":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.users.banned[5])
}

func TestBan_Errors(t *testing.T) {
	cases := []struct {
		name  string
		token string
		body  string
		code  int
	}{
		{"guest", "", `{"userId":5}`, http.StatusUnauthorized},
		{"non-admin", memberToken, `{"userId":5}`, http.StatusForbidden},
		{"missing user id", adminToken, `{}`, http.StatusBadRequest},
		{"string user id", adminToken, `{"userId":"five"}`, http.StatusBadRequest},
		{"non-positive user id", adminToken, `{"userId":0}`, http.StatusBadRequest},
		{"unknown user", adminToken, `{"userId":404}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/ban-user", tc.token, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.False(t, f.users.banned[5])
		})
	}
}

func TestBan_StoreFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.users.err = user.ErrBanUnsupported

	rec := f.do(http.MethodPost, "/ban-user", adminToken, `{"userId":5}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, f.users.banned[5])
}

func TestSessions(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/sessions", memberToken, "").Code)

	rec := f.do(http.MethodGet, "/sessions", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["sessions"], 1)
	assert.Equal(t, float64(4), body["local"])
}

func TestTokenFromCookie(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: adminToken})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketRouteLimited(t *testing.T) {
	upgraded := false
	r := NewRouter(Deps{
		Auth:    tokenTable{},
		Rooms:   stubRooms{},
		Limiter: stubLimiter{allow: false},
		Upgrade: func(http.ResponseWriter, *http.Request) { upgraded = true },
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, upgraded)
}

func TestCORS(t *testing.T) {
	r := NewRouter(Deps{Auth: tokenTable{}, Rooms: stubRooms{}, CORSOrigin: "https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/report", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
