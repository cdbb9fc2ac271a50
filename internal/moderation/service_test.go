package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchtalk/chat-server/internal/report"
	"github.com/pitchtalk/chat-server/internal/user"
)

type memUsers struct {
	banned map[int64]bool
	err    error
}

func (m *memUsers) IsBanned(_ context.Context, id int64) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.banned[id], nil
}

func (m *memUsers) SetBanned(_ context.Context, id int64, banned bool) error {
	if m.err != nil {
		return m.err
	}
	if _, ok := m.banned[id]; !ok {
		return user.ErrNotFound
	}
	m.banned[id] = banned
	return nil
}

type memReports struct {
	mu      sync.Mutex
	next    int64
	created []report.Report
	limit   int
	err     error
}

func (m *memReports) Create(_ context.Context, r *report.Report) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	r.ID = m.next
	r.CreatedAt = time.Now()
	m.created = append(m.created, *r)
	return nil
}

func (m *memReports) ListRecent(_ context.Context, limit int) ([]report.Report, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.limit = limit
	out := make([]report.Report, 0, len(m.created))
	for i := len(m.created) - 1; i >= 0; i-- {
		out = append(out, m.created[i])
	}
	return out, nil
}

type memEvents struct {
	events []Event
}

func (m *memEvents) PublishModerationEvent(data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	m.events = append(m.events, ev)
	return nil
}

var (
	admin    = &user.Identity{ID: 10, Name: "Admin", Email: "Admin@Example.com"}
	reporter = &user.Identity{ID: 20, Name: "Reporter", Email: "reporter@example.com"}
)

func newTestService() (*Service, *memUsers, *memReports, *memEvents) {
	users := &memUsers{banned: map[int64]bool{20: false, 30: false}}
	reports := &memReports{}
	events := &memEvents{}
	svc := NewService(users, reports, []string{" admin@example.com ", "", "ops@example.com"}, events)
	return svc, users, reports, events
}

func TestIsAdmin(t *testing.T) {
	svc, _, _, _ := newTestService()

	assert.True(t, svc.IsAdmin(admin))
	assert.True(t, svc.IsAdmin(&user.Identity{ID: 1, Email: "  OPS@example.com"}))
	assert.False(t, svc.IsAdmin(reporter))
	assert.False(t, svc.IsAdmin(&user.Identity{ID: 2}))
	assert.False(t, svc.IsAdmin(nil))
}

func TestSubmitReport(t *testing.T) {
	svc, _, reports, events := newTestService()
	msgID := int64(1714564800000)
	text := "some rude message"

	r, err := svc.SubmitReport(context.Background(), reporter, ReportInput{
		MessageID:   &msgID,
		MessageText: &text,
		Reason:      "  abusive  ",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, reporter.ID, r.ReporterUserID)
	assert.Equal(t, "abusive", r.Reason)
	assert.Equal(t, &msgID, r.MessageID)
	require.Len(t, reports.created, 1)

	require.Len(t, events.events, 1)
	assert.Equal(t, EventReport, events.events[0].Kind)
	assert.Equal(t, reporter.ID, events.events[0].ActorID)
	assert.Equal(t, int64(1), events.events[0].ReportID)
}

func TestSubmitReport_Failures(t *testing.T) {
	svc, _, reports, _ := newTestService()

	_, err := svc.SubmitReport(context.Background(), nil, ReportInput{Reason: "spam"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	for _, reason := range []string{"", "   ", "\n\t"} {
		_, err = svc.SubmitReport(context.Background(), reporter, ReportInput{Reason: reason})
		assert.ErrorIs(t, err, ErrReasonRequired, "reason %q", reason)
	}
	assert.Empty(t, reports.created)

	reports.err = errors.New("db down")
	_, err = svc.SubmitReport(context.Background(), reporter, ReportInput{Reason: "spam"})
	assert.ErrorIs(t, err, reports.err)
}

func TestSetBanned(t *testing.T) {
	svc, users, _, events := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.SetBanned(ctx, admin, 30, true))
	assert.True(t, users.banned[30])

	require.NoError(t, svc.SetBanned(ctx, admin, 30, true), "banning twice is idempotent")
	assert.True(t, users.banned[30])

	banned, err := svc.IsBanned(ctx, 30)
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, svc.SetBanned(ctx, admin, 30, false))
	require.NoError(t, svc.SetBanned(ctx, admin, 30, false))
	assert.False(t, users.banned[30])

	require.Len(t, events.events, 4)
	assert.Equal(t, EventBan, events.events[0].Kind)
	assert.Equal(t, int64(30), events.events[0].UserID)
	assert.Equal(t, admin.ID, events.events[0].ActorID)
	assert.Equal(t, EventUnban, events.events[3].Kind)
}

func TestSetBanned_Authorization(t *testing.T) {
	svc, users, _, events := newTestService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.SetBanned(ctx, nil, 30, true), ErrUnauthenticated)
	assert.ErrorIs(t, svc.SetBanned(ctx, reporter, 30, true), ErrNotAdmin)
	assert.False(t, users.banned[30])
	assert.Empty(t, events.events)
}

func TestSetBanned_Errors(t *testing.T) {
	svc, users, _, _ := newTestService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.SetBanned(ctx, admin, 0, true), ErrInvalidUser)
	assert.ErrorIs(t, svc.SetBanned(ctx, admin, 999, true), user.ErrNotFound)

	users.err = user.ErrBanUnsupported
	assert.ErrorIs(t, svc.SetBanned(ctx, admin, 30, true), user.ErrBanUnsupported)
}

func TestListReports(t *testing.T) {
	svc, _, reports, _ := newTestService()
	ctx := context.Background()

	for _, reason := range []string{"first", "second"} {
		_, err := svc.SubmitReport(ctx, reporter, ReportInput{Reason: reason})
		require.NoError(t, err)
	}

	_, err := svc.ListReports(ctx, reporter)
	assert.ErrorIs(t, err, ErrNotAdmin)
	_, err = svc.ListReports(ctx, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	got, err := svc.ListReports(ctx, admin)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Reason)
	assert.Equal(t, report.MaxList, reports.limit)
}

func TestPublish_NilEventsIsNoop(t *testing.T) {
	users := &memUsers{banned: map[int64]bool{30: false}}
	svc := NewService(users, &memReports{}, []string{"admin@example.com"}, nil)

	assert.NoError(t, svc.SetBanned(context.Background(), admin, 30, true))
}
