package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/metrics"
	"github.com/pitchtalk/chat-server/internal/report"
	"github.com/pitchtalk/chat-server/internal/user"
)

var (
	ErrUnauthenticated = errors.New("moderation: authentication required")
	ErrNotAdmin        = errors.New("moderation: admin access required")
	ErrReasonRequired  = errors.New("moderation: reason is required")
	ErrInvalidUser     = errors.New("moderation: invalid user id")
)

// UserStore reads and toggles ban flags.
type UserStore interface {
	IsBanned(ctx context.Context, id int64) (bool, error)
	SetBanned(ctx context.Context, id int64, banned bool) error
}

// ReportStore persists message reports.
type ReportStore interface {
	Create(ctx context.Context, r *report.Report) error
	ListRecent(ctx context.Context, limit int) ([]report.Report, error)
}

// EventPublisher carries moderation events to audit consumers.
type EventPublisher interface {
	PublishModerationEvent(data []byte) error
}

// ReportInput is what a reporter submits about a message.
type ReportInput struct {
	MessageID   *int64  `json:"messageId"`
	MessageText *string `json:"messageText"`
	Reason      string  `json:"reason"`
}

// Service gates reports and bans. Ban writes and report listing are
// restricted to callers whose email is on the admin allow-list.
type Service struct {
	users   UserStore
	reports ReportStore
	admins  map[string]struct{}
	events  EventPublisher
	now     func() time.Time
}

// NewService builds a Service. adminEmails are matched case-insensitively;
// events may be nil.
func NewService(users UserStore, reports ReportStore, adminEmails []string, events EventPublisher) *Service {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		if e = normalizeEmail(e); e != "" {
			admins[e] = struct{}{}
		}
	}
	return &Service{
		users:   users,
		reports: reports,
		admins:  admins,
		events:  events,
		now:     time.Now,
	}
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// IsAdmin reports whether ident is on the allow-list. Guests never are.
func (s *Service) IsAdmin(ident *user.Identity) bool {
	if ident == nil {
		return false
	}
	email := normalizeEmail(ident.Email)
	if email == "" {
		return false
	}
	_, ok := s.admins[email]
	return ok
}

func (s *Service) requireAdmin(ident *user.Identity) error {
	if ident == nil {
		return ErrUnauthenticated
	}
	if !s.IsAdmin(ident) {
		return ErrNotAdmin
	}
	return nil
}

// SubmitReport records a report from an authenticated user.
func (s *Service) SubmitReport(ctx context.Context, reporter *user.Identity, in ReportInput) (*report.Report, error) {
	if reporter == nil {
		return nil, ErrUnauthenticated
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	r := &report.Report{
		ReporterUserID: reporter.ID,
		MessageID:      in.MessageID,
		MessageText:    in.MessageText,
		Reason:         reason,
	}
	if err := s.reports.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("moderation: submit report: %w", err)
	}

	metrics.ReportsTotal.Inc()
	log.WithFields(log.Fields{
		"component": "moderation",
		"report_id": r.ID,
		"user_id":   reporter.ID,
	}).Info("report submitted")

	s.publish(Event{Kind: EventReport, ActorID: reporter.ID, ReportID: r.ID, Reason: reason})
	return r, nil
}

// IsBanned reports the ban flag of the user.
func (s *Service) IsBanned(ctx context.Context, userID int64) (bool, error) {
	return s.users.IsBanned(ctx, userID)
}

// SetBanned sets or clears the ban flag of userID on behalf of an admin.
// Setting the current value again is not an error.
func (s *Service) SetBanned(ctx context.Context, caller *user.Identity, userID int64, banned bool) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if userID <= 0 {
		return ErrInvalidUser
	}
	if err := s.users.SetBanned(ctx, userID, banned); err != nil {
		return fmt.Errorf("moderation: set banned: %w", err)
	}

	kind := EventUnban
	if banned {
		kind = EventBan
	}
	metrics.ModerationActionsTotal.WithLabelValues(kind).Inc()
	log.WithFields(log.Fields{
		"component": "moderation",
		"action":    kind,
		"user_id":   userID,
		"actor_id":  caller.ID,
	}).Info("ban flag updated")

	s.publish(Event{Kind: kind, UserID: userID, ActorID: caller.ID})
	return nil
}

// ListReports returns the most recent reports, newest first.
func (s *Service) ListReports(ctx context.Context, caller *user.Identity) ([]report.Report, error) {
	if err := s.requireAdmin(caller); err != nil {
		return nil, err
	}
	reports, err := s.reports.ListRecent(ctx, report.MaxList)
	if err != nil {
		return nil, fmt.Errorf("moderation: list reports: %w", err)
	}
	return reports, nil
}

func (s *Service) publish(ev Event) {
	if s.events == nil {
		return
	}
	ev.Ts = s.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.events.PublishModerationEvent(data); err != nil {
		log.WithField("component", "moderation").WithError(err).Warn("publish moderation event failed")
	}
}
