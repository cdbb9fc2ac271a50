package moderation

import "time"

// Event kinds published on the moderation subject.
const (
	EventReport = "report"
	EventBan    = "ban"
	EventUnban  = "unban"
)

// Event is published to moderation.events after every report and every ban
// or unban, for audit consumers. ActorID is the reporter or the admin;
// UserID is the user a ban or unban applies to.
type Event struct {
	Kind     string    `json:"kind"`
	UserID   int64     `json:"user_id,omitempty"`
	ActorID  int64     `json:"actor_id"`
	ReportID int64     `json:"report_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Ts       time.Time `json:"ts"`
}
