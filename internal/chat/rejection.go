package chat

import (
	"fmt"
	"time"
)

// Rejection is a refused chat action. Reason is shown to the sender; Label
// tags metrics and logs.
type Rejection struct {
	Reason string
	Label  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("chat: rejected (%s): %s", r.Label, r.Reason)
}

// Is matches rejections by label, so a reason carrying details still
// matches the template it was built from.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Label == r.Label
}

// Rejections emitted by the send pipeline, in pipeline order.
var (
	RejectGuest       = Rejection{Reason: "You must be logged in to send messages", Label: "guest"}
	RejectNoRoom      = Rejection{Reason: "Join a room before sending messages", Label: "no_room"}
	RejectBanned      = Rejection{Reason: "You are banned from sending messages", Label: "banned"}
	RejectEmpty       = Rejection{Reason: "Message cannot be empty", Label: "empty"}
	RejectInvalid     = Rejection{Reason: "Message contains invalid characters", Label: "invalid"}
	RejectTooLong     = Rejection{Reason: fmt.Sprintf("Message is too long (max %d characters)", MaxTextChars), Label: "too_long"}
	RejectRateLimited = Rejection{Reason: "Please wait before sending again", Label: "rate_limited"}
)

// rateLimited is RejectRateLimited with the remaining wait, rounded up to
// whole seconds, in the reason.
func rateLimited(wait time.Duration) *Rejection {
	rej := RejectRateLimited
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	rej.Reason = fmt.Sprintf("Please wait %ds before sending again", secs)
	return &rej
}
