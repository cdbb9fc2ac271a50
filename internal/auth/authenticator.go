package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/user"
)

// CookieName is the cookie carrying the token for browser clients.
const CookieName = "token"

// UserLookup fetches the current user record; nil with no error means the
// user does not exist.
type UserLookup interface {
	Get(ctx context.Context, id int64) (*user.Identity, error)
}

// Authenticator turns raw tokens into identities.
type Authenticator struct {
	tokens *TokenManager
	users  UserLookup
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(tokens *TokenManager, users UserLookup) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Authenticate returns the identity for raw, or nil for a guest. Missing,
// malformed, expired and forged tokens, unknown users and lookup failures
// all resolve to nil.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) *user.Identity {
	if raw == "" {
		return nil
	}
	log := logrus.WithField("component", "auth")

	claims, err := a.tokens.Verify(raw)
	if err != nil {
		log.WithError(err).Debug("token rejected, continuing as guest")
		return nil
	}
	id, err := claims.SubjectID()
	if err != nil {
		log.WithError(err).Debug("token has no subject, continuing as guest")
		return nil
	}

	ident, err := a.users.Get(ctx, id)
	if err != nil {
		log.WithError(err).WithField("user_id", id).Warn("user lookup failed, continuing as guest")
		return nil
	}
	if ident == nil {
		log.WithField("user_id", id).Debug("token subject not found, continuing as guest")
		return nil
	}
	return ident
}

// TokenFromRequest extracts the token from a handshake or REST request. The
// cookie wins; the explicit handshake field (auth.token or token query
// parameter) serves cross-site clients that cannot send cookies; an
// Authorization bearer header is the last resort.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}

	q := r.URL.Query()
	if t := q.Get("auth.token"); t != "" {
		return t
	}
	if t := q.Get("token"); t != "" {
		return t
	}

	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
