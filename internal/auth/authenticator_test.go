package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchtalk/chat-server/internal/user"
)

const testSecret = "test-secret-key"

type fakeUsers struct {
	users map[int64]*user.Identity
	err   error
}

func (f *fakeUsers) Get(_ context.Context, id int64) (*user.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

func newTestAuthenticator(users *fakeUsers) (*Authenticator, *TokenManager) {
	tm := NewTokenManager(testSecret)
	return NewAuthenticator(tm, users), tm
}

func TestTokenManager_IssueAndVerify(t *testing.T) {
	tm := NewTokenManager(testSecret)

	raw, err := tm.Issue(12, "kane@spurs.test", time.Minute)
	require.NoError(t, err)

	claims, err := tm.Verify(raw)
	require.NoError(t, err)
	id, err := claims.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	assert.Equal(t, "kane@spurs.test", claims.Email)
}

func TestTokenManager_Verify_Failures(t *testing.T) {
	tm := NewTokenManager(testSecret)

	expired, err := tm.Issue(1, "", -time.Minute)
	require.NoError(t, err)
	_, err = tm.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	forged, err := NewTokenManager("other-secret").Issue(1, "", time.Minute)
	require.NoError(t, err)
	_, err = tm.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tm.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tm.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaims_SubjectFallback(t *testing.T) {
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "77"}}
	id, err := c.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	_, err = (&Claims{}).SubjectID()
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = (&Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "abc"}}).SubjectID()
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate(t *testing.T) {
	users := &fakeUsers{users: map[int64]*user.Identity{
		1: {ID: 1, Name: "Alice", Email: "alice@example.com"},
		2: {ID: 2, Name: "Bob", Email: "bob@example.com", IsBanned: true},
	}}
	a, tm := newTestAuthenticator(users)
	ctx := context.Background()

	valid, _ := tm.Issue(1, "alice@example.com", time.Hour)
	banned, _ := tm.Issue(2, "bob@example.com", time.Hour)
	ghost, _ := tm.Issue(99, "ghost@example.com", time.Hour)
	expired, _ := tm.Issue(1, "alice@example.com", -time.Hour)

	assert.Nil(t, a.Authenticate(ctx, ""), "no token is a guest")
	assert.Nil(t, a.Authenticate(ctx, "garbage"), "malformed token is a guest")
	assert.Nil(t, a.Authenticate(ctx, expired), "expired token is a guest")
	assert.Nil(t, a.Authenticate(ctx, ghost), "unknown user is a guest")

	ident := a.Authenticate(ctx, valid)
	require.NotNil(t, ident)
	assert.Equal(t, "Alice", ident.Name)

	ident = a.Authenticate(ctx, banned)
	require.NotNil(t, ident)
	assert.True(t, ident.IsBanned)
}

func TestAuthenticate_LookupErrorIsGuest(t *testing.T) {
	a, tm := newTestAuthenticator(&fakeUsers{err: errors.New("db down")})
	raw, _ := tm.Issue(1, "", time.Hour)

	assert.Nil(t, a.Authenticate(context.Background(), raw))
}

func TestTokenFromRequest_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		url    string
		header string
		want   string
	}{
		{"nothing", "", "/ws", "", ""},
		{"cookie only", "c", "/ws", "", "c"},
		{"auth field only", "", "/ws?auth.token=f", "", "f"},
		{"token query", "", "/ws?token=q", "", "q"},
		{"cookie beats auth field", "c", "/ws?auth.token=f", "", "c"},
		{"auth field beats header", "", "/ws?auth.token=f", "Bearer h", "f"},
		{"bearer header", "", "/reports", "bearer h", "h"},
		{"non bearer header", "", "/reports", "Basic abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}
