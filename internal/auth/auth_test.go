package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := VerifyPassword("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h1, err := HashPassword("same password")
	require.NoError(t, err)
	h2, err := HashPassword("same password")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$bcrypt$whatever",
		"$argon2id$v=19$m=65536,t=1,p=4$not-base64!!$x",
	} {
		_, err := VerifyPassword("pw", encoded)
		assert.Error(t, err, "encoded=%q", encoded)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	iss := NewIssuer(testSecret)
	token, err := iss.Issue("user-1", "dwight")
	require.NoError(t, err)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "dwight", claims.Username)
}

func TestTokenExpires(t *testing.T) {
	iss := NewIssuer(testSecret)
	token, err := iss.Issue("user-1", "dwight")
	require.NoError(t, err)

	// Move the verifier clock past the 24h TTL.
	iss.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = iss.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := NewIssuer(testSecret).Issue("user-1", "dwight")
	require.NoError(t, err)

	_, err = NewIssuer("another-secret-another-secret-xx").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "dwight", "beet-farm-rules")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, 1, u.MaxWorkers)

	got, err := s.Authenticate(ctx, "dwight", "beet-farm-rules")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.Authenticate(ctx, "dwight", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody", "beet-farm-rules")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Register(ctx, "dwight", "beet-farm-rules")
	require.NoError(t, err)
	_, err = s.Register(ctx, "dwight", "other-password")
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = s.Register(ctx, "x", "beet-farm-rules")
	assert.Error(t, err, "short username")
	_, err = s.Register(ctx, "has space", "beet-farm-rules")
	assert.Error(t, err, "invalid character")
	_, err = s.Register(ctx, "mose", "short")
	assert.Error(t, err, "short password")
}

func TestEntitlementLookup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "dwight", "beet-farm-rules")
	require.NoError(t, err)
	assert.Equal(t, 1, s.MaxWorkers(u.ID))

	require.NoError(t, s.SetMaxWorkers(ctx, u.ID, 3))
	assert.Equal(t, 3, s.MaxWorkers(u.ID))

	assert.Equal(t, 0, s.MaxWorkers("ghost"))
	assert.ErrorIs(t, s.SetMaxWorkers(ctx, "ghost", 2), ErrUserNotFound)
}

func TestMiddleware(t *testing.T) {
	iss := NewIssuer(testSecret)
	var gotUser string
	handler := iss.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	token, err := iss.Issue("user-1", "dwight")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-1", gotUser)
}
