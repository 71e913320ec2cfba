package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestService_IssueVerify(t *testing.T) {
	s := NewService("test-secret", time.Hour)

	token, err := s.Issue("u1")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	userID, err := s.Verify(token)
	assert.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestService_VerifyRejects(t *testing.T) {
	s := NewService("test-secret", time.Hour)

	t.Run("garbage token", func(t *testing.T) {
		_, err := s.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService("other-secret", time.Hour)
		token, err := other.Issue("u1")
		assert.NoError(t, err)

		_, err = s.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := NewService("test-secret", -time.Minute)
		token, err := expired.Issue("u1")
		assert.NoError(t, err)

		_, err = s.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestService_Middleware(t *testing.T) {
	s := NewService("test-secret", time.Hour)

	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid bearer token passes identity downstream", func(t *testing.T) {
		token, err := s.Issue("u1")
		assert.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		s.Middleware(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", gotUserID)
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		s.Middleware(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic whatever")
		rec := httptest.NewRecorder()

		s.Middleware(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
