package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/store"
)

func newAuthService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, "test-secret-test-secret")
}

func TestRegisterAndLogin(t *testing.T) {
	s := newAuthService(t)
	ctx := context.Background()

	user, err := s.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "operator", user.Role)
	assert.NotEqual(t, "hunter2", user.Password, "password must be stored hashed")

	token, err := s.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = s.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Login(ctx, "nobody", "hunter2")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newAuthService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)
	token, err := s.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/whoami", s.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": c.GetString("username")})
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
