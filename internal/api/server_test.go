package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	s := &Server{
		Store:  st,
		Auth:   auth.NewService(st, "test-secret-test-secret"),
		Logger: logger,
	}

	_, err = s.Auth.Register(context.Background(), "op", "hunter2")
	require.NoError(t, err)
	token, err := s.Auth.Login(context.Background(), "op", "hunter2")
	require.NoError(t, err)
	return s, st, token
}

func authedGet(t *testing.T, r http.Handler, token, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestResolveFolderEndpoint(t *testing.T) {
	s, st, token := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFolder(ctx, &store.Folder{
		FolderID: "AAMkAD=", GroupID: "g1", DisplayName: "Inbox", WellKnownName: "inbox",
	}))
	require.NoError(t, st.UpsertFolder(ctx, &store.Folder{
		FolderID: "f2", GroupID: "g1", DisplayName: "Receipts",
	}))
	r := s.Router()

	for _, ref := range []string{"inbox", "AAMkAD%3D", "Inbox"} {
		w := authedGet(t, r, token, "/groups/g1/folders/resolve?ref="+ref)
		require.Equal(t, http.StatusOK, w.Code, "ref %q", ref)
		var f store.Folder
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &f))
		assert.Equal(t, "AAMkAD=", f.FolderID, "ref %q", ref)
	}

	// Display name match for a folder without a role.
	w := authedGet(t, r, token, "/groups/g1/folders/resolve?ref=receipts")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"f2"`))

	w = authedGet(t, r, token, "/groups/g1/folders/resolve?ref=nothing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = authedGet(t, r, token, "/groups/g1/folders/resolve")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
