package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailvault/internal/account"
	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/store"
)

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.Auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := s.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "username": req.Username})
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	var req account.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group, err := s.Accounts.Create(c.Request.Context(), req, s.username(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (s *Server) handleBatchCreate(c *gin.Context) {
	var req struct {
		Accounts []account.CreateInput `json:"accounts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := s.Accounts.BatchCreate(c.Request.Context(), req.Accounts, s.username(c))
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	f := store.AccountFilter{
		Status:           c.Query("status"),
		EmailContains:    c.Query("email"),
		RecoveryContains: c.Query("recovery"),
		NoteContains:     c.Query("note"),
		IncludeDeleted:   c.Query("include_deleted") == "true",
		Page:             intQuery(c, "page", 1),
		Size:             intQuery(c, "size", 20),
	}
	accounts, total, err := s.Accounts.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": total, "page": f.Page, "size": f.Size})
}

func (s *Server) handleExportCSV(c *gin.Context) {
	f := store.AccountFilter{
		Status:         c.Query("status"),
		EmailContains:  c.Query("email"),
		IncludeDeleted: c.Query("include_deleted") == "true",
	}
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="accounts.csv"`)
	if err := s.Accounts.ExportCSV(c.Request.Context(), c.Writer, f); err != nil {
		s.Logger.Error("csv export failed", "error", err)
	}
}

func (s *Server) handleGetGroup(c *gin.Context) {
	group, err := s.Accounts.GetGroup(c.Request.Context(), c.Param("group"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, group)
}

func (s *Server) handleUpdateGroup(c *gin.Context) {
	var req account.UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	version, err := s.Accounts.Update(c.Request.Context(), c.Param("group"), req, s.username(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": c.Param("group"), "version": version})
}

func (s *Server) handleDeleteGroup(c *gin.Context) {
	if err := s.Accounts.DeleteGroup(c.Request.Context(), c.Param("group"), s.username(c)); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleAddEmail(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	version, err := s.Accounts.AddEmail(c.Request.Context(), c.Param("group"), req.Email, s.username(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group_id": c.Param("group"), "version": version})
}

func (s *Server) handleRemoveEmail(c *gin.Context) {
	version, err := s.Accounts.RemoveEmail(c.Request.Context(), c.Param("group"), c.Param("email"), s.username(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": c.Param("group"), "version": version})
}

func (s *Server) handleListVersions(c *gin.Context) {
	versions, total, err := s.Accounts.Versions(c.Request.Context(), c.Param("group"),
		intQuery(c, "page", 1), intQuery(c, "size", 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "total": total})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version number"})
		return
	}
	v, err := s.Accounts.GetVersion(c.Request.Context(), c.Param("group"), version)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Note == "" {
		req.Note = "manual snapshot"
	}
	version, err := s.Accounts.Snapshot(c.Request.Context(), c.Param("group"), req.Note, s.username(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group_id": c.Param("group"), "version": version})
}

func (s *Server) handleRestore(c *gin.Context) {
	var req struct {
		Version int `json:"version" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	newVersion, err := s.Accounts.Restore(c.Request.Context(), c.Param("group"), req.Version, s.username(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"group_id":      c.Param("group"),
		"restored_from": req.Version,
		"version":       newVersion,
	})
}

func (s *Server) handleLinkToken(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"access_token" binding:"required"`
		RefreshToken string `json:"refresh_token" binding:"required"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpiresIn <= 0 {
		req.ExpiresIn = 3600
	}
	tok := &store.Token{
		GroupID:      c.Param("group"),
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		IDToken:      req.IDToken,
		ATExpiresAt:  nowUnix() + req.ExpiresIn,
		Scope:        req.Scope,
	}
	if err := s.Tokens.Link(c.Request.Context(), tok); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": tok.GroupID, "status": store.StatusLoginOK})
}

func (s *Server) handleUnlinkToken(c *gin.Context) {
	if err := s.Tokens.Unlink(c.Request.Context(), c.Param("group")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": c.Param("group"), "status": store.StatusNotLoggedIn})
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func intQuery(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, account.ErrVersionUnknown):
		return http.StatusNotFound
	case errors.Is(err, account.ErrNoEmails), errors.Is(err, account.ErrEmptyPassword):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
