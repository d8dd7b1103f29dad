package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/mail"
	syncpkg "github.com/Martian-dev/mailvault/internal/sync"
)

func (s *Server) handleListFolders(c *gin.Context) {
	ctx := c.Request.Context()
	groupID := c.Param("group")

	if c.Query("refresh") == "true" {
		provider, err := s.Factory(ctx, groupID)
		if err != nil {
			c.JSON(syncStatusFor(err), gin.H{"error": err.Error()})
			return
		}
		folders, err := s.Sync.RefreshFolders(ctx, groupID, provider)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"folders": folders})
		return
	}

	folders, err := s.Store.ListFolders(ctx, groupID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

func (s *Server) handleResolveFolder(c *gin.Context) {
	ref := c.Query("ref")
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ref query parameter is required"})
		return
	}
	folders, err := s.Store.ListFolders(c.Request.Context(), c.Param("group"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, f := range folders {
		if mail.ResolveFolderRef(ref, f.FolderID, f.WellKnownName, f.DisplayName) {
			c.JSON(http.StatusOK, f)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no folder matches " + ref})
}

func (s *Server) handleVerifyGroups(c *gin.Context) {
	var req struct {
		GroupIDs []string `json:"group_ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := s.Tokens.VerifyGroups(c.Request.Context(), req.GroupIDs)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleSyncGroups(c *gin.Context) {
	var req struct {
		GroupIDs []string `json:"group_ids" binding:"required,min=1"`
		Strategy string   `json:"strategy"`
		Folders  []string `json:"folders"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := s.Sync.StartGroupsSync(c.Request.Context(), req.GroupIDs,
		syncpkg.ParseStrategy(req.Strategy), req.Folders)
	c.JSON(http.StatusAccepted, gin.H{"results": results})
}

func (s *Server) handleStartSync(c *gin.Context) {
	var req struct {
		Strategy string   `json:"strategy"`
		Folders  []string `json:"folders"`
	}
	_ = c.ShouldBindJSON(&req)

	task, err := s.Sync.StartGroupSync(c.Request.Context(), c.Param("group"),
		syncpkg.ParseStrategy(req.Strategy), req.Folders)
	if err != nil {
		c.JSON(syncStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	task, ok := s.Sync.TaskStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if !s.Sync.CancelTask(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running task with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleRunning(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.Sync.Running(), "time": time.Now().UTC()})
}

func syncStatusFor(err error) int {
	switch {
	case errors.Is(err, syncpkg.ErrSyncRunning):
		return http.StatusConflict
	case errors.Is(err, auth.ErrNotLinked):
		return http.StatusPreconditionFailed
	case errors.Is(err, auth.ErrRefreshRejected):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
