// Package api exposes the REST surface: operator auth, account groups,
// version history, token linking, sync control and mail queries.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailvault/internal/account"
	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/store"
	syncpkg "github.com/Martian-dev/mailvault/internal/sync"
)

// Server bundles the services behind the HTTP handlers.
type Server struct {
	Store      *store.Store
	Auth       *auth.Service
	Tokens     *auth.TokenManager
	Accounts   *account.Service
	Sync       *syncpkg.Manager
	Factory    syncpkg.Factory
	Downloader *mail.Downloader
	Logger     *slog.Logger
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/register", s.handleRegister)
	r.POST("/login", s.handleLogin)

	authorized := r.Group("/")
	authorized.Use(s.Auth.Middleware())
	{
		authorized.POST("/accounts", s.handleCreateGroup)
		authorized.POST("/accounts/batch", s.handleBatchCreate)
		authorized.GET("/accounts", s.handleListAccounts)
		authorized.GET("/accounts/export", s.handleExportCSV)

		authorized.GET("/groups/:group", s.handleGetGroup)
		authorized.PATCH("/groups/:group", s.handleUpdateGroup)
		authorized.DELETE("/groups/:group", s.handleDeleteGroup)
		authorized.POST("/groups/:group/emails", s.handleAddEmail)
		authorized.DELETE("/groups/:group/emails/:email", s.handleRemoveEmail)

		authorized.GET("/groups/:group/versions", s.handleListVersions)
		authorized.GET("/groups/:group/versions/:version", s.handleGetVersion)
		authorized.POST("/groups/:group/versions", s.handleSnapshot)
		authorized.POST("/groups/:group/restore", s.handleRestore)

		authorized.PUT("/groups/:group/token", s.handleLinkToken)
		authorized.DELETE("/groups/:group/token", s.handleUnlinkToken)
		authorized.POST("/auth/login/groups", s.handleVerifyGroups)
		authorized.POST("/auth/sync/groups", s.handleSyncGroups)

		authorized.GET("/groups/:group/folders", s.handleListFolders)
		authorized.GET("/groups/:group/folders/resolve", s.handleResolveFolder)
		authorized.POST("/groups/:group/sync", s.handleStartSync)
		authorized.GET("/sync/tasks/:id", s.handleTaskStatus)
		authorized.DELETE("/sync/tasks/:id", s.handleCancelTask)
		authorized.GET("/sync/running", s.handleRunning)

		authorized.GET("/groups/:group/messages", s.handleListMessages)
		authorized.GET("/messages/:id", s.handleGetMessage)
		authorized.GET("/messages/:id/content", s.handleMessageContent)
		authorized.GET("/messages/:id/attachments", s.handleListAttachments)
		authorized.GET("/attachments/:id/download", s.handleDownloadAttachment)
	}

	return r
}

func (s *Server) username(c *gin.Context) string {
	return c.GetString("username")
}
