package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/store"
)

func (s *Server) handleListMessages(c *gin.Context) {
	f := store.MessageFilter{
		GroupID:         c.Param("group"),
		FolderID:        c.Query("folder"),
		Search:          c.Query("q"),
		SubjectContains: c.Query("subject"),
		FromContains:    c.Query("from"),
		ToContains:      c.Query("to"),
		LabelsContains:  c.Query("label"),
		ReceivedAfter:   c.Query("after"),
		ReceivedBefore:  c.Query("before"),
		Page:            intQuery(c, "page", 1),
		Size:            intQuery(c, "size", 50),
	}
	if v := c.Query("has_attachments"); v != "" {
		b := v == "true"
		f.HasAttachments = &b
	}
	if v := c.Query("unread"); v != "" {
		b := v == "true"
		f.Unread = &b
	}

	msgs, total, err := s.Store.ListMessages(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": total, "page": f.Page, "size": f.Size})
}

func (s *Server) handleGetMessage(c *gin.Context) {
	msg, err := s.messageFromPath(c)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, msg)
}

// handleMessageContent serves the message body, fetching it from the
// provider on first access.
func (s *Server) handleMessageContent(c *gin.Context) {
	ctx := c.Request.Context()
	msg, err := s.messageFromPath(c)
	if err != nil {
		return
	}

	body, err := s.Store.GetBody(ctx, msg.ID)
	if errors.Is(err, store.ErrNotFound) {
		provider, perr := s.Factory(ctx, msg.GroupID)
		if perr != nil {
			c.JSON(syncStatusFor(perr), gin.H{"error": perr.Error()})
			return
		}
		body, err = s.Downloader.Content(ctx, provider, msg)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListAttachments(c *gin.Context) {
	msg, err := s.messageFromPath(c)
	if err != nil {
		return
	}
	atts, err := s.Store.ListAttachments(c.Request.Context(), msg.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": atts})
}

// handleDownloadAttachment serves attachment bytes, downloading them from
// the provider on first access.
func (s *Server) handleDownloadAttachment(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment id"})
		return
	}

	att, err := s.Store.GetAttachment(ctx, id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	msg, err := s.Store.GetMessage(ctx, att.MessageID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if att.DownloadStatus != store.DownloadDone || att.FilePath == "" {
		provider, perr := s.Factory(ctx, msg.GroupID)
		if perr != nil {
			c.JSON(syncStatusFor(perr), gin.H{"error": perr.Error()})
			return
		}
		att, err = s.Downloader.Attachment(ctx, provider, msg, att)
		if err != nil {
			if errors.Is(err, mail.ErrDownloadBusy) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", `attachment; filename="`+att.Name+`"`)
	c.Header("Content-Type", contentType)
	c.File(att.FilePath)
}

func (s *Server) messageFromPath(c *gin.Context) (*store.Message, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return nil, err
	}
	msg, err := s.Store.GetMessage(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return nil, err
	}
	return msg, nil
}
