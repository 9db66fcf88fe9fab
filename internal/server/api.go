package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/reply"
	"github.com/Martian-dev/mailbridge/internal/store"
)

type replyRequest struct {
	Target       string             `json:"target"`
	Body         string             `json:"body"`
	Participants model.Participants `json:"participants"`
	DraftID      int64              `json:"draft_id"`
	Fallback     bool               `json:"fallback"`
	Fresh        bool               `json:"fresh"`
}

type tagRequest struct {
	Tag string `json:"tag" binding:"required"`
}

type draftRequest struct {
	Content string `json:"content" binding:"required"`
}

// idParam parses the :id path parameter, answering 400 when it is invalid
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) getMessage(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	msg, err := s.deps.Store.GetMessage(ctx, id)
	if err != nil {
		storeError(c, err)
		return
	}
	drafts, err := s.deps.Store.ListDrafts(ctx, id)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "drafts": drafts})
}

// findMessages looks messages up by Internet Message-ID across providers
func (s *Server) findMessages(c *gin.Context) {
	imid := strings.TrimSpace(c.Query("internet_message_id"))
	if imid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "internet_message_id is required"})
		return
	}
	msgs, err := s.deps.Store.FindByInternetMessageID(c.Request.Context(), imid)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// providerMessage returns a message by its provider-native id
func (s *Server) providerMessage(c *gin.Context) {
	p, err := model.ParseProvider(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.deps.Store.GetMessageByProviderID(c.Request.Context(), p, c.Param("pmid"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// replyStatus maps a reply outcome to an HTTP status
func replyStatus(k reply.Kind) int {
	switch k {
	case reply.KindSent:
		return http.StatusOK
	case reply.KindMessageNotFound:
		return http.StatusNotFound
	case reply.KindInProgress:
		return http.StatusConflict
	case reply.KindInvalidRequest, reply.KindNoSender:
		return http.StatusBadRequest
	case reply.KindNoIdentifier, reply.KindNotFound:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) replyMessage(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body replyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := reply.Request{
		MessageID:    id,
		Body:         body.Body,
		Participants: body.Participants,
		DraftID:      body.DraftID,
		Fallback:     body.Fallback,
		Fresh:        body.Fresh,
	}
	if body.Target != "" {
		p, err := model.ParseProvider(body.Target)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Target = p
	}

	out := s.deps.Replier.Reply(c.Request.Context(), req)
	resp := gin.H{"outcome": out}
	if msg := out.ErrorMessage(); msg != "" {
		resp["error"] = msg
	}
	if out.PersistErr != nil {
		resp["persist_error"] = out.PersistErr.Error()
	}
	c.JSON(replyStatus(out.Kind), resp)
}

func (s *Server) addTag(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body tagRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tag := strings.TrimSpace(body.Tag)
	if tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tag is empty"})
		return
	}
	ctx := c.Request.Context()
	if err := s.deps.Store.AddTag(ctx, id, tag); err != nil {
		storeError(c, err)
		return
	}
	msg, err := s.deps.Store.GetMessage(ctx, id)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (s *Server) createDraft(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body draftRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.deps.Store.CreateDraft(c.Request.Context(), id, body.Content)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"draft": d})
}

func (s *Server) updateDraft(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body draftRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.deps.Store.UpdateDraft(c.Request.Context(), id, body.Content)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": d})
}

func (s *Server) deleteDraft(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteDraft(c.Request.Context(), id); err != nil {
		storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getThread(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	th, err := s.deps.Store.GetThread(ctx, id)
	if err != nil {
		storeError(c, err)
		return
	}
	msgs, err := s.deps.Store.ListThreadMessages(ctx, id)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": th, "messages": msgs})
}

// setThreadDeleted returns a handler that soft-deletes or restores a thread
func (s *Server) setThreadDeleted(deleted bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if err := s.deps.Store.SetThreadDeleted(ctx, id, deleted); err != nil {
			storeError(c, err)
			return
		}
		th, err := s.deps.Store.GetThread(ctx, id)
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"thread": th})
	}
}
