package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

// pushEnvelope is the body Pub/Sub posts to a push endpoint
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded data of a Gmail push
type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func decodePushData(data string) (*gmailNotification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(data)
	}
	if err != nil {
		return nil, err
	}
	var n gmailNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Server) verifyPush(c *gin.Context) bool {
	if s.deps.Verifier == nil {
		return true
	}
	if _, err := s.deps.Verifier.Verify(c.Request); err != nil {
		s.log.Warn().Err(err).Msg("rejected push")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
		return false
	}
	return true
}

// gmailPush handles a Pub/Sub push. Any 2xx acks the push; a 5xx makes
// Pub/Sub redeliver it, which is only useful for transient failures.
func (s *Server) gmailPush(c *gin.Context) {
	if !s.verifyPush(c) {
		return
	}

	var env pushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
		return
	}
	if env.Message.Data == "" {
		s.log.Warn().Str("pubsub_id", env.Message.MessageID).Msg("push without data")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	n, err := decodePushData(env.Message.Data)
	if err != nil {
		// redelivery would not fix a malformed payload
		s.log.Warn().Err(err).Str("pubsub_id", env.Message.MessageID).Msg("undecodable push data")
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "undecodable push data"})
		return
	}

	s.log.Info().
		Str("email", n.EmailAddress).
		Str("history_id", n.HistoryID.String()).
		Str("pubsub_id", env.Message.MessageID).
		Msg("gmail push")

	res, err := s.deps.Pusher.HandlePush(c.Request.Context(), model.ProviderGmail, n.HistoryID.String())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
	case errors.Is(err, sync.ErrSuspended) || providers.IsPermanent(err):
		_ = c.Error(err)
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
	}
}

// gmailTouch records a push without syncing
func (s *Server) gmailTouch(c *gin.Context) {
	if !s.verifyPush(c) {
		return
	}
	at := time.Now().UTC()
	if err := s.deps.States.RecordPushReceived(c.Request.Context(), model.ProviderGmail, at); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "last_push_at": at.Format(time.RFC3339)})
}
