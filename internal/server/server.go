// Package server exposes the Gmail push webhook and the JSON API the chat
// surface calls.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/reply"
	"github.com/Martian-dev/mailbridge/internal/store"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

// Pusher handles push notifications and reports background polling
type Pusher interface {
	HandlePush(ctx context.Context, p model.Provider, hint string) (*sync.Result, error)
	IsPolling(p model.Provider) bool
}

// PushStates reads and touches push state
type PushStates interface {
	States(ctx context.Context) ([]*model.PushState, error)
	RecordPushReceived(ctx context.Context, p model.Provider, at time.Time) error
}

// Replier sends replies to stored messages
type Replier interface {
	Reply(ctx context.Context, req reply.Request) reply.Outcome
}

// Verifier authenticates push requests
type Verifier interface {
	Verify(r *http.Request) (*auth.PushClaims, error)
}

// Deps are the collaborators of the HTTP surface. Verifier is optional.
type Deps struct {
	Store    store.Store
	Pusher   Pusher
	States   PushStates
	Replier  Replier
	Verifier Verifier
}

// Server is the gin engine with its handlers
type Server struct {
	deps   Deps
	log    *zerolog.Logger
	engine *gin.Engine
}

// New builds the router
func New(deps Deps, log *zerolog.Logger) *Server {
	s := &Server{deps: deps, log: log, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger(log))

	s.engine.GET("/healthz", s.health)

	hooks := s.engine.Group("/hooks/gmail")
	hooks.POST("", s.gmailPush)
	hooks.POST("/touch", s.gmailTouch)

	api := s.engine.Group("/api")
	api.GET("/push-state", s.pushStates)
	api.GET("/messages", s.findMessages)
	api.GET("/messages/:id", s.getMessage)
	api.GET("/providers/:provider/messages/:pmid", s.providerMessage)
	api.POST("/messages/:id/reply", s.replyMessage)
	api.POST("/messages/:id/tags", s.addTag)
	api.POST("/messages/:id/drafts", s.createDraft)
	api.PUT("/drafts/:id", s.updateDraft)
	api.DELETE("/drafts/:id", s.deleteDraft)
	api.GET("/threads/:id", s.getThread)
	api.DELETE("/threads/:id", s.setThreadDeleted(true))
	api.POST("/threads/:id/restore", s.setThreadDeleted(false))

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

// requestLogger logs each request through zerolog
func requestLogger(log *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		} else if status >= http.StatusBadRequest {
			ev = log.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mailbridge"})
}

func (s *Server) pushStates(c *gin.Context) {
	states, err := s.deps.States.States(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	polling := make(map[model.Provider]bool, len(states))
	for _, st := range states {
		polling[st.Provider] = s.deps.Pusher.IsPolling(st.Provider)
	}
	c.JSON(http.StatusOK, gin.H{"push_states": states, "polling": polling})
}
