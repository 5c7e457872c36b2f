package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"collabengine/internal/auth"
	"collabengine/internal/events"
	"collabengine/internal/session"
)

// Sessions resolves session IDs. session.Directory satisfies it.
type Sessions interface {
	Get(sessionID string) (*session.Coordinator, bool)
	List() []string
}

// Subscriber streams session events. events.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, error)
}

// Verifier checks bearer tokens. auth.Provider satisfies it.
type Verifier interface {
	Verify(token string) (auth.Grant, error)
}

// Options configures a Server. Verifier may be nil to serve without auth.
type Options struct {
	Sessions Sessions
	Events   Subscriber
	Verifier Verifier
	Logger   *zap.Logger
}

// Server serves the HTTP API.
type Server struct {
	sessions Sessions
	events   Subscriber
	verifier Verifier
	logger   *zap.Logger
	engine   *gin.Engine
}

const grantKey = "grant"

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		sessions: opts.Sessions,
		events:   opts.Events,
		verifier: opts.Verifier,
		logger:   opts.Logger.Named("http"),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(s.sessions.List())})
	})

	api := s.engine.Group("/sessions")
	api.Use(s.authenticate())
	api.GET("", s.listSessions)
	api.GET("/:id", s.withSession(s.getSession))
	api.GET("/:id/participants", s.withSession(s.listParticipants))
	api.GET("/:id/participants/:pid", s.withSession(s.getParticipant))
	api.GET("/:id/conflicts", s.withSession(s.listConflicts))
	api.GET("/:id/updates", s.withSession(s.listUpdates))
	api.GET("/:id/document", s.withSession(s.getDocument))
	api.GET("/:id/events", s.withSession(s.streamEvents))

	local := api.Group("", s.requireLocal())
	local.POST("/:id/updates", s.withSession(s.postUpdate))
	local.PUT("/:id/presence", s.withSession(s.putPresence))
	local.POST("/:id/conflicts/:uid/resolve", s.withSession(s.resolveConflict))
	local.POST("/:id/leave", s.withSession(s.leave))
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", zap.String("addr", addr))
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// authenticate accepts a bearer token from the Authorization header or,
// for browsers opening a WebSocket, the token query parameter.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		grant, err := s.verifier.Verify(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Set(grantKey, grant)
		c.Next()
	}
}

// requireLocal restricts mutations to the participant this process speaks for.
func (s *Server) requireLocal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}
		v, _ := c.Get(grantKey)
		grant, _ := v.(auth.Grant)
		coord, ok := s.sessions.Get(c.Param("id"))
		if ok && grant.ParticipantID != coord.LocalID() {
			abort(c, http.StatusForbidden, "token does not belong to the local participant")
			return
		}
		c.Next()
	}
}

func (s *Server) withSession(h func(*gin.Context, *session.Coordinator)) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord, ok := s.sessions.Get(c.Param("id"))
		if !ok {
			abort(c, http.StatusNotFound, "unknown session")
			return
		}
		h(c, coord)
	}
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
