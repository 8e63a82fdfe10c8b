// Package httpapi is the HTTP surface of the relay: the subscriber websocket,
// the status endpoints and the admin API.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quoterelay/internal/application/service"
	"quoterelay/internal/application/usecase/relay"
	"quoterelay/internal/domain"
)

// Relay is the subset of the engine the HTTP layer needs.
type Relay interface {
	Connect(s relay.Subscriber) error
	Disconnect(id string)
	Status() domain.Status
}

// Admin is the operator API backed by the admin service.
type Admin interface {
	Config(ctx context.Context) (service.AdminConfig, error)
	PublicSymbols(ctx context.Context) ([]string, error)
	AddInstrument(ctx context.Context, name, category string) (service.AddResult, error)
	RemoveInstrument(ctx context.Context, name string) error
	RemoveInstruments(ctx context.Context, names []string) (int, error)
	SetOverride(ctx context.Context, name string, req service.OverrideRequest) error
	SetOverrides(ctx context.Context, names []string, req service.OverrideRequest) (int, error)
	SetDelay(ctx context.Context, d time.Duration) error
	SetPaused(ctx context.Context, name string, paused bool) error
	SetCategory(ctx context.Context, name, category string) (string, error)
	Mappings(ctx context.Context) ([]domain.TickerMapping, error)
	SetMapping(ctx context.Context, name, ticker string) (domain.TickerMapping, error)
	ClearMapping(ctx context.Context, name string) error
	ClearMappings(ctx context.Context) error
}

type Options struct {
	SubscriberToken  string
	AdminToken       string
	SubscriberBuffer int
	CORSOrigin       string
}

type Server struct {
	R     *gin.Engine
	relay Relay
	admin Admin
	opts  Options

	upgrader websocket.Upgrader
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewServer(r Relay, admin Admin, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()

	g.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	})
	g.Use(gin.Recovery())
	g.Use(cors(opts.CORSOrigin))

	s := &Server{
		R:     g,
		relay: r,
		admin: admin,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	g.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	g.GET("/ws", s.serveWS)
	g.GET("/api/status", s.getStatus)
	g.GET("/api/public-symbols", s.getPublicSymbols)

	if strings.TrimSpace(opts.AdminToken) == "" {
		log.Warn().Msg("auth.admin_token empty, admin api disabled")
		return s
	}
	a := g.Group("/api/admin", s.requireAdmin)
	a.GET("/config", s.getConfig)
	a.POST("/symbol", s.addSymbol)
	a.DELETE("/symbol/:symbol", s.removeSymbol)
	a.POST("/symbols/bulk-delete", s.bulkDelete)
	a.POST("/override", s.setOverride)
	a.POST("/symbols/bulk-override", s.bulkOverride)
	a.POST("/delay", s.setDelay)
	a.POST("/pause", s.setPause)
	a.POST("/category", s.setCategory)
	a.GET("/ticker-cache", s.listMappings)
	a.POST("/ticker-cache", s.setMapping)
	a.DELETE("/ticker-cache/:symbol", s.clearMapping)
	a.DELETE("/ticker-cache", s.clearMappings)
	return s
}

func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Vary", "Origin")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Max-Age", "86400")
		if origin == "*" {
			h.Set("Access-Control-Allow-Origin", "*")
		} else if o := c.GetHeader("Origin"); o != "" && o == origin {
			h.Set("Access-Control-Allow-Origin", origin)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler { return s.R }

func tokenEqual(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) requireAdmin(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || !tokenEqual(strings.TrimSpace(token), s.opts.AdminToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Code: "unauthorized", Message: "invalid admin token"})
		return
	}
	c.Next()
}

func (s *Server) serveWS(c *gin.Context) {
	if !tokenEqual(c.Query("token"), s.opts.SubscriberToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Code: "unauthorized", Message: "invalid token"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := newClient(conn, s.opts.SubscriberBuffer)
	go cl.writePump()
	if err := s.relay.Connect(cl); err != nil {
		log.Warn().Err(err).Str("subscriber", cl.ID()).Msg("subscriber replay failed")
		_ = cl.Close()
		return
	}
	log.Debug().Str("subscriber", cl.ID()).Str("ip", c.ClientIP()).Msg("subscriber connected")
	cl.readPump(func() {
		s.relay.Disconnect(cl.ID())
		log.Debug().Str("subscriber", cl.ID()).Msg("subscriber disconnected")
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.relay.Status())
}

func (s *Server) getPublicSymbols(c *gin.Context) {
	names, err := s.admin.PublicSymbols(c.Request.Context())
	if err != nil {
		s.fail(c, "PublicSymbols", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"symbols": names})
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: msg})
}

// fail maps service errors onto status codes.
func (s *Server) fail(c *gin.Context, where string, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyName),
		errors.Is(err, service.ErrInvalidOverride),
		errors.Is(err, service.ErrInvalidDelay):
		s.badRequest(c, err.Error())
	case errors.Is(err, service.ErrExists):
		c.JSON(http.StatusConflict, apiError{Code: "conflict", Message: err.Error()})
	case isNotFound(err):
		c.JSON(http.StatusNotFound, apiError{Code: "not_found", Message: err.Error()})
	case errors.Is(err, service.ErrUnresolved):
		c.JSON(http.StatusUnprocessableEntity, apiError{Code: "unresolved", Message: err.Error()})
	default:
		log.Error().Err(err).Str("where", where).Msg("internal error")
		c.JSON(http.StatusInternalServerError, apiError{Code: "internal_server_error", Message: "internal server error"})
	}
}
