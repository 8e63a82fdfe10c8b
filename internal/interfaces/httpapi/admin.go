package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quoterelay/internal/application/port"
	"quoterelay/internal/application/service"
)

type symbolRequest struct {
	Symbol   string `json:"symbol"`
	Category string `json:"category"`
}

type symbolsRequest struct {
	Symbols []string `json:"symbols"`
}

type overrideRequest struct {
	Symbol     string     `json:"symbol"`
	Symbols    []string   `json:"symbols"`
	Price      *float64   `json:"price"`
	Multiplier *float64   `json:"multiplier"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

func (r overrideRequest) toService() service.OverrideRequest {
	return service.OverrideRequest{Price: r.Price, Multiplier: r.Multiplier, ExpiresAt: r.ExpiresAt}
}

type delayRequest struct {
	Delay *int64 `json:"delay"`
}

type pauseRequest struct {
	Symbol string `json:"symbol"`
	Paused bool   `json:"paused"`
}

type mappingRequest struct {
	Symbol string `json:"symbol"`
	Ticker string `json:"ticker"`
}

func isNotFound(err error) bool { return errors.Is(err, port.ErrNotFound) }

func (s *Server) getConfig(c *gin.Context) {
	cfg, err := s.admin.Config(c.Request.Context())
	if err != nil {
		s.fail(c, "Config", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) addSymbol(c *gin.Context) {
	var req symbolRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" {
		s.badRequest(c, "symbol required")
		return
	}
	res, err := s.admin.AddInstrument(c.Request.Context(), req.Symbol, req.Category)
	if err != nil {
		s.fail(c, "AddInstrument", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

func (s *Server) removeSymbol(c *gin.Context) {
	if err := s.admin.RemoveInstrument(c.Request.Context(), c.Param("symbol")); err != nil {
		s.fail(c, "RemoveInstrument", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) bulkDelete(c *gin.Context) {
	var req symbolsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Symbols) == 0 {
		s.badRequest(c, "symbols required")
		return
	}
	n, err := s.admin.RemoveInstruments(c.Request.Context(), req.Symbols)
	if err != nil {
		s.fail(c, "RemoveInstruments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": n})
}

func (s *Server) setOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" {
		s.badRequest(c, "symbol required")
		return
	}
	if err := s.admin.SetOverride(c.Request.Context(), req.Symbol, req.toService()); err != nil {
		s.fail(c, "SetOverride", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) bulkOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Symbols) == 0 {
		s.badRequest(c, "symbols required")
		return
	}
	n, err := s.admin.SetOverrides(c.Request.Context(), req.Symbols, req.toService())
	if err != nil {
		s.fail(c, "SetOverrides", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "applied": n})
}

func (s *Server) setDelay(c *gin.Context) {
	var req delayRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Delay == nil {
		s.badRequest(c, "delay (ms) required")
		return
	}
	if err := s.admin.SetDelay(c.Request.Context(), time.Duration(*req.Delay)*time.Millisecond); err != nil {
		s.fail(c, "SetDelay", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "delay": *req.Delay})
}

func (s *Server) setPause(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" {
		s.badRequest(c, "symbol required")
		return
	}
	if err := s.admin.SetPaused(c.Request.Context(), req.Symbol, req.Paused); err != nil {
		s.fail(c, "SetPaused", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "paused": req.Paused})
}

func (s *Server) setCategory(c *gin.Context) {
	var req symbolRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" {
		s.badRequest(c, "symbol required")
		return
	}
	ticker, err := s.admin.SetCategory(c.Request.Context(), req.Symbol, req.Category)
	if err != nil && !errors.Is(err, service.ErrUnresolved) {
		s.fail(c, "SetCategory", err)
		return
	}
	// the category is stored even when the name no longer resolves
	c.JSON(http.StatusOK, gin.H{"success": true, "ticker": ticker, "resolved": err == nil})
}

func (s *Server) listMappings(c *gin.Context) {
	list, err := s.admin.Mappings(c.Request.Context())
	if err != nil {
		s.fail(c, "Mappings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": list})
}

func (s *Server) setMapping(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" || req.Ticker == "" {
		s.badRequest(c, "symbol and ticker required")
		return
	}
	m, err := s.admin.SetMapping(c.Request.Context(), req.Symbol, req.Ticker)
	if err != nil {
		s.fail(c, "SetMapping", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "mapping": m})
}

func (s *Server) clearMapping(c *gin.Context) {
	if err := s.admin.ClearMapping(c.Request.Context(), c.Param("symbol")); err != nil {
		s.fail(c, "ClearMapping", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) clearMappings(c *gin.Context) {
	if err := s.admin.ClearMappings(c.Request.Context()); err != nil {
		s.fail(c, "ClearMappings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
