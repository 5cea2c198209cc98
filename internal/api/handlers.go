package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"procodus.dev/sensor-monitor/internal/command"
	"procodus.dev/sensor-monitor/internal/query"
	"procodus.dev/sensor-monitor/internal/validation"
)

// controlRequest is the body of POST /api/control.
type controlRequest struct {
	NodeID  string `json:"node_id"`
	Command string `json:"command"`
}

// parseRequest reads ?hours= (default 24) and ?node_id=.
func parseRequest(c *gin.Context) (query.Request, error) {
	req := query.Request{NodeID: c.Query("node_id"), Window: query.DefaultWindow}

	raw, ok := c.GetQuery("hours")
	if !ok {
		return req, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil {
		return req, validation.New("hours", "must be an integer")
	}
	if hours <= 0 {
		return req, validation.New("hours", "must be positive")
	}
	req.Window = time.Duration(hours) * time.Hour
	return req, nil
}

// handleReadings serves GET /api/data and /api/readings.
func (s *Server) handleReadings(c *gin.Context) {
	req, err := parseRequest(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	rows, err := s.query.Readings(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// handleEvents serves GET /api/events.
func (s *Server) handleEvents(c *gin.Context) {
	req, err := parseRequest(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	rows, err := s.query.Events(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// handleStats serves GET /api/stats. An empty window answers 200 with an error body.
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.query.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if stats.Empty() {
		c.JSON(http.StatusOK, gin.H{"error": "no data found"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleControl serves POST /api/control.
func (s *Server) handleControl(c *gin.Context) {
	var body controlRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.logger.Debug("rejected control body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_id and command are required"})
		return
	}

	ack, err := s.dispatcher.Send(c.Request.Context(), body.NodeID, body.Command)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "command sent: " + ack.Command,
		"id":      ack.ID.String(),
	})
}

// handleHealth serves the health check endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	if s.ready != nil {
		if err := s.ready(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleIndex serves the dashboard page.
func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := renderIndex(c.Request.Context(), c.Writer, s.topics, s.metrics); err != nil {
		s.logger.Error("failed to render index", "error", err)
		c.String(http.StatusInternalServerError, "Internal Server Error")
	}
}

// fail maps err to a status code and writes the JSON error body.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case validation.IsValidation(err):
		s.logger.Debug("rejected request", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, command.ErrDispatch):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command could not be dispatched"})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
