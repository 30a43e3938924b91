package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/auth"
	"github.com/KevinKickass/OpenShotCore/internal/shot"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// POST /api/v1/shots
func (s *Server) startShot(c *gin.Context) {
	var req struct {
		Number   int64  `json:"number"`
		Duration string `json:"duration"` // Go duration, e.g. "2s"
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "Invalid duration", req.Duration))
			return
		}
		d = parsed
	}

	status, err := s.lm.Sequencer().Launch(shot.Shot{Number: req.Number, Duration: d})
	if err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("Shot launched via API",
		zap.Int64("number", status.Number),
		zap.String("by", auth.Username(c)))
	c.JSON(http.StatusAccepted, status)
}

// GET /api/v1/shots/current
func (s *Server) currentShot(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Sequencer().Current())
}

// POST /api/v1/shots/abort
func (s *Server) abortShot(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "aborted by " + auth.Username(c)
	}

	if err := s.lm.Sequencer().Abort(req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "abort requested"})
}

// GET /api/v1/shots?limit=N
func (s *Server) shotHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "Invalid limit", v))
			return
		}
		limit = n
	}

	shots, err := s.lm.Sequencer().History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shots": shots,
		"count": len(shots),
	})
}
