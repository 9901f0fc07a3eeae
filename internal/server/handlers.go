package server

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwbudde/pidtune/internal/history"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/remote"
)

// fail writes err as an ErrorResponse with the status its class maps to.
func fail(c *gin.Context, err error) {
	status, code := remote.Classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Store request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, remote.ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: err.Error(), Code: remote.CodeInvalid})
}

func trialID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		badRequest(c, errors.New("trial id must be a non-negative integer"))
		return 0, false
	}
	return id, true
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCreateStudy handles POST /v1/studies
func (s *Server) handleCreateStudy(c *gin.Context) {
	var spec store.StudySpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err)
		return
	}
	info, created, err := s.store.CreateStudy(c.Request.Context(), spec)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		slog.Info("Created study", "study", info.Name)
	}
	c.JSON(status, remote.CreateStudyResponse{Study: info, Created: created})
}

// handleListStudies handles GET /v1/studies
func (s *Server) handleListStudies(c *gin.Context) {
	infos, err := s.store.ListStudies(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if infos == nil {
		infos = []store.StudyInfo{}
	}
	c.JSON(http.StatusOK, infos)
}

// handleGetStudy handles GET /v1/studies/:name
func (s *Server) handleGetStudy(c *gin.Context) {
	info, err := s.store.GetStudy(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleDeleteStudy handles DELETE /v1/studies/:name
func (s *Server) handleDeleteStudy(c *gin.Context) {
	name := c.Param("name")
	if err := s.store.DeleteStudy(c.Request.Context(), name); err != nil {
		fail(c, err)
		return
	}
	s.broadcaster.CleanupStudy(name)
	slog.Info("Deleted study", "study", name)
	c.Status(http.StatusNoContent)
}

// handleReadAll handles GET /v1/studies/:name/trials
func (s *Server) handleReadAll(c *gin.Context) {
	trials, err := s.store.ReadAll(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	if trials == nil {
		trials = []store.Trial{}
	}
	c.JSON(http.StatusOK, trials)
}

// handleEnqueue handles POST /v1/studies/:name/trials
func (s *Server) handleEnqueue(c *gin.Context) {
	var req remote.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.store.Enqueue(c.Request.Context(), c.Param("name"), req.Params)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// handleClaimNext handles POST /v1/studies/:name/claim
func (s *Server) handleClaimNext(c *gin.Context) {
	var claim store.Claim
	if err := c.ShouldBindJSON(&claim); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.store.ClaimNext(c.Request.Context(), c.Param("name"), claim)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleCreateClaimed handles POST /v1/studies/:name/trials/claimed
func (s *Server) handleCreateClaimed(c *gin.Context) {
	var req remote.CreateClaimedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.store.CreateClaimed(c.Request.Context(), c.Param("name"), req.Params, req.Claim)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// handleHeartbeat handles POST /v1/studies/:name/trials/:id/heartbeat
func (s *Server) handleHeartbeat(c *gin.Context) {
	id, ok := trialID(c)
	if !ok {
		return
	}
	var req remote.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.store.Heartbeat(c.Request.Context(), c.Param("name"), id, req.Token, req.Lease); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCommit handles POST /v1/studies/:name/trials/:id/commit
func (s *Server) handleCommit(c *gin.Context) {
	id, ok := trialID(c)
	if !ok {
		return
	}
	var outcome store.Outcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		badRequest(c, err)
		return
	}
	name := c.Param("name")
	t, applied, err := s.store.Commit(c.Request.Context(), name, id, outcome)
	if err != nil {
		fail(c, err)
		return
	}
	if applied {
		s.publish(c, name, t)
	}
	c.JSON(http.StatusOK, remote.CommitResponse{Trial: t, Applied: applied})
}

// publish broadcasts a resolved trial together with the study summary.
func (s *Server) publish(c *gin.Context, study string, t store.Trial) {
	event := Event{Study: study, Kind: EventTrial, Trial: &t, Timestamp: time.Now()}
	if trials, err := s.store.ReadAll(c.Request.Context(), study); err == nil {
		event.Summary = store.Summarize(trials)
	}
	s.broadcaster.Broadcast(event)
}

// handleReclaim handles POST /v1/studies/:name/reclaim. A zero Now means the
// server clock.
func (s *Server) handleReclaim(c *gin.Context) {
	var req remote.ReclaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	n, err := s.store.ReclaimExpired(c.Request.Context(), c.Param("name"), now, req.MaxClaims)
	if err != nil {
		fail(c, err)
		return
	}
	if n > 0 {
		slog.Warn("Reclaimed expired leases", "study", c.Param("name"), "count", n)
	}
	c.JSON(http.StatusOK, remote.ReclaimResponse{Reclaimed: n})
}

// handleSummary handles GET /v1/studies/:name/summary
func (s *Server) handleSummary(c *gin.Context) {
	trials, err := s.store.ReadAll(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, store.Summarize(trials))
}

// handleBest handles GET /v1/studies/:name/best
func (s *Server) handleBest(c *gin.Context) {
	trials, err := s.store.ReadAll(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	best := store.Best(trials)
	if best == nil {
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: "no completed trial yet", Code: remote.CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, best)
}

// handleContour handles GET /v1/studies/:name/contour
func (s *Server) handleContour(c *gin.Context) {
	ctx := c.Request.Context()
	info, err := s.store.GetStudy(ctx, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	trials, err := s.store.ReadAll(ctx, info.Name)
	if err != nil {
		fail(c, err)
		return
	}

	var buf bytes.Buffer
	if err := history.RenderContour(&buf, info, trials); err != nil {
		if errors.Is(err, history.ErrTooFewDimensions) {
			badRequest(c, err)
			return
		}
		fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}
