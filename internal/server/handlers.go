package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"koboetl/internal/materialize"
	"koboetl/internal/query"
	"koboetl/internal/source"
	"koboetl/internal/syncer"
)

type syncRequest struct {
	Since *time.Time `json:"since"`
	Full  bool       `json:"full"`
	Limit int        `json:"limit"`
}

type queryRequest struct {
	query.Request
	Rollup []string `json:"rollup,omitempty"`
}

type syncAllResponse struct {
	Summaries []syncer.Summary `json:"summaries"`
	Error     string           `json:"error,omitempty"`
}

type syncResponse struct {
	syncer.Summary
	Error string `json:"error,omitempty"`
}

// bind decodes an optional JSON body into v; an empty body leaves it zero.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (r syncRequest) options() syncer.Options {
	return syncer.Options{Since: r.Since, Full: r.Full, Limit: r.Limit}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) sources() []syncer.Source {
	if s.deps.Sources == nil {
		return nil
	}
	return s.deps.Sources()
}

// runContext keeps the request's values but not its cancellation, so a
// client that disconnects does not abort a run between batches. The run
// stops when the server's base context ends.
func (s *Server) runContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	stop := context.AfterFunc(s.base, cancel)
	if s.base.Err() != nil {
		cancel()
	}
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) syncForm(c *gin.Context) {
	form := c.Param("form")
	var req syncRequest
	if !bind(c, &req) {
		return
	}
	var (
		src   syncer.Source
		found bool
	)
	for _, x := range s.sources() {
		if x.Form == form {
			src, found = x, true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown form " + form})
		return
	}

	ctx, cancel := s.runContext(c)
	defer cancel()
	sum, err := s.deps.Syncer.Sync(ctx, src, req.options())
	resp := syncResponse{Summary: sum}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, syncer.ErrAlreadyRunning):
			status = http.StatusConflict
		case errors.Is(err, source.ErrExhausted), errors.Is(err, source.ErrDiscovery):
			status = http.StatusBadGateway
		default:
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, resp)
}

func (s *Server) syncAll(c *gin.Context) {
	var req syncRequest
	if !bind(c, &req) {
		return
	}
	ctx, cancel := s.runContext(c)
	defer cancel()
	sums, err := s.deps.Syncer.SyncAll(ctx, s.sources(), req.options())
	resp := syncAllResponse{Summaries: sums}
	status := http.StatusOK
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning) && len(sums) == 0:
		status = http.StatusConflict
		resp.Error = err.Error()
	case err != nil:
		// Per-form failures are reported in the summaries.
		resp.Error = err.Error()
	}
	c.JSON(status, resp)
}

func (s *Server) query(c *gin.Context) {
	name := c.Param("dataset")
	if _, err := s.deps.Queries.Dataset(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var req queryRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.deps.Queries.QueryWithComputed(c.Request.Context(), name, req.Request)
	if err == nil && len(req.Rollup) > 0 {
		res, err = s.deps.Queries.Rollup(name, res, req.Rollup)
	}
	switch {
	case errors.Is(err, query.ErrUnknownCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) publish(c *gin.Context) {
	name := c.Param("dataset")
	if _, err := s.deps.Queries.Dataset(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	snap, err := s.deps.Publisher.Publish(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) refresh(c *gin.Context) {
	snap, err := s.deps.Publisher.Refresh(c.Request.Context(), c.Param("table"))
	switch {
	case errors.Is(err, materialize.ErrUnknownTable), errors.Is(err, query.ErrUnknownCode):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, snap)
	}
}

func (s *Server) materialized(c *gin.Context) {
	list, err := s.deps.Publisher.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []materialize.Snapshot{}
	}
	c.JSON(http.StatusOK, list)
}
