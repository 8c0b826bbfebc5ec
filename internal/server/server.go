// Package server exposes sync, query and publishing over HTTP.
//
// Endpoints:
//
//	POST /v1/sync/:form          run one form, body {"since", "full", "limit"}
//	POST /v1/sync                run every active form
//	POST /v1/query/:dataset      aggregate query, body query.Request (+ "rollup")
//	POST /v1/publish/:dataset    materialize the default aggregation
//	POST /v1/refresh/:table      republish a materialized table
//	GET  /v1/materialized        list materialized tables
//	GET  /healthz                liveness and database ping
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"koboetl/internal/materialize"
	"koboetl/internal/query"
	"koboetl/internal/semantic"
	"koboetl/internal/syncer"
)

// Syncer runs syncs. *syncer.Engine satisfies it.
type Syncer interface {
	Sync(ctx context.Context, src syncer.Source, opts syncer.Options) (syncer.Summary, error)
	SyncAll(ctx context.Context, srcs []syncer.Source, opts syncer.Options) ([]syncer.Summary, error)
}

// Querier answers dataset queries. *query.Service satisfies it.
type Querier interface {
	Dataset(name string) (*semantic.Dataset, error)
	QueryWithComputed(ctx context.Context, dataset string, req query.Request) (query.Result, error)
	Rollup(dataset string, res query.Result, keep []string) (query.Result, error)
}

// Publisher manages materialized tables. *materialize.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, dataset string) (materialize.Snapshot, error)
	Refresh(ctx context.Context, table string) (materialize.Snapshot, error)
	List(ctx context.Context) ([]materialize.Snapshot, error)
}

// Pinger reports database liveness. *storage.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of a Server. Sources is called per request so
// a reloaded configuration takes effect without a restart.
type Deps struct {
	Syncer    Syncer
	Queries   Querier
	Publisher Publisher
	DB        Pinger
	Sources   func() []syncer.Source
	// Context bounds sync runs started by requests (default
	// context.Background). It is fixed by New, before any request is served.
	Context context.Context
}

// Server routes HTTP requests to the sync engine, query service and
// publisher.
type Server struct {
	deps   Deps
	router *gin.Engine
	// base bounds sync runs started by requests. Read-only after New.
	base context.Context
}

// New builds the router.
func New(deps Deps) *Server {
	base := deps.Context
	if base == nil {
		base = context.Background()
	}
	s := &Server{deps: deps, router: gin.New(), base: base}
	s.router.Use(gin.Recovery(), requestLog())
	s.router.GET("/healthz", s.health)
	v1 := s.router.Group("/v1")
	v1.POST("/sync", s.syncAll)
	v1.POST("/sync/:form", s.syncForm)
	v1.POST("/query/:dataset", s.query)
	v1.POST("/publish/:dataset", s.publish)
	v1.POST("/refresh/:table", s.refresh)
	v1.GET("/materialized", s.materialized)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully, waiting
// up to 30s for in-flight requests. Syncs started over HTTP are canceled
// with Deps.Context, not when their client disconnects.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("server: listening addr=%s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	log.Printf("server: stopped")
	return nil
}

// requestLog logs one line per request in the module's log style.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("server: %s %s status=%d took=%s", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Truncate(time.Millisecond))
	}
}
