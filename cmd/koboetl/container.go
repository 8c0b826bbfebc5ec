package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"koboetl/internal/config"
	"koboetl/internal/datasource/httpds"
	"koboetl/internal/entity"
	"koboetl/internal/materialize"
	"koboetl/internal/query"
	"koboetl/internal/schema"
	"koboetl/internal/semantic"
	"koboetl/internal/source"
	"koboetl/internal/storage"
	"koboetl/internal/syncer"
	"koboetl/internal/widerow"
)

// container wires the components of one process over a single database.
type container struct {
	db        *storage.DB
	client    *httpds.Client
	entities  *entity.Store
	engine    *syncer.Engine
	datasets  *semantic.Catalog
	rows      *widerow.Store
	queries   *query.Service
	publisher *materialize.Publisher

	mu      sync.RWMutex
	sources []config.Source
}

// newContainer opens storage and creates the bookkeeping tables. verbose
// turns on per-batch sync progress logs.
func newContainer(ctx context.Context, cfg *config.Config, verbose bool) (*container, error) {
	datasets, err := semantic.NewCatalog(cfg.Datasets)
	if err != nil {
		return nil, fmt.Errorf("datasets: %w", err)
	}
	db, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, err
	}

	entities := entity.NewStore(db, nil)
	syncCfg := cfg.SyncConfig()
	syncCfg.Verbose = verbose
	engine := syncer.New(db, schema.NewCatalog(db), entities, syncCfg)
	rows := widerow.New(db, entities, datasets)
	queries := query.NewService(db, datasets)
	c := &container{
		db:        db,
		client:    httpds.NewClient(cfg.HTTPConfig()),
		entities:  entities,
		engine:    engine,
		datasets:  datasets,
		rows:      rows,
		queries:   queries,
		publisher: materialize.New(db, queries, 0),
	}
	engine.SetProjector(rows)
	c.setSources(cfg.Sources)

	for _, ensure := range []func(context.Context) error{engine.EnsureTables, rows.EnsureTable, c.publisher.EnsureTable} {
		if err := ensure(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *container) Close() error { return c.db.Close() }

func (c *container) setSources(srcs []config.Source) {
	c.mu.Lock()
	c.sources = srcs
	c.mu.Unlock()
	for _, s := range srcs {
		c.rows.SetTable(s.Name, s.Table)
	}
}

// reload installs the datasets and sources of a changed configuration.
// Storage, HTTP and runtime settings need a restart.
func (c *container) reload(cfg *config.Config) {
	if err := c.datasets.Replace(cfg.Datasets); err != nil {
		log.Printf("config: datasets not reloaded: %v", err)
		return
	}
	c.setSources(cfg.Sources)
	log.Printf("config: applied datasets=%d sources=%d", len(cfg.Datasets), len(cfg.Sources))
}

func (c *container) configSource(form string) (config.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sources {
		if s.Name == form {
			return s, true
		}
	}
	return config.Source{}, false
}

func (c *container) connector(s config.Source) (*source.Connector, error) {
	return source.New(s.Name, c.client, s.Endpoint(), s.Mode)
}

// syncSource builds the engine source for form.
func (c *container) syncSource(form string) (syncer.Source, error) {
	s, ok := c.configSource(form)
	if !ok {
		return syncer.Source{}, fmt.Errorf("unknown form %q", form)
	}
	conn, err := c.connector(s)
	if err != nil {
		return syncer.Source{}, err
	}
	return s.SyncSource(conn), nil
}

// syncSources builds the engine sources of every configured form. Forms
// whose connector cannot be built are logged and left out.
func (c *container) syncSources() []syncer.Source {
	c.mu.RLock()
	srcs := append([]config.Source(nil), c.sources...)
	c.mu.RUnlock()
	out := make([]syncer.Source, 0, len(srcs))
	for _, s := range srcs {
		conn, err := c.connector(s)
		if err != nil {
			log.Printf("sources: form=%s skipped: %v", s.Name, err)
			continue
		}
		out = append(out, s.SyncSource(conn))
	}
	return out
}
