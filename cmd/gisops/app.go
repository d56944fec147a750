package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/metrics"
	"github.com/goliatone/go-asyncop/operation"
	"github.com/goliatone/go-asyncop/store"
	"github.com/goliatone/go-asyncop/transport"
)

// app holds what every command needs. The engine runs in deferred mode
// only when a command supplies a scheduler, so it is built per command.
type app struct {
	cli       CLI
	out       io.Writer
	config    asyncop.Config
	logger    asyncop.Logger
	store     *store.SQLite
	registry  *operation.Registry
	collector *metrics.Collector
}

func newApp(ctx context.Context, cli CLI, out, logOut io.Writer) (*app, error) {
	logger := asyncop.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(logOut),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(cli.LogLevel),
	))

	cfg := asyncop.DefaultConfig()
	if path := strings.TrimSpace(cli.Config); path != "" {
		loaded, err := asyncop.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	db, err := store.OpenSQLite(ctx, cli.DB)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cli.Operations, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{
		cli:       cli,
		out:       out,
		config:    cfg,
		logger:    logger,
		store:     db,
		registry:  registry,
		collector: metrics.NewCollector(metrics.Config{}),
	}, nil
}

// newRegistry registers a plain descriptor for each named operation and for
// every operation that has a configured override.
func newRegistry(names []string, cfg asyncop.Config, logger asyncop.Logger) (*operation.Registry, error) {
	registry := operation.NewRegistry(cfg.Overrides, logger)
	seen := make(map[string]bool)
	for name := range cfg.Overrides {
		names = append(names, name)
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if err := registry.Register(operation.Descriptor{Name: name}); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (a *app) engine(opts ...operation.Option) (*operation.Engine, error) {
	endpoint := strings.TrimSpace(a.cli.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("gateway endpoint required, set --endpoint or GISOPS_ENDPOINT")
	}
	base := []operation.Option{
		operation.WithRecordStore(a.store),
		operation.WithIdentifierStore(a.store),
		operation.WithTransport(transport.NewHTTPClient(endpoint, transport.WithToken(a.cli.Token))),
		operation.WithRegistry(a.registry),
		operation.WithConfig(a.config),
		operation.WithLogger(a.logger),
		operation.WithObserver(a.collector),
	}
	return operation.New(append(base, opts...)...)
}

func (a *app) Close() error {
	return a.store.Close()
}
