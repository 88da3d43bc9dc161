package cmd

import (
	"context"

	"github.com/forgeline/foreman/internal/config"
	"github.com/forgeline/foreman/internal/coordinator"
	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/gateway"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/session"
	"github.com/forgeline/foreman/internal/store"
)

// app is the assembled application: one config, one store, one
// coordinator. Commands build it fresh per invocation.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	store  store.Store
	coord  *coordinator.Coordinator

	closers []func()
}

func buildApp(ctx context.Context, dryRun bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger := log.New(cfg.LogConfig())

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gw, err := buildGateway(cfg, logger, dryRun)
	if err != nil {
		closeStore()
		return nil, err
	}

	svc := session.NewService(gw, cfg.SessionLimits(), logger)
	coord, err := coordinator.New(svc, st, logger)
	if err != nil {
		closeStore()
		return nil, err
	}
	coord.ReportDir = cfg.Workspace.ReportDir

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		coord:   coord,
		closers: []func(){closeStore},
	}, nil
}

func (a *app) Close() {
	for _, fn := range a.closers {
		fn()
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "file":
		st, err := store.NewFileStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
	return nil, nil, errors.New(errors.ErrCodeConfigInvalid, "unknown store backend: "+cfg.Store.Backend)
}

// buildGateway assembles the tool surface. Dry runs swap in the
// scripted fakes so a run exercises the whole pipeline without a model
// key, a workspace, or network access.
func buildGateway(cfg *config.Config, logger *log.Logger, dryRun bool) (*gateway.Gateway, error) {
	if dryRun {
		return &gateway.Gateway{
			Model:     gateway.NewFakeModel(),
			Workspace: gateway.NewFakeEnvironment(),
			Hosting:   &gateway.FakeHosting{},
			Docs:      &gateway.FakeSearch{},
		}, nil
	}

	invoker := gateway.NewInvoker(gateway.DefaultRetryPolicy(), logger)

	model, err := gateway.NewModelClient(cfg.ModelConfig(), invoker, logger)
	if err != nil {
		return nil, err
	}
	env, err := gateway.NewLocalEnvironment(cfg.Workspace.Root, invoker, logger)
	if err != nil {
		return nil, err
	}

	gw := &gateway.Gateway{
		Model:     model,
		Workspace: env,
		Hosting:   gateway.NewGitHosting(env),
		Docs:      gateway.NoDocs{},
	}
	if cfg.Docs.BaseURL != "" {
		gw.Docs = gateway.NewDocsClient(cfg.DocsConfig(), invoker, logger)
	}
	return gw, nil
}
