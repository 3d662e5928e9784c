package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/manderrow/manderrow/internal/config"
	"github.com/manderrow/manderrow/internal/installer"
	"github.com/manderrow/manderrow/internal/installer/cache"
	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/modindex"
	"github.com/manderrow/manderrow/internal/profile"
	"github.com/manderrow/manderrow/internal/tasks"
)

const httpTimeout = 5 * time.Minute

// app holds the services one command invocation needs. Expensive ones are
// opened on first use.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	sink   *terminalSink
	tasks  *tasks.Manager
	client *http.Client

	registry  *modindex.Registry
	diskCache *modindex.DiskCache
	artifacts *cache.Cache
}

func loadApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	sink := newTerminalSink(os.Stdin, logger)
	return &app{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		tasks:  tasks.NewManager(sink),
		client: &http.Client{Timeout: httpTimeout},
	}, nil
}

// Close releases everything the app opened.
func (a *app) Close() error {
	var errs []error
	if a.diskCache != nil {
		errs = append(errs, a.diskCache.Close())
	}
	if a.artifacts != nil {
		errs = append(errs, a.artifacts.Close())
	}
	return errors.Join(errs...)
}

func (a *app) game(id string) (config.Game, error) {
	g, ok := a.cfg.Game(id)
	if !ok {
		return config.Game{}, fmt.Errorf("unknown game %q (see 'manderrow doctor' for the catalog)", id)
	}
	return g, nil
}

func (a *app) profiles() *profile.Store {
	return profile.NewStore(a.cfg.ProfilesDir(), logging.Component(a.logger, "profile"))
}

func (a *app) modIndex(g config.Game) (*modindex.ModIndex, error) {
	if a.registry == nil {
		dc, err := modindex.OpenDiskCache(a.cfg.IndexCacheDir())
		if err != nil {
			return nil, err
		}
		a.diskCache = dc
		a.registry = modindex.NewRegistry(a.client, dc, logging.Component(a.logger, "index"))
	}
	return a.registry.Get(g.IndexURL), nil
}

// snapshot returns the game's catalog, loading the on-disk copy and
// downloading when there is none or refresh is set.
func (a *app) snapshot(ctx context.Context, g config.Game, refresh bool) (modindex.Snapshot, error) {
	idx, err := a.modIndex(g)
	if err != nil {
		return nil, err
	}
	if !refresh {
		if _, err := idx.Load(); err != nil {
			a.logger.Warn("cannot load cached index", "game", g.ID, "err", err)
		}
	}
	task := a.tasks.Start(ctx, tasks.Metadata{
		Title:        "Fetch mod index for " + g.Name,
		Kind:         tasks.KindIndex,
		ProgressUnit: tasks.UnitBytes,
	})
	_, err = tasks.Run(task, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, idx.Fetch(ctx, refresh, task)
	})
	if err != nil {
		return nil, fmt.Errorf("cannot fetch mod index for %s: %w", g.ID, err)
	}
	return idx.Snapshot(), nil
}

func (a *app) installer() (*installer.Installer, error) {
	c, err := a.artifactCache()
	if err != nil {
		return nil, err
	}
	return installer.New(c, logging.Component(a.logger, "installer")), nil
}

func (a *app) artifactCache() (*cache.Cache, error) {
	if a.artifacts != nil {
		return a.artifacts, nil
	}
	c, err := cache.Open(a.cfg.ArtifactCacheDir(), a.client, logging.Component(a.logger, "cache"))
	if err != nil {
		return nil, err
	}
	a.artifacts = c
	return c, nil
}
