package main

import (
	"context"
	"fmt"

	"github.com/straja-ai/apkguard/internal/apk"
	"github.com/straja-ai/apkguard/internal/cache"
	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/config"
	"github.com/straja-ai/apkguard/internal/redact"
	"github.com/straja-ai/apkguard/internal/scan"
	"github.com/straja-ai/apkguard/internal/store"
	"github.com/straja-ai/apkguard/internal/store/memstore"
	"github.com/straja-ai/apkguard/internal/store/pebblestore"
	"github.com/straja-ai/apkguard/internal/store/sqlitestore"
	"github.com/straja-ai/apkguard/internal/telemetry"
)

// app holds the process-wide handles shared by every request.
type app struct {
	cfg       *config.Config
	store     store.Store
	cache     *cache.Gateway
	runtime   *classifier.ONNXRuntime
	scanner   *scan.Orchestrator
	telemetry *telemetry.Provider
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "pebble":
		return pebblestore.Open(cfg.Path, pebblestore.Options{CacheSize: cfg.CacheSizeBytes})
	case "sqlite":
		return sqlitestore.Open(cfg.Path)
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// newApp opens the store and, when withModel is set, loads the classifier.
func newApp(ctx context.Context, cfg *config.Config, withModel bool) (*app, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.ServiceName,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		tel.Shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	redact.Logf("store: backend=%s path=%s", cfg.Store.Backend, cfg.Store.Path)

	a := &app{
		cfg:       cfg,
		store:     st,
		cache:     cache.New(st, tel),
		telemetry: tel,
	}
	if !withModel {
		return a, nil
	}

	rt, err := classifier.LoadONNX(classifier.ONNXConfig{
		ModelPath:         cfg.Model.Path,
		SharedLibraryPath: cfg.Model.SharedLibraryPath,
		SHA256:            cfg.Model.SHA256,
		IntraOpThreads:    cfg.Model.IntraOpThreads,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("load model: %w", err)
	}
	a.runtime = rt
	a.scanner = scan.New(scan.Options{
		Parser:     apk.NewDexParser(cfg.Scan.MaxEntryBytes),
		Classifier: classifier.New(rt),
		Cache:      a.cache,
		Workers:    cfg.Scan.Workers,
	})
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.runtime != nil {
		if err := a.runtime.Close(); err != nil {
			redact.Logf("classifier: close: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		redact.Logf("store: close: %v", err)
	}
	a.telemetry.Shutdown(ctx)
}
