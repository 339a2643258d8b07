package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/eraif/coreengine/config"
	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/providers"
	"github.com/jeeves-cluster-organization/eraif/coreengine/system"
)

// app is what every command builds from configuration.
type app struct {
	cfg          *config.SystemConfig
	logger       *logging.ZapLogger
	checkpointer checkpoint.Checkpointer
	sys          *system.System
	closers      []func() error
}

// newApp loads configuration, applies overrides, and builds the system on
// the rule-based providers.
func newApp(ctx context.Context, configPath string, override func(*config.SystemConfig)) (*app, error) {
	cfg, err := config.NewLoader().WithPath(configPath).Load()
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	cp, closeCP, err := openCheckpointer(ctx, cfg.Checkpoint)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	a.checkpointer = cp
	if closeCP != nil {
		a.closers = append(a.closers, closeCP)
	}

	sys, err := system.New(cfg, system.Deps{
		Providers:    providers.RuleBased(),
		Checkpointer: cp,
		Logger:       logger,
	})
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.sys = sys
	return a, nil
}

// close shuts the system down, then releases the checkpoint backend.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.sys != nil {
		if err := a.sys.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// openCheckpointer builds the configured backend. The close function is
// nil for backends holding no resources.
func openCheckpointer(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Checkpointer, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return checkpoint.NewMemoryCheckpointer(), nil, nil
	case "redis":
		var opts []checkpoint.RedisOption
		if cfg.TTL > 0 {
			opts = append(opts, checkpoint.WithTTL(cfg.TTL))
		}
		cp, err := checkpoint.DialRedis(ctx, cfg.RedisAddr, cfg.RedisDB, opts...)
		if err != nil {
			return nil, nil, err
		}
		return cp, cp.Close, nil
	case "sqlite":
		cp, err := checkpoint.OpenSQLite(cfg.SQLPath)
		if err != nil {
			return nil, nil, err
		}
		return cp, cp.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
}

// pruner is implemented by backends that drop old records on demand.
type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// runPruneLoop drops checkpoints older than ttl every interval until ctx
// is done.
func runPruneLoop(ctx context.Context, p pruner, interval, ttl time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx, time.Now().Add(-ttl))
			if err != nil {
				logger.Warn("checkpoint_prune_failed", "error", err.Error())
				continue
			}
			if n > 0 {
				logger.Info("checkpoints_pruned", "removed", n)
			}
		}
	}
}
