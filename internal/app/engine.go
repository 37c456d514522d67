// Package app wires the tracking engine from configuration, choosing Redis,
// Postgres and OSRM backends when they are configured and in-process
// fallbacks otherwise.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-transit/internal/arrivals"
	"github.com/example/campus-transit/internal/boarding"
	"github.com/example/campus-transit/internal/cache"
	"github.com/example/campus-transit/internal/config"
	"github.com/example/campus-transit/internal/dispatch"
	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/location"
	"github.com/example/campus-transit/internal/notify"
	"github.com/example/campus-transit/internal/qrcode"
	"github.com/example/campus-transit/internal/storage"
	"github.com/example/campus-transit/internal/tracker"
)

const busBuffer = 64

type Engine struct {
	Store     storage.Store
	Bus       eventbus.Bus
	Cache     cache.Cache
	Locations *location.Store
	Notifier  *notify.Notifier
	Tracker   *tracker.Service
	Boarding  *boarding.Manager
	Issuer    *qrcode.Issuer
	Arrivals  *arrivals.Board
	Hub       *dispatch.Hub

	redis    *redis.Client
	postgres *storage.PostgresStore
	logger   *slog.Logger
}

func Build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Engine, error) {
	e := &Engine{logger: logger}

	if cfg.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		e.Cache = cache.NewRedis(e.redis, cfg.RedisPrefix)
		e.Bus = eventbus.NewRedisBus(ctx, e.redis, busBuffer, logger)
	} else {
		e.Cache = cache.NewMemory()
		e.Bus = eventbus.NewMemoryBus(busBuffer)
	}

	store, err := e.openStore(ctx, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Store = store

	var est eta.Estimator = eta.FormulaEstimator{SpeedKmh: cfg.BusSpeedKmh}
	if cfg.OSRMEndpoint != "" {
		est = &eta.CachedEstimator{
			Client:   eta.NewOSRMClient(cfg.OSRMEndpoint),
			Cache:    eta.NewCache(5 * time.Minute),
			Fallback: eta.FormulaEstimator{SpeedKmh: cfg.BusSpeedKmh},
		}
	}

	signer, err := qrcode.NewSigner(cfg.QRSecrets, store)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Issuer = qrcode.NewIssuer(signer, e.Cache, cfg.QRTTL, logger)

	e.Locations = location.NewStore(e.Cache, cfg.LocationTTL, logger)
	// with Kafka the consumer process applies updates and the API reads them
	// back through Redis
	e.Locations.Shared = len(cfg.KafkaBrokers) > 0
	e.Notifier = notify.New(store, e.Bus, e.Cache, est, notify.Config{
		RadiusKm:      cfg.NotifyDistanceKm,
		TimeThreshold: cfg.NotifyTimeMin,
		Cooldown:      cfg.NotifyCooldown,
		SpeedKmh:      cfg.BusSpeedKmh,
		Location:      cfg.QuietHoursLocation(),
	}, logger)
	if cfg.FCMEndpoint != "" {
		e.Notifier.SetPusher(dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey))
	}
	e.Tracker = tracker.New(store, e.Locations, e.Bus, e.Notifier, tracker.Options{Workers: cfg.EvalWorkers}, logger)
	e.Boarding = boarding.NewManager(store, signer, e.Bus, e.Locations, logger)
	e.Arrivals = arrivals.NewBoard(store, e.Locations, est)
	e.Hub = dispatch.NewHub(e.Bus, logger)
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, cfg config.ServerConfig) (storage.Store, error) {
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		e.postgres = ps
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			for _, name := range applied {
				e.logger.Info("migration applied", "name", name)
			}
		}
		return ps, nil
	}
	mem := storage.NewMemoryStore()
	if cfg.SeedFile != "" {
		if err := storage.LoadSeed(mem, cfg.SeedFile); err != nil {
			return nil, fmt.Errorf("load seed: %w", err)
		}
		e.logger.Info("seed loaded", "file", cfg.SeedFile)
	}
	return mem, nil
}

// Ready reports whether the configured backends answer.
func (e *Engine) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var errs []error
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if e.postgres != nil {
		if err := e.postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the evaluation workers and releases every backend.
func (e *Engine) Close() {
	if e.Tracker != nil {
		e.Tracker.Stop()
	}
	if e.Hub != nil {
		e.Hub.Close()
	}
	if e.Bus != nil {
		_ = e.Bus.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	} else if e.postgres != nil {
		_ = e.postgres.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}
