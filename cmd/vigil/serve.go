package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/auth"
	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/internal/mqtt"
	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/server"
	"github.com/HerbHall/vigil/internal/version"
	"github.com/HerbHall/vigil/internal/webhook"
	"github.com/HerbHall/vigil/internal/ws"
)

func runServe(parent context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	logger.Info("vigil starting", zap.String("version", version.Short()))

	// Latest results feed the API; the WebSocket handler streams cycles.
	latest := pipeline.NewLatest()
	a.bus.Subscribe(event.TopicCheckResults, latest.Handle)
	wsHandler := ws.NewHandler(a.bus, logger.Named("ws"))
	defer wsHandler.Close()

	// Notifications: state changes are derived from consecutive cycles.
	transitions := pipeline.NewTransitions(a.bus)
	a.bus.Subscribe(event.TopicCheckResults, transitions.Handle)

	webhookCfg := webhook.DefaultConfig()
	if err := a.cfg.Sub("webhook").Unmarshal(&webhookCfg); err != nil {
		return fmt.Errorf("decode webhook config: %w", err)
	}
	notifier, err := webhook.New(webhookCfg, logger.Named("webhook"))
	if err != nil {
		return err
	}
	if notifier.Active() {
		a.bus.Subscribe(event.TopicStateChanged, notifier.Handle)
		go notifier.Run(ctx)
	}

	mqttCfg := mqtt.DefaultConfig()
	if err := a.cfg.Sub("mqtt").Unmarshal(&mqttCfg); err != nil {
		return fmt.Errorf("decode mqtt config: %w", err)
	}
	publisher := mqtt.New(mqttCfg, logger.Named("mqtt"))
	if err := publisher.Start(ctx); err != nil {
		return err
	}
	defer publisher.Stop()
	a.bus.Subscribe(event.TopicCheckResults, publisher.HandleResults)
	a.bus.Subscribe(event.TopicStateChanged, publisher.HandleStateChange)
	a.bus.Subscribe(event.TopicInventoryChanged, publisher.HandleInventory)

	// Rule hot reload: file watch plus SIGHUP.
	go func() {
		if err := a.rules.Watch(ctx, a.cfg.GetDuration("rules.reload_debounce")); err != nil {
			logger.Error("rule watcher stopped", zap.Error(err))
		}
	}()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := a.rules.Reload(); err != nil {
					logger.Error("rule reload failed, keeping previous rules", zap.Error(err))
				}
			}
		}
	}()

	tokens, err := tokenService(a.cfg.GetString("auth.jwt_secret"), a.cfg.GetDuration("auth.token_ttl"))
	if err != nil {
		return err
	}
	var authMiddleware server.Middleware
	if tokens != nil {
		authMiddleware = auth.Middleware(tokens)
		logger.Info("API authentication enabled", zap.String("component", "auth"))
	} else {
		logger.Warn("auth.jwt_secret is not set, API is unauthenticated", zap.String("component", "auth"))
	}

	srvCfg := server.DefaultConfig()
	if err := a.cfg.Sub("server").Unmarshal(&srvCfg); err != nil {
		return fmt.Errorf("decode server config: %w", err)
	}
	srv := server.New(srvCfg, server.Options{
		Plugins:   a.registry,
		Results:   latest,
		Inventory: a.inventory,
		Rules:     a.rules,
		Check:     a.checkNow,
		Ready: func(ctx context.Context) error {
			return a.db.DB().PingContext(ctx)
		},
		Auth:        authMiddleware,
		ExtraRoutes: []server.SimpleRouteRegistrar{wsHandler},
	}, logger.Named("server"))

	scheduler := pipeline.NewScheduler(a.hosts, a.runner, a.pipeline, logger.Named("scheduler"))
	scheduler.Start(ctx)

	// Start server in background
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	logger.Info("vigil ready",
		zap.String("addr", srvCfg.Addr()),
		zap.Int("hosts", len(a.hosts)),
		zap.Duration("interval", a.pipeline.Interval),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-parent.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	scheduler.Stop()
	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("vigil stopped")
	return nil
}

// checkNow runs an immediate cycle for the named host, bounded by the
// cycle timeout.
func (a *app) checkNow(ctx context.Context, name string) (*pipeline.CycleReport, error) {
	host, err := a.hosts.Lookup(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.pipeline.CycleTimeout)
	defer cancel()
	return a.runner.RunHost(ctx, host)
}

// tokenService returns nil when no JWT secret is configured.
func tokenService(secret string, ttl time.Duration) (*auth.TokenService, error) {
	if secret == "" {
		return nil, nil
	}
	return auth.NewTokenService([]byte(secret), ttl)
}
