// Package brokerservice wires the broker's components into one runnable
// service: the HTTP API, the in-memory registries, and the heartbeat
// monitor.
package brokerservice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-server-broker/brokerservice/config"
	"github.com/tinywideclouds/go-server-broker/internal/api"
	"github.com/tinywideclouds/go-server-broker/internal/handshake"
	"github.com/tinywideclouds/go-server-broker/internal/heartbeat"
	"github.com/tinywideclouds/go-server-broker/internal/registry"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// Version is the service version reported by the index route.
const Version = "0.3.0"

// Wrapper owns the HTTP server and the heartbeat monitor, and exposes the
// Start/Shutdown lifecycle the app runner expects.
type Wrapper struct {
	server  *http.Server
	monitor *heartbeat.Monitor
	servers *registry.Registry
	pending *registry.PendingStore
	logger  zerolog.Logger

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates and wires up the entire broker service.
func New(cfg *config.AppConfig, deps *broker.Dependencies, logger zerolog.Logger) (*Wrapper, error) {
	if deps == nil || deps.Resolver == nil || deps.Channel == nil {
		return nil, fmt.Errorf("broker dependencies are incomplete")
	}

	servers := registry.NewRegistry()
	pending := registry.NewPendingStore()

	coordinator := handshake.NewCoordinator(pending, servers, deps.Resolver, deps.Channel, logger)

	banner := fmt.Sprintf("hello from go-server-broker v%s!", Version)
	apiHandler := api.NewAPI(
		coordinator,
		servers,
		deps,
		cfg.AdminAPIKey,
		cfg.GlobalActionsTopic,
		banner,
		logger.With().Str("component", "API").Logger(),
	)

	monitor := heartbeat.NewMonitor(servers, pending, deps.Channel, heartbeat.Options{
		Interval:   time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		IdleAfter:  time.Duration(cfg.Heartbeat.IdleAfterSeconds) * time.Second,
		AckTimeout: time.Duration(cfg.Heartbeat.AckTimeoutSeconds) * time.Second,
		PendingTTL: time.Duration(cfg.Heartbeat.PendingTTLSeconds) * time.Second,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", apiHandler.IndexHandler)
	mux.HandleFunc("POST /server", apiHandler.CreateServerHandler)
	mux.HandleFunc("POST /server/verify", apiHandler.VerifyServerHandler)
	mux.HandleFunc("GET /server/actions", apiHandler.ServerActionsHandler)
	mux.HandleFunc("PUT /server/players", apiHandler.SetPlayersHandler)
	mux.HandleFunc("PUT /server/player/{user_id}", apiHandler.SetPlayerHandler)
	mux.HandleFunc("DELETE /server/player/{user_id}", apiHandler.RemovePlayerHandler)
	mux.HandleFunc("POST /server/ack", apiHandler.AckHandler)
	mux.HandleFunc("DELETE /server", apiHandler.RemoveServerHandler)
	mux.HandleFunc("GET /experience/{experience_id}/servers", apiHandler.ExperienceServersHandler)
	mux.HandleFunc("POST /experience/{experience_id}/trigger_action", apiHandler.TriggerActionHandler)

	return &Wrapper{
		server: &http.Server{
			Addr:    ":" + cfg.APIPort,
			Handler: mux,
		},
		monitor: monitor,
		servers: servers,
		pending: pending,
		logger:  logger,
	}, nil
}

// Registry exposes the active-connection registry, primarily for tests and
// diagnostics.
func (w *Wrapper) Registry() *registry.Registry { return w.servers }

// Start launches the heartbeat monitor and then blocks serving HTTP until
// Shutdown is called or the listener fails.
func (w *Wrapper) Start(ctx context.Context) error {
	monitorCtx, cancel := context.WithCancel(ctx)
	w.monitorCancel = cancel
	w.monitorDone = make(chan struct{})
	go func() {
		defer close(w.monitorDone)
		w.monitor.Run(monitorCtx)
	}()

	w.logger.Info().Str("addr", w.server.Addr).Msg("HTTP server starting...")
	if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cancel()
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops the heartbeat monitor, waits for it to exit, then drains
// the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down broker service...")
	var finalErr error

	if w.monitorCancel != nil {
		w.monitorCancel()
		select {
		case <-w.monitorDone:
		case <-ctx.Done():
			w.logger.Warn().Msg("Timed out waiting for heartbeat monitor to stop")
			finalErr = ctx.Err()
		}
	}

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("Broker service shut down.")
	return finalErr
}
