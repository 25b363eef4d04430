// Command server is the chatcore process entrypoint: it loads
// configuration, wires every component spec.md names, and serves the
// HTTP/WebSocket surface until an interrupt or SIGTERM asks it to stop.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/agentconn"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/httpapi"
	"github.com/wiremesh/chatcore/internal/jobs"
	"github.com/wiremesh/chatcore/internal/persistence"
	"github.com/wiremesh/chatcore/internal/persistence/memstore"
	"github.com/wiremesh/chatcore/internal/pgstore"
	"github.com/wiremesh/chatcore/internal/security"
	"github.com/wiremesh/chatcore/internal/session"
	"github.com/wiremesh/chatcore/internal/socket"
)

func main() {
	core.LoadDotEnv(".env")
	cfg := core.LoadConfig()

	logger := core.NewProductionLogger(cfg.Logging, "chatcore")
	logger.Info("starting chatcore", map[string]interface{}{
		"port": cfg.ServerPort, "data_isolation": cfg.EnableDataIsolation,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize persistence", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer closeStore()

	_, shutdownTelemetry, err := core.NewOTelTelemetry(ctx, core.TelemetryConfig{
		ServiceName: "chatcore",
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    true,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	b := bus.New(logger)

	// broadcaster is constructed empty and wired to the real socket.Router
	// once it exists, breaking the channelsvc<->socket.Router construction
	// cycle (channels needs a SocketBroadcaster up front; the router needs
	// channels itself). Same technique httpapi's test harness uses.
	broadcaster := &deferredBroadcaster{}
	channels := channelsvc.New(store, b, broadcaster, nil, cfg.ServerID, logger)

	sessions := session.New(store, channels, cfg.ServerID, session.Config{
		DefaultTimeoutMinutes:   cfg.SessionDefaultTimeoutMinutes,
		MinTimeoutMinutes:       cfg.SessionMinTimeoutMinutes,
		MaxTimeoutMinutes:       cfg.SessionMaxTimeoutMinutes,
		MaxDurationMinutes:      cfg.SessionMaxDurationMinutes,
		WarningThresholdMinutes: cfg.SessionWarningThresholdMinutes,
		CleanupIntervalMinutes:  cfg.SessionCleanupIntervalMinutes,
	}, core.SystemClock{}, logger, sessionMirrorFromConfig(cfg, logger))
	sessions.Start()
	defer sessions.Cleanup()

	jobRouter := jobs.New(store, channels, b, cfg.ServerID, jobs.Config{
		DefaultTimeout:     time.Duration(cfg.JobsDefaultTimeoutSeconds) * time.Second,
		AbsoluteMaxTimeout: time.Duration(cfg.JobsAbsoluteMaxTimeoutSeconds) * time.Second,
		SweepInterval:      time.Duration(cfg.JobsSweepIntervalSeconds) * time.Second,
		TerminalRetention:  time.Duration(cfg.JobsTerminalRetentionSeconds) * time.Second,
		MaxJobsInMemory:    cfg.JobsMaxInMemory,
	}, core.SystemClock{}, logger)
	jobRouter.Start()
	defer jobRouter.Cleanup()

	sockRouter := socket.New(store, channels, b, socket.Config{
		DataIsolationEnabled:  cfg.EnableDataIsolation,
		AllowedRoomsCacheSize: cfg.SocketAllowedRoomsCacheSize,
	}, nil, logger)
	broadcaster.router = sockRouter
	sockRouter.Start()

	startAgentConnectors(ctx, cfg, store, b, channels, logger)

	mux := httpapi.NewRouter(httpapi.Deps{
		Store:           store,
		Channels:        channels,
		Sessions:        sessions,
		Jobs:            jobRouter,
		Socket:          sockRouter,
		Bus:             b,
		Limiters:        security.NewLimiters(cfg, logger),
		ChannelFailures: security.NewChannelIDFailureCounter(cfg.ChannelIDFailureThreshold, time.Duration(cfg.ChannelIDFailureWindowSeconds)*time.Second),
		Config:          cfg,
		Logger:          logger,
		CurrentServerID: cfg.ServerID,
	})

	srv := &http.Server{
		Addr:         cfg.ServerHost + ":" + strconv.Itoa(cfg.ServerPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE responses stream indefinitely
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down", nil)

	if cfg.ClearSessionsOnShutdown {
		for _, s := range sessions.List(context.Background()) {
			_ = sessions.Delete(context.Background(), s.ID)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("server stopped", nil)
}

// deferredBroadcaster resolves the channelsvc<->socket.Router
// construction cycle described above main's body.
type deferredBroadcaster struct{ router *socket.Router }

func (d *deferredBroadcaster) BroadcastMessage(channelID string, msg *domain.Message) {
	if d.router != nil {
		d.router.BroadcastMessage(channelID, msg)
	}
}
func (d *deferredBroadcaster) BroadcastMessageDeleted(channelID, messageID string) {
	if d.router != nil {
		d.router.BroadcastMessageDeleted(channelID, messageID)
	}
}
func (d *deferredBroadcaster) BroadcastChannelCleared(channelID string) {
	if d.router != nil {
		d.router.BroadcastChannelCleared(channelID)
	}
}

// openStore selects memstore or pgstore based on POSTGRES_URL, matching
// the teacher's own store-selection-by-config convention. A Postgres
// store is migrated to the latest schema before it serves traffic.
func openStore(ctx context.Context, cfg core.Config, logger core.Logger) (persistence.Store, func(), error) {
	if strings.TrimSpace(cfg.PostgresURL) == "" {
		logger.Info("using in-memory persistence store", nil)
		return memstore.New(), func() {}, nil
	}
	if err := pgstore.Migrate(cfg.PostgresURL); err != nil {
		return nil, nil, err
	}
	store, err := pgstore.Open(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using postgres persistence store", nil)
	return store, store.Close, nil
}

// sessionMirrorFromConfig wires a RedisMirror when REDIS_URL is set;
// mirroring is observational, so its absence never blocks startup.
func sessionMirrorFromConfig(cfg core.Config, logger core.Logger) session.Mirror {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, session mirroring disabled", map[string]interface{}{"error": err.Error()})
		return nil
	}
	client := redis.NewClient(opts)
	return session.NewRedisMirror(client, 24*time.Hour, logger)
}

// startAgentConnectors spins up one agentconn.Connector per agent id in
// AGENT_IDS (comma-separated), each backed by EchoRuntime. Wiring a real
// agent runtime is deployment-specific and external per spec §1; this
// gives local runs and integration smoke tests a working default.
func startAgentConnectors(ctx context.Context, cfg core.Config, store persistence.Store, b *bus.Bus, channels *channelsvc.Service, logger core.Logger) {
	raw := os.Getenv("AGENT_IDS")
	if strings.TrimSpace(raw) == "" {
		return
	}
	for _, agentID := range strings.Split(raw, ",") {
		agentID = strings.TrimSpace(agentID)
		if agentID == "" {
			continue
		}
		connector := agentconn.New(agentID, store, b, channels, agentconn.EchoRuntime{}, logger)
		if err := connector.Start(ctx); err != nil {
			logger.Error("failed to start agent connector", map[string]interface{}{"agent_id": agentID, "error": err.Error()})
			continue
		}
		logger.Info("agent connector started", map[string]interface{}{"agent_id": agentID})
	}
}
