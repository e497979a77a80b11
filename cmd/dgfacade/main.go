// DGFacade gateway server - accepts structured requests over HTTP,
// WebSocket, and message brokers, and runs them through TTL-bounded
// handler executions.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ajsinha/dgfacade/pkg/api"
	"github.com/ajsinha/dgfacade/pkg/auth"
	"github.com/ajsinha/dgfacade/pkg/channels"
	"github.com/ajsinha/dgfacade/pkg/cluster"
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/dispatch"
	"github.com/ajsinha/dgfacade/pkg/engine"
	"github.com/ajsinha/dgfacade/pkg/handlers"
	"github.com/ajsinha/dgfacade/pkg/ingester"
	"github.com/ajsinha/dgfacade/pkg/metrics"
	"github.com/ajsinha/dgfacade/pkg/models"
	"github.com/ajsinha/dgfacade/pkg/streaming"
	"github.com/ajsinha/dgfacade/pkg/version"
)

// Exit codes: 0 clean shutdown, 1 fatal startup failure, 2 config error.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw + "s")
	if err != nil {
		return defaultValue
	}
	return d
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory; absence is fine.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	setupLogging()

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting DGFacade",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Configuration registries.
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Configuration initialization failed", "error", err)
		return exitConfig
	}

	// Auth.
	authSvc := auth.NewService(*configDir)
	if err := authSvc.Load(); err != nil {
		slog.Error("Auth configuration failed", "error", err)
		return exitConfig
	}

	// Streaming: WebSocket gateway + fan-out + session manager.
	streams := api.NewStreamManager(5 * time.Second)
	fanout := streaming.NewFanout(getEnv("STREAM_PREFIX", "stream"))
	fanout.SetWebSocketGateway(streams)
	sessions := streaming.NewManager(fanout)

	// Engine and the built-in handler catalogue.
	registry := engine.NewRegistry()
	eng := engine.New(cfg.Engine, registry)
	eng.SetSessionManager(sessions)

	accessor := channels.NewAccessor(cfg)
	eng.SetChannelAccessor(accessor)
	defer accessor.Close()

	// Fan-out broker egress: every configured output channel whose broker
	// kind matches a response channel becomes that kind's egress.
	wireFanoutBrokers(cfg, accessor, fanout)

	// Cluster (standalone when no seeds are configured).
	clusterSvc := cluster.NewService(cluster.Settings{
		NodeID:            getEnv("NODE_ID", uuid.New().String()),
		Host:              getEnv("NODE_HOST", "localhost"),
		Port:              atoiOr(httpPort, 8080),
		Version:           version.Full(),
		Role:              cluster.NodeRole(getEnv("CLUSTER_ROLE", string(cluster.RoleBoth))),
		Seeds:             splitNonEmpty(getEnv("CLUSTER_SEEDS", "")),
		HeartbeatInterval: getEnvSeconds("CLUSTER_HEARTBEAT_SECONDS", 10*time.Second),
	}, eng)

	// Metrics + dispatcher.
	m := metrics.New(eng, sessions)
	publicTypes := splitNonEmpty(getEnv("PUBLIC_REQUEST_TYPES", ""))
	dispatcher := dispatch.New(cfg, authSvc, eng, clusterSvc, m, publicTypes)
	dispatcher.SetMaxActive(atoiOr(getEnv("MAX_ACTIVE_EXECUTIONS", ""), 0))
	handlers.RegisterBuiltins(registry, cfg.Chains, dispatcher)

	// Ingesters.
	ingesters := ingester.NewManager(cfg, dispatcher)
	ingesters.StartAll(ctx)
	defer ingesters.StopAll()

	// Config auto-reload.
	reloader := config.NewAutoReloader(getEnvSeconds("RELOAD_INTERVAL_SECONDS", config.DefaultReloadInterval))
	cfg.RegisterAll(reloader)
	reloader.Start(ctx)
	defer reloader.Stop()

	clusterSvc.Start(ctx)
	defer clusterSvc.Stop()

	// HTTP server.
	server := api.NewServer(cfg, dispatcher, eng, sessions, streams)
	server.SetIngesterManager(ingesters)
	server.SetClusterService(clusterSvc)
	server.SetReloader(reloader)
	server.SetMetrics(m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", ":"+httpPort)
		if err := server.Start(":" + httpPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		slog.Info("Shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown failed", "error", err)
		}
		eng.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Fatal server failure", "error", err)
		return exitFatal
	}

	slog.Info("Shutdown complete")
	return exitOK
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if getEnv("LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// wireFanoutBrokers installs an egress publisher per broker response
// channel kind from the configured output channels. The first enabled
// channel of each kind wins.
func wireFanoutBrokers(cfg *config.Config, accessor *channels.Accessor, fanout *streaming.Fanout) {
	kindFor := map[config.BrokerType]models.ResponseChannel{
		config.BrokerKafka:          models.ChannelKafka,
		config.BrokerConfluentKafka: models.ChannelKafka,
		config.BrokerActiveMQ:       models.ChannelActiveMQ,
		config.BrokerRabbitMQ:       models.ChannelRabbitMQ,
		config.BrokerIBMMQ:          models.ChannelIBMMQ,
	}

	wired := make(map[models.ResponseChannel]bool)
	for _, channelID := range cfg.OutputChannels.IDs() {
		resolved, err := config.ResolveChannel(cfg.Brokers, cfg.OutputChannels, channelID, nil)
		if err != nil {
			slog.Warn("Output channel resolution failed", "channel", channelID, "error", err)
			continue
		}
		kind, ok := kindFor[resolved.Type]
		if !ok || wired[kind] {
			continue
		}
		pub, err := accessor.Publisher(channelID)
		if err != nil {
			slog.Warn("Output channel publisher failed", "channel", channelID, "error", err)
			continue
		}
		fanout.RegisterBroker(kind, pub)
		wired[kind] = true
		slog.Info("Fan-out egress wired", "channel", channelID, "kind", kind)
	}
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
