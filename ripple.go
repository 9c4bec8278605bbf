package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/admin"
	"github.com/ripplesync/ripple/cache"
	"github.com/ripplesync/ripple/cfg"
	"github.com/ripplesync/ripple/client"
	"github.com/ripplesync/ripple/conn"
	"github.com/ripplesync/ripple/event"
	"github.com/ripplesync/ripple/invalidate"
	"github.com/ripplesync/ripple/notify"
	"github.com/ripplesync/ripple/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Ripple - Real-Time Cache Synchronization")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Built-in LRU cache kept coherent by the invalidation engine
	store, err := cache.NewLRU(cfg.Config.Cache.Capacity)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache")
		return
	}

	// Optional persistent notification history
	var notifStore notify.Store
	if cfg.Config.Notifications.Persist {
		path := filepath.Join(cfg.Config.DataDir, "notifications")
		pebbleStore, err := notify.NewPebbleStore(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to open notification store")
			return
		}
		defer pebbleStore.Close()
		notifStore = pebbleStore
	}

	// Feed transport
	var transport conn.Transport
	switch cfg.Config.Feed.Transport {
	case cfg.TransportKafka:
		transport = conn.NewKafkaTransport(cfg.Config.Feed.TopicPrefix)
	default:
		transport = conn.NewNatsTransport()
	}

	syncClient, err := client.NewClient(client.Config{
		Transport:   transport,
		FeedURL:     cfg.Config.Feed.URL,
		AuthToken:   cfg.Config.Feed.AuthToken,
		ClientID:    cfg.Config.ClientID,
		TopicPrefix: cfg.Config.Feed.TopicPrefix,
		Encoding:    cfg.Config.Feed.Encoding,

		MaxAttempts: cfg.Config.Reconnect.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Config.Reconnect.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Config.Reconnect.MaxDelayMS) * time.Millisecond,

		Cache: store,
		Session: invalidate.SessionInfo{
			UserID:         cfg.Config.Session.UserID,
			IdentityTables: cfg.Config.Session.IdentityTables,
			IdentityFields: cfg.Config.Session.IdentityFields,
		},
		CoalesceWindow: time.Duration(cfg.Config.Invalidation.CoalesceWindowMS) * time.Millisecond,

		DedupeEnabled:  cfg.Config.Dedupe.Enabled,
		DedupeCapacity: cfg.Config.Dedupe.Capacity,

		NotificationBufferSize: cfg.Config.Notifications.BufferSize,
		NotificationTables:     cfg.Config.Notifications.Tables,
		NotificationStore:      notifStore,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sync client")
		return
	}
	defer syncClient.Close()

	// Broad subscriptions for the configured watch tables keep their feed
	// channels open for the lifetime of the process.
	for _, table := range cfg.Config.Feed.WatchTables {
		if _, err := syncClient.Subscribe(table, "", func(event.ChangeEvent) {}); err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("Failed to subscribe to watch table")
			return
		}
		log.Info().Str("table", table).Msg("Watching table")
	}

	syncClient.Start()

	// Periodic gauge refresh for subscription and notification stats
	collector := telemetry.NewMetricsCollector(syncClient, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	// Admin API
	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		adminServer = startAdminServer(syncClient, store)
		defer shutdownAdminServer(adminServer)
	}

	log.Info().
		Uint64("client_id", cfg.Config.ClientID).
		Str("feed", cfg.Config.Feed.URL).
		Str("transport", string(cfg.Config.Feed.Transport)).
		Msg("Ripple started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func startAdminServer(syncClient *client.Client, store cache.Store) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(syncClient, store))

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("address", addr).Msg("Admin API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin API server failed")
		}
	}()

	return server
}

func shutdownAdminServer(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin API shutdown failed")
	}
}
