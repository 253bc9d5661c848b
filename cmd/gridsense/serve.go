package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/api"
	"github.com/nugget/gridsense/internal/buildinfo"
	"github.com/nugget/gridsense/internal/command"
	"github.com/nugget/gridsense/internal/config"
	"github.com/nugget/gridsense/internal/connwatch"
	"github.com/nugget/gridsense/internal/ingest"
	"github.com/nugget/gridsense/internal/metrics"
	"github.com/nugget/gridsense/internal/mqtt"
	"github.com/nugget/gridsense/internal/realtime"
	"github.com/nugget/gridsense/internal/store"
	"github.com/nugget/gridsense/internal/topics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// socketAuth resolves WebSocket API keys to user IDs.
type socketAuth struct {
	store *store.Store
}

func (a socketAuth) UserIDForAPIKey(ctx context.Context, key string) (string, error) {
	u, err := a.store.UserByAPIKey(ctx, key)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// brokerProbe is the part of the broker client the health watcher
// needs.
type brokerProbe interface {
	IsConnected() bool
	AwaitConnection(ctx context.Context) error
}

// brokerWatcher probes the broker at its reconnect interval and mirrors
// transitions into the broker_connected gauge.
func brokerWatcher(cfg config.MQTTConfig, broker brokerProbe, m *metrics.Metrics) connwatch.WatcherConfig {
	return connwatch.WatcherConfig{
		Name:     "mqtt",
		Interval: time.Duration(cfg.ReconnectIntervalSec) * time.Second,
		Probe: func(ctx context.Context) error {
			if broker.IsConnected() {
				return nil
			}
			return broker.AwaitConnection(ctx)
		},
		OnChange: func(ready bool, _ error) { m.SetBrokerConnected(ready) },
	}
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting GridSense", "build", buildinfo.String())
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.Broker,
		"topic_prefix", cfg.MQTT.TopicPrefix,
		"data_dir", cfg.DataDir,
	)

	ctx, cancel := notifyContext(ctx)
	defer cancel()

	// Store
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(dbPath(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Realtime hub, ack relay and broker client. The hub's command
	// handler is attached once the dispatcher exists.
	namer := topics.New(cfg.MQTT.TopicPrefix)

	var dispatcher *command.Dispatcher
	hub := realtime.NewHub(cfg.Realtime, logger.With("component", "realtime"),
		realtime.WithAuthenticator(socketAuth{store: st}),
		realtime.WithMetrics(m),
		realtime.WithCommandHandler(func(ctx context.Context, userID, channelID string, cmd json.RawMessage) error {
			opts := command.Options{Source: command.SourceSocket, IssuedBy: userID, OwnerID: userID}
			_, err := dispatcher.Dispatch(ctx, channelID, cmd, opts)
			return err
		}, command.PublicMessage),
	)
	defer hub.Close()

	relay := command.NewRelay(namer, hub, logger.With("component", "ack"), m)

	broker := mqtt.New(cfg.MQTT, relay.Handle, logger.With("component", "mqtt"))
	broker.OnDrop(func() { m.AckDropped("rate_limited") })

	dispatcher = command.NewDispatcher(broker, st, hub, namer, logger.With("component", "command"), m)
	gateway := ingest.NewGateway(st, hub, logger.With("component", "ingest"), m)

	// Dependency health
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "store",
		Probe: st.Ping,
	})

	if cfg.MQTT.Configured() {
		if err := broker.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt: %w", err)
		}
		defer func() {
			sctx, scancel := shutdownContext()
			defer scancel()
			if err := broker.Stop(sctx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, brokerWatcher(cfg.MQTT, broker, m))
	} else {
		logger.Warn("mqtt broker not configured; device commands will fail")
	}

	// HTTP
	server := api.NewServer(api.Config{
		Address:             cfg.Listen.Address,
		Port:                cfg.Listen.Port,
		MaxConnections:      cfg.Listen.MaxConnections,
		HistoryDefaultLimit: cfg.HistoryDefaultLimit,
		RealtimePath:        cfg.Realtime.Path,
	}, api.Deps{
		Store:    st,
		Ingest:   gateway,
		Commands: dispatcher,
		Realtime: hub,
		Health:   connMgr,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, logger.With("component", "api"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "api server: %v\n", err)
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, scancel := shutdownContext()
	defer scancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Warn("api shutdown failed", "error", err)
	}
	return nil
}
