// C2MON client core
//
// This is the main entry point for a long-running C2MON client process. It
// keeps the broker connection alive, creates the shared channels and
// exposes the diagnostics surfaces configured in configs/config.yaml:
//   - health journal (SQLite)
//   - queue metrics (InfluxDB)
//   - HTTP/WebSocket diagnostics API
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c2mon/c2mon-sub007/internal/api"
	"github.com/c2mon/c2mon-sub007/internal/diagnostics"
	"github.com/c2mon/c2mon-sub007/internal/event"
	"github.com/c2mon/c2mon-sub007/internal/health"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/config"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/database"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/influxdb"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/logging"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/mqtt"
	"github.com/c2mon/c2mon-sub007/internal/journal"
	"github.com/c2mon/c2mon-sub007/internal/messaging"
	"github.com/c2mon/c2mon-sub007/internal/request"
	"github.com/c2mon/c2mon-sub007/internal/transport"
	"github.com/c2mon/c2mon-sub007/internal/transport/memory"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds the messaging core's Stop.
	shutdownTimeout = 10 * time.Second

	// probeTimeout bounds the startup request that checks the server answers.
	probeTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting C2MON client",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"transport", cfg.Broker.Transport,
		"level", cfg.Logging.Level,
	)

	monitor := health.New(cfg.Health.LatchResetDuration())
	monitor.SetLogger(log)

	var connListeners []messaging.ConnectionListener

	// Health journal (optional)
	var journalReader api.JournalReader
	if cfg.Database.Enabled {
		j, err := journal.Open(ctx, database.ConfigFrom(cfg.Database), log)
		if err != nil {
			return fmt.Errorf("opening health journal: %w", err)
		}
		defer func() {
			log.Info("closing health journal")
			if closeErr := j.Close(); closeErr != nil {
				log.Error("error closing health journal", "error", closeErr)
			}
		}()
		log.Info("health journal opened", "path", cfg.Database.Path)

		monitor.AddListener(j)
		connListeners = append(connListeners, j)
		journalReader = j
	} else {
		log.Info("health journal disabled")
	}

	connector, err := newConnector(cfg, log)
	if err != nil {
		return err
	}

	opts := messaging.OptionsFromConfig(cfg)
	opts.Logger = log
	opts.Health = monitor
	proxy := messaging.NewProxy(connector, opts)
	defer func() {
		log.Info("stopping messaging core")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := proxy.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping messaging core", "error", stopErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// Queue metrics (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		recorder := diagnostics.NewRecorder(influxClient, proxy, cfg.Client.Name,
			time.Duration(cfg.InfluxDB.FlushInterval)*time.Second)
		monitor.AddListener(recorder)
		monitor.AddBackpressureListener(recorder)
		connListeners = append(connListeners, recorder)
		g.Go(func() error { return recorder.Run(gctx) })
	} else {
		log.Info("InfluxDB disabled")
	}

	// Diagnostics API (optional)
	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log,
			Client:  proxy,
			Journal: journalReader,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		monitor.AddListener(server.Hub())
		monitor.AddBackpressureListener(server.Hub())
		connListeners = append(connListeners, server.Hub())

		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	connListeners = append(connListeners, connectionLogger{log: log})
	for _, l := range connListeners {
		if err := proxy.RegisterConnectionListener(l); err != nil {
			return fmt.Errorf("registering connection listener: %w", err)
		}
	}
	if err := proxy.RegisterHeartbeatListener(heartbeatLogger{log: log}); err != nil {
		return fmt.Errorf("registering heartbeat listener: %w", err)
	}

	proxy.Start()

	if cfg.Broker.Transport == "mqtt" {
		handler := request.New(proxy, request.OptionsFromConfig(cfg))
		g.Go(func() error {
			probe(gctx, proxy, handler, log)
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("background task failed", "error", err)
	}

	log.Info("C2MON client stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses C2MON_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("C2MON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// newConnector selects the broker binding named by broker.transport.
func newConnector(cfg *config.Config, log *logging.Logger) (transport.Connector, error) {
	switch cfg.Broker.Transport {
	case "memory":
		log.Warn("using the in-memory broker; no server will answer requests")
		return memory.NewBroker(), nil
	case "mqtt":
		log.Info("using MQTT broker",
			"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
			"tls", cfg.Broker.TLS,
		)
		return mqtt.NewConnector(mqtt.OptionsFromConfig(cfg), log), nil
	default:
		return nil, fmt.Errorf("unsupported broker transport %q", cfg.Broker.Transport)
	}
}

// probe waits for the first connection and asks the server for its process
// names, logging the outcome. A failed probe does not stop the client.
func probe(ctx context.Context, proxy *messaging.Proxy, handler *request.Handler, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := proxy.EnsureConnection(ctx); err != nil {
		if ctx.Err() == nil {
			log.Warn("startup probe: no broker connection", "error", err)
		}
		return
	}
	names, err := handler.ProcessNames(ctx)
	if err != nil {
		log.Warn("startup probe: server did not answer", "error", err)
		return
	}
	log.Info("startup probe: server answered", "processes", len(names))
}

// connectionLogger logs broker connection transitions.
type connectionLogger struct {
	log *logging.Logger
}

func (c connectionLogger) OnConnection()    { c.log.Info("broker connection established") }
func (c connectionLogger) OnDisconnection() { c.log.Warn("broker connection lost") }

// heartbeatLogger logs server heartbeats at debug level.
type heartbeatLogger struct {
	log *logging.Logger
}

func (h heartbeatLogger) OnHeartbeat(hb event.Heartbeat) {
	h.log.Debug("server heartbeat", "heartbeat", hb.String())
}
