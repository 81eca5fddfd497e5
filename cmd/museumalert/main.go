// Museum Alert link service
//
// This is the main entry point for the Museum Alert device link. It talks to
// a locally attached sensor over USB serial and to the deployed fleet over
// the MQTT broker, and serves both through a REST and WebSocket API:
//   - Correlated commands with acknowledgement timeouts
//   - Device state, error and reachability tracking
//   - Optional export to Prometheus, InfluxDB and Kafka
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/humana-fragilitas/museum-alert-desktop-sub001/migrations"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/api"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/audit"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/device"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/database"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/influxdb"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/kafka"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/logging"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/metrics"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/mqtt"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/link"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/registry"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/transport/bus"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/transport/serial"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	defaultConfigPath    = "configs/config.yaml"
	historyPruneInterval = time.Hour
)

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Museum Alert link service",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Device registry: ownership and firmware
	devices := registry.New(registry.NewSQLiteRepository(db.DB))
	devices.SetLogger(log.Component("registry"))
	if refreshErr := devices.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", devices.Count())

	// Prometheus metrics (optional)
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		log.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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
	} else {
		log.Info("InfluxDB disabled")
	}

	// Kafka event export (optional)
	var exporter *kafka.Exporter
	if cfg.Kafka.Enabled {
		writer, writerErr := kafka.NewWriter(cfg.Kafka)
		if writerErr != nil {
			return fmt.Errorf("creating Kafka writer: %w", writerErr)
		}
		exporter = kafka.New(writer, cfg.Kafka)
		exporter.SetLogger(log.Component("kafka"))
		defer func() {
			log.Info("flushing Kafka exporter")
			if closeErr := exporter.Close(); closeErr != nil {
				log.Error("error closing Kafka exporter", "error", closeErr)
			}
		}()
		log.Info("Kafka export enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		log.Info("Kafka export disabled")
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.Component("mqtt"))
	defer func() {
		stats := mqttClient.Stats()
		log.Info("disconnecting from MQTT",
			"received", stats.Received,
			"published", stats.Published,
			"publish_errors", stats.PublishErrors,
			"handler_panics", stats.HandlerPanics,
			"reconnects", stats.Reconnects,
		)
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	busAdapter := bus.New(mqttClient, devices, bus.Config{QoS: byte(cfg.MQTT.QoS)}) //nolint:gosec // qos validated to 0..2
	busAdapter.SetLogger(log.Component("bus"))
	defer busAdapter.Close()

	// Open the serial link (optional)
	serialLink, closeSerial, err := openSerial(ctx, cfg.Serial, log)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}
	defer closeSerial()

	history := device.NewSQLiteStateHistoryRepository(db.DB)
	if keep := cfg.Database.HistoryRetention(); keep > 0 {
		go device.PruneLoop(ctx, history, keep, historyPruneInterval, log.Component("history"))
	}

	linkCfg := link.Config{
		Serial:       serialLink,
		SerialDevice: cfg.Serial.DeviceID,
		Bus:          busAdapter,
		Topics:       mqttClient.Topics(),
		Correlation:  correlationConfig(cfg.Correlation),
		History:      history,
		Firmware:     devices,
		Recorders:    recorders(m, influxClient, exporter),
	}
	if m != nil {
		linkCfg.Observer = m
	}

	svc := link.New(linkCfg)
	svc.SetLogger(log.Component("link"))
	if startErr := svc.Start(ctx); startErr != nil {
		return fmt.Errorf("starting device link: %w", startErr)
	}
	defer func() {
		log.Info("stopping device link")
		if closeErr := svc.Close(); closeErr != nil {
			log.Error("error stopping device link", "error", closeErr)
		}
	}()
	log.Info("device link started",
		"serial", serialLink != nil,
		"serial_device", cfg.Serial.DeviceID,
	)

	// Start the HTTP API
	deps := api.Deps{
		Config:            cfg.API,
		WS:                cfg.WebSocket,
		Security:          cfg.Security,
		Logger:            log.Component("api"),
		Link:              svc,
		Registry:          devices,
		Audit:             audit.NewSQLiteRepository(db.DB),
		MetricsPath:       cfg.Metrics.Path,
		MaxRequestTimeout: linkCfg.Correlation.MaxTimeout,
		Version:           version,
	}
	if m != nil {
		deps.Metrics = m.Handler()
	}
	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, svc); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	go reloadLogLevel(ctx, configPath, log)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API, link, serial,
	// bus adapter, MQTT, Kafka, InfluxDB, database.
	return nil
}

// reloadLogLevel re-reads the logging level from the config file on SIGHUP.
// Other settings need a restart.
func reloadLogLevel(ctx context.Context, configPath string, log *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Warn("config reload failed, keeping log level", "path", configPath, "error", err)
				continue
			}
			log.SetLevel(cfg.Logging.Level)
			log.Info("log level reloaded", "level", log.Level().String())
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses MUSEUMALERT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MUSEUMALERT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openSerial opens the serial transport when enabled. The returned link is
// a nil interface when serial is disabled, and close is always safe to call.
func openSerial(ctx context.Context, cfg config.SerialConfig, log *logging.Logger) (link.SerialLink, func(), error) {
	if !cfg.Enabled {
		log.Info("serial link disabled")
		return nil, func() {}, nil
	}

	transport, err := serial.Open(ctx, serial.FromConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	transport.SetLogger(log.Component("serial"))
	log.Info("serial port opened", "port", cfg.Port, "baud_rate", cfg.BaudRate)

	return transport, func() {
		log.Info("closing serial port")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing serial port", "error", closeErr)
		}
	}, nil
}

func correlationConfig(cfg config.CorrelationConfig) correlation.Config {
	return correlation.Config{
		DefaultTimeout: cfg.DefaultRequestTimeout(),
		MaxTimeout:     cfg.MaxRequestTimeout(),
	}
}

// recorders collects the enabled sinks. Nil pointers are skipped so no
// typed-nil ends up in the interface slice.
func recorders(m *metrics.Metrics, influxClient *influxdb.Client, exporter *kafka.Exporter) []link.Recorder {
	var out []link.Recorder
	if m != nil {
		out = append(out, m)
	}
	if influxClient != nil {
		out = append(out, influxClient)
	}
	if exporter != nil {
		out = append(out, exporter)
	}
	return out
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - svc: Device link to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, svc *link.Service) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := svc.HealthCheck(ctx); err != nil {
		return fmt.Errorf("device link: %w", err)
	}

	return nil
}
