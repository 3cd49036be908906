// Gray Logic Event Hub
//
// This is the main entry point for the UPnP event hub. It subscribes to
// the GENA event services of configured devices, keeps the subscriptions
// renewed, and fans every property change out to:
//   - Event history (SQLite)
//   - The MQTT bus (optional)
//   - InfluxDB time-series (optional)
//   - WebSocket clients of the REST API
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/api"
	"github.com/nerrad567/gray-logic-eventhub/internal/audit"
	"github.com/nerrad567/gray-logic-eventhub/internal/auth"
	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/dispatch"
	"github.com/nerrad567/gray-logic-eventhub/internal/history"
	"github.com/nerrad567/gray-logic-eventhub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-eventhub/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-eventhub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-eventhub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-eventhub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-eventhub/internal/notify"
	"github.com/nerrad567/gray-logic-eventhub/internal/registry"
	"github.com/nerrad567/gray-logic-eventhub/internal/sink"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
	"github.com/nerrad567/gray-logic-eventhub/internal/transport/upnp"
	"github.com/nerrad567/gray-logic-eventhub/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

const (
	// registerTimeout bounds the initial SUBSCRIBE round for one device.
	registerTimeout = 30 * time.Second

	// commandTimeout bounds a resubscribe requested over MQTT.
	commandTimeout = 30 * time.Second

	// pruneInterval is how often expired history and audit rows are deleted.
	pruneInterval = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 && os.Args[1] == "hash-secret" {
		if err := hashSecret(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

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
	log.Info("starting Gray Logic Event Hub",
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

	log, err = logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "closing log output: %v\n", closeErr)
		}
	}()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
	db, err := database.Open(cfg.Database)
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	if cfg.Database.HistoryRetention > 0 {
		go pruneLoop(ctx, cfg.Database.HistoryRetention, pruneInterval, log, historyRepo, auditRepo)
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected")
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
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

	// Event hub
	hub := registry.New(registryConfig(cfg), upnp.New(upnp.Config{
		RequestTimeout: cfg.Subscription.RequestTimeout,
		UserAgent:      cfg.Subscription.UserAgent,
	}))
	hub.SetLogger(log)

	// REST API; its websocket hub is also a sink, so it is built first.
	var apiServer *api.Server
	if cfg.API.Enabled {
		clients, clientsErr := auth.NewClients(cfg.Security.Clients)
		if clientsErr != nil {
			return fmt.Errorf("loading API clients: %w", clientsErr)
		}
		apiServer, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Registry: hub,
			History:  historyRepo,
			Audit:    auditRepo,
			Clients:  clients,
			MQTT:     optionalChecker(mqttClient),
			InfluxDB: optionalChecker(influxClient),
			DB:       db,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	sinks := buildSinks(cfg, historyRepo, mqttClient, influxClient, apiServer, log)
	hub.OnSubscriptionFailed(sinks.failed)

	if startErr := hub.Start(ctx); startErr != nil {
		return fmt.Errorf("starting event hub: %w", startErr)
	}
	defer func() {
		log.Info("stopping event hub")
		if stopErr := hub.Stop(); stopErr != nil {
			log.Error("error stopping event hub", "error", stopErr)
		}
	}()

	if apiServer != nil {
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if regErr := registerDevices(ctx, hub, cfg.Devices, sinks.listeners, log); regErr != nil {
		return fmt.Errorf("registering devices: %w", regErr)
	}

	if mqttClient != nil {
		var topics mqtt.Topics
		if subErr := mqttClient.Subscribe(topics.AllCommands(), byte(cfg.MQTT.QoS), commandHandler(ctx, hub, auditRepo, log)); subErr != nil {
			return fmt.Errorf("subscribing to command topic: %w", subErr)
		}
		log.Info("listening for device commands", "topic", topics.AllCommands())
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"notify_port", hub.Port(),
		"devices", len(cfg.Devices),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// API, event hub, InfluxDB, MQTT, database.

	log.Info("Gray Logic Event Hub stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// registryConfig maps the YAML sections onto the registry's explicit config.
func registryConfig(cfg *config.Config) registry.Config {
	return registry.Config{
		Notify: notify.Config{
			Host:           cfg.Hub.Host,
			Port:           cfg.Hub.Port,
			PathPrefix:     cfg.Hub.PathPrefix,
			MaxBodyBytes:   cfg.Hub.MaxBodyBytes,
			HandlerTimeout: cfg.Hub.HandlerTimeout,
			ShutdownGrace:  cfg.Hub.ShutdownGrace,
			ReadTimeout:    cfg.Hub.ReadTimeout,
			WriteTimeout:   cfg.Hub.WriteTimeout,
			IdleTimeout:    cfg.Hub.IdleTimeout,
		},
		AdvertiseHost:       cfg.Hub.AdvertiseHost,
		SubscriptionTimeout: cfg.Subscription.Timeout,
		RequestTimeout:      cfg.Subscription.RequestTimeout,
		Renewal: subscription.SchedulerConfig{
			CheckInterval:  cfg.Renewal.CheckInterval,
			LeadTime:       cfg.Renewal.LeadTime,
			MaxAttempts:    cfg.Renewal.MaxAttempts,
			InitialBackoff: cfg.Renewal.InitialBackoff,
			MaxBackoff:     cfg.Renewal.MaxBackoff,
		},
		Dispatch: dispatch.Config{
			ListenerTimeout: cfg.Dispatch.ListenerTimeout,
			QueueSize:       cfg.Dispatch.QueueSize,
		},
	}
}

// deviceSpec converts a configured device into a device specification.
func deviceSpec(dc config.DeviceConfig) device.Spec {
	spec := device.Spec{
		ID:   dc.ID,
		Name: dc.Name,
		Kind: device.Kind(dc.Kind),
		Host: dc.Host,
	}
	if spec.Kind == "" {
		spec.Kind = device.KindGeneric
		if len(dc.Services) == 0 {
			spec.Kind = device.KindSwitch
		}
	}
	for _, svc := range dc.Services {
		spec.Services = append(spec.Services, device.EventService{Name: svc.Name, EventSubURL: svc.EventSubURL})
	}
	return spec
}

// sinkSet is the listener chain attached to every device and the combined
// failure callback.
type sinkSet struct {
	listeners []dispatch.Listener
	failed    func(subscription.Entry, error)
}

// buildSinks assembles the enabled sinks. Device state is always updated
// first so later sinks and the API see the new value.
//
// Parameters:
//   - cfg: Application configuration
//   - repo: Event history repository
//   - mqttClient: MQTT client (may be nil if disabled)
//   - influxClient: InfluxDB client (may be nil if disabled)
//   - apiServer: API server (may be nil if disabled)
//   - log: Logger instance
//
// Returns:
//   - sinkSet: Listeners in invocation order plus the failure callback
func buildSinks(cfg *config.Config, repo history.Repository, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server, log *logging.Logger) sinkSet {
	set := sinkSet{
		listeners: []dispatch.Listener{
			registry.ApplyUpdates,
			sink.NewHistoryRecorder(repo).Handle,
		},
	}

	failures := []sink.FailureHandler{
		func(e subscription.Entry, err error) {
			log.Error("subscription failed",
				"device_id", e.DeviceID,
				"service", e.Service,
				"error", err,
			)
		},
	}

	if mqttClient != nil {
		pub := sink.NewMQTTPublisher(mqttClient, cfg.MQTT.Retain)
		pub.SetLogger(log)
		set.listeners = append(set.listeners, pub.Handle)
		failures = append(failures, pub.SubscriptionFailed)
	}
	if influxClient != nil {
		rec := sink.NewMetricsRecorder(influxClient)
		set.listeners = append(set.listeners, rec.Handle)
		failures = append(failures, rec.SubscriptionFailed)
	}
	if apiServer != nil {
		b := sink.NewBroadcaster(apiServer.Hub())
		set.listeners = append(set.listeners, b.Handle)
		failures = append(failures, b.SubscriptionFailed)
	}

	set.failed = sink.Failures(failures...)
	return set
}

// registerDevices builds each configured device, attaches the sink chain
// and subscribes. An unreachable device is logged and left registered so
// it can be resubscribed later; a malformed device is a startup error.
func registerDevices(ctx context.Context, hub *registry.Registry, devices []config.DeviceConfig, listeners []dispatch.Listener, log *logging.Logger) error {
	for _, dc := range devices {
		dev, err := device.New(deviceSpec(dc))
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}

		for _, fn := range listeners {
			if err := hub.On(dev, dispatch.AllEvents, fn); err != nil {
				return fmt.Errorf("device %s: attaching listener: %w", dc.ID, err)
			}
		}

		regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		err = hub.Register(regCtx, dev)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrNotRunning), errors.Is(err, registry.ErrInvalidDevice), errors.Is(err, registry.ErrDeviceConflict):
			return fmt.Errorf("device %s: %w", dc.ID, err)
		default:
			log.Warn("device subscription incomplete, resubscribe to retry",
				"device_id", dc.ID,
				"host", dc.Host,
				"error", err,
			)
		}
	}
	return nil
}

// resubscriber is the registry operation driven by MQTT commands.
type resubscriber interface {
	Resubscribe(ctx context.Context, deviceID string) error
}

// auditRecorder is the audit operation used by commandHandler.
type auditRecorder interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// commandHandler handles graylogic/command/upnp/{device}. The only command
// is "resubscribe"; an empty payload means the same. Every attempt on a
// known topic is written to the audit log.
func commandHandler(ctx context.Context, hub resubscriber, trail auditRecorder, log *logging.Logger) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		deviceID, ok := mqtt.Topics{}.DeviceFromCommand(topic)
		if !ok {
			return fmt.Errorf("unrecognised command topic %q", topic)
		}

		command := strings.TrimSpace(string(payload))
		if command != "" && !strings.EqualFold(command, "resubscribe") {
			return fmt.Errorf("device %s: unknown command %q", deviceID, command)
		}

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		err := hub.Resubscribe(cmdCtx, deviceID)

		entry := &audit.Entry{
			Action:   audit.ActionResubscribe,
			DeviceID: deviceID,
			Source:   audit.SourceMQTT,
			Outcome:  audit.Outcome(err),
		}
		if err != nil {
			entry.Details = map[string]any{"error": err.Error()}
		}
		if auditErr := trail.Record(ctx, entry); auditErr != nil {
			log.Warn("recording audit entry failed", "device_id", deviceID, "error", auditErr)
		}

		if err != nil {
			return fmt.Errorf("device %s: resubscribe: %w", deviceID, err)
		}
		log.Info("device resubscribed on command", "device_id", deviceID)
		return nil
	}
}

// pruner is implemented by the history and audit repositories.
type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// pruneLoop deletes rows older than retention from every repo, once at
// start and then every interval, until ctx is cancelled.
func pruneLoop(ctx context.Context, retention, interval time.Duration, log *logging.Logger, repos ...pruner) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-retention)
		for _, repo := range repos {
			removed, err := repo.Prune(ctx, cutoff)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("pruning expired rows failed", "error", err)
			case removed > 0:
				log.Debug("expired rows pruned", "removed", removed)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// optionalChecker keeps a nil client from becoming a non-nil interface.
func optionalChecker[T interface {
	comparable
	api.ConnectionChecker
}](c T) api.ConnectionChecker {
	var zero T
	if c == zero {
		return nil
	}
	return c
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// hashSecret reads a client secret from the first line of r and writes its
// Argon2id hash to w, ready for security.clients[].secret_hash.
func hashSecret(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading secret: %w", err)
	}

	hash, err := auth.HashSecret(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}
