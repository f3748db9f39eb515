// atagmqtt bridges an Atag One thermostat to MQTT using the Homie convention.
//
// The appliance is polled over its local HTTP API and every reported value is
// published as a retained Homie property. Writes to the settable properties
// (target temperatures, HVAC mode) are forwarded to the appliance.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/atagmqtt/internal/api"
	"github.com/nerrad567/atagmqtt/internal/atag"
	"github.com/nerrad567/atagmqtt/internal/bridge"
	"github.com/nerrad567/atagmqtt/internal/homie"
	"github.com/nerrad567/atagmqtt/internal/infrastructure/config"
	"github.com/nerrad567/atagmqtt/internal/infrastructure/database"
	"github.com/nerrad567/atagmqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/atagmqtt/internal/infrastructure/logging"
	"github.com/nerrad567/atagmqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/atagmqtt/internal/journal"
	"github.com/nerrad567/atagmqtt/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// configEnv names the optional YAML configuration file. Without it the bridge
// runs on defaults and environment variables alone.
const configEnv = "ATAGMQTT_CONFIG"

// startupCheckTimeout bounds the health checks run before the bridge starts.
const startupCheckTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the components and blocks until ctx is cancelled or the bridge
// fails for good. It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting atagmqtt",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.LoadOptional(os.Getenv(configEnv))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	checks := make(map[string]api.HealthChecker)

	// Journal (optional)
	var jrnl *journal.Repository
	if cfg.Database.Enabled {
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
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		jrnl = journal.NewRepository(db.DB)
		checks["database"] = db
		log.Info("journal ready", "path", db.Path())
	}

	// InfluxDB (optional)
	var influx *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influx, err = influxdb.Connect(cfg.InfluxDB, cfg.Homie.DeviceID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influx
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// MQTT with $state=lost as the Last Will
	qos := byte(cfg.MQTT.QoS)
	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:    mqtt.JoinTopic(cfg.Homie.Topic, cfg.Homie.DeviceID, "$state"),
		Payload:  homie.StateLost,
		QoS:      qos,
		Retained: true,
	})
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
	checks["mqtt"] = mqttClient
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	device, err := homie.NewDevice(mqttClient, homie.Config{
		Topic:           cfg.Homie.Topic,
		DeviceID:        cfg.Homie.DeviceID,
		Name:            cfg.Homie.Name,
		FirmwareName:    cfg.Homie.FirmwareName,
		FirmwareVersion: cfg.Homie.FirmwareVer,
		Implementation:  "atagmqtt " + version,
		StatsInterval:   time.Duration(cfg.Homie.UpdateInterval) * time.Second,
		QoS:             qos,
	}, log)
	if err != nil {
		return fmt.Errorf("creating homie device: %w", err)
	}

	// A reconnect may follow a broker restart that dropped retained topics.
	mqttClient.SetOnConnect(func() {
		if err := device.Reannounce(); err != nil {
			log.Warn("failed to re-announce device", "error", err)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	metrics := bridge.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	br, err := bridge.New(bridgeOptions(cfg, device, jrnl, influx, metrics, log))
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	var srv *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			Logger:   log,
			Bridge:   br,
			Gatherer: reg,
			Checks:   checks,
			Version:  version,
		}
		if jrnl != nil {
			deps.Journal = jrnl
		}
		srv, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	log.Info("initialisation complete",
		"appliance", hostOrDiscover(cfg.Atag.Host),
		"homie_topic", device.StateTopic(),
	)

	err = serve(ctx, br.Run, srv)
	if influx != nil {
		influx.Flush()
	}
	if err != nil {
		return err
	}
	log.Info("atagmqtt stopped")
	return nil
}

// serve starts the API server, when there is one, and then runs the bridge
// until ctx ends. The server is bound first so a failed start returns before
// the bridge has registered anything on the bus.
func serve(ctx context.Context, runBridge func(context.Context) error, srv *api.Server) error {
	if srv != nil {
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runBridge(gctx) })
	if srv != nil {
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}
	return g.Wait()
}

// bridgeOptions maps the configuration onto the bridge. Optional sinks are
// only set when enabled so the interfaces never hold typed nils.
func bridgeOptions(cfg *config.Config, reg bridge.Registry, jrnl *journal.Repository, influx *influxdb.Client, metrics *bridge.Metrics, log *logging.Logger) bridge.Options {
	mac := cfg.Atag.MAC
	if mac == "" {
		mac = atag.DefaultMAC()
	}
	sessionCfg := atag.SessionConfig{
		MAC:            mac,
		Hostname:       cfg.Atag.Hostname,
		Paired:         cfg.Atag.Paired,
		RequestTimeout: cfg.GetRequestTimeout(),
	}

	opts := bridge.Options{
		Config: bridge.Config{
			Host:           cfg.Atag.Host,
			UpdateInterval: cfg.GetUpdateInterval(),
			SetupTimeout:   cfg.GetSetupTimeout(),
			RestartTimeout: cfg.GetRestartTimeout(),
			CommandTimeout: cfg.GetCommandTimeout(),
			CommandRate:    cfg.Atag.CommandRate,
			CommandBurst:   cfg.Atag.CommandBurst,
		},
		NewSession: func(host string) bridge.Session {
			return atag.NewSession(host, sessionCfg)
		},
		Discover: func(ctx context.Context, timeout time.Duration) (string, error) {
			found, err := atag.Discover(ctx, timeout)
			if err != nil {
				return "", err
			}
			log.Info("appliance discovered", "address", found.Address, "device_id", found.DeviceID)
			return found.Address, nil
		},
		Registry: reg,
		Metrics:  metrics,
		Logger:   log,
	}
	if jrnl != nil {
		opts.Journal = jrnl
	}
	if influx != nil {
		opts.Telemetry = influx
	}
	return opts
}

// healthCheck verifies every enabled infrastructure connection.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	var errs []error
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func hostOrDiscover(host string) string {
	if host == "" {
		return "discover"
	}
	return host
}
