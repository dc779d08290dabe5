package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/nerrad567/onionwarden/internal/infrastructure/config"
	"github.com/nerrad567/onionwarden/internal/infrastructure/database"
	"github.com/nerrad567/onionwarden/internal/infrastructure/influxdb"
	"github.com/nerrad567/onionwarden/internal/infrastructure/logging"
	"github.com/nerrad567/onionwarden/internal/infrastructure/mqtt"
	"github.com/nerrad567/onionwarden/internal/journal"
	"github.com/nerrad567/onionwarden/internal/runtimeenv"
	"github.com/nerrad567/onionwarden/internal/telemetry"
	"github.com/nerrad567/onionwarden/internal/tor"
	"github.com/nerrad567/onionwarden/internal/warden"
	"github.com/nerrad567/onionwarden/migrations"
)

// shutdownSlack is added to the Tor grace period when waiting for exit hooks.
const shutdownSlack = 5 * time.Second

// errTorExited is returned by run when Tor exits while onionwarden is
// supervising it without an MQTT control channel.
var errTorExited = errors.New("tor exited")

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Launch Tor and supervise it until interrupted",
		Long: `Launch Tor, wait for it to bootstrap and keep supervising it.

Without MQTT, run returns when Tor exits. With MQTT enabled, Tor can be
stopped and started again through the command topic and run returns only
on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

// run is the daemon body, separated from the command for testability.
func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting onionwarden", "version", version, "commit", commit, "build_date", date)

	if err := runtimeenv.EnsureDirectory(cfg.Tor.DataRoot); err != nil {
		return fmt.Errorf("preparing data root: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another onionwarden instance is using %s", cfg.Tor.DataRoot)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			log.Error("error releasing lock", "error", unlockErr)
		}
	}()

	observers := tor.Observers{tor.LoggerObserver{Logger: log}}
	var exitHooks []warden.ExitHook

	if cfg.Database.Enabled {
		db, err := openJournal(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("journal ready", "path", db.Path())

		rec := journal.NewRecorder(journal.NewSQLiteRepository(db.DB), journal.RunInfo{
			Binary:        cfg.Tor.Binary,
			DataDirectory: filepath.Join(cfg.Tor.DataRoot, tor.DataDirName),
			SocksAddress:  cfg.Tor.SocksAddress,
		}, log)
		observers = append(observers, rec)
		exitHooks = append(exitHooks, func(s tor.Stats) {
			writeCtx, cancel := context.WithTimeout(context.Background(), shutdownSlack)
			defer cancel()
			rec.RecordExit(writeCtx, s)
		})
	}

	// Publishing outlives ctx so the final state reaches the broker.
	pubCtx, stopPublishing := context.WithCancel(context.Background())
	defer stopPublishing()

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttObserver := telemetry.NewMQTTObserver(mqttClient, telemetry.MQTTOptions{
			PublishLines: cfg.MQTT.PublishLines,
		}, log)
		publisherDone := make(chan struct{})
		go func() {
			mqttObserver.Run(pubCtx)
			close(publisherDone)
		}()
		defer func() {
			stopPublishing()
			<-publisherDone
		}()
		observers = append(observers, mqttObserver)
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		influxObserver := telemetry.NewInfluxObserver(influxClient)
		observers = append(observers, influxObserver)
		exitHooks = append(exitHooks, influxObserver.RecordExit)
	}

	sup := tor.NewSupervisor(tor.Options{
		SocksAddress:    cfg.Tor.SocksAddress,
		LogLevel:        cfg.Tor.LogLevel,
		GracefulTimeout: cfg.Tor.GracefulTimeout,
		Stderr:          tor.StderrMode(cfg.Tor.Stderr),
		Observer:        observers,
		Logger:          log,
	})
	svc := warden.New(sup, warden.Options{
		Binary:       cfg.Tor.Binary,
		DataRoot:     cfg.Tor.DataRoot,
		ReadyTimeout: cfg.Tor.ReadyTimeout,
		Logger:       log,
	})
	for _, hook := range exitHooks {
		svc.OnExit(hook)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Tor.GracefulTimeout+shutdownSlack)
		defer cancel()
		if shutdownErr := svc.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error stopping tor", "error", shutdownErr)
		}
	}()

	if mqttClient != nil {
		commands := telemetry.NewCommandHandler(svc, mqttClient, log)
		if err := commands.Subscribe(ctx, mqttClient, mqttClient.QoS()); err != nil {
			return fmt.Errorf("subscribing to commands: %w", err)
		}
	}

	h, err := svc.StartAndWait(ctx)
	fmt.Fprintln(out, tor.UserMessage(err))
	if err != nil && !tor.IsStillStarting(err) {
		return err
	}
	if err == nil {
		fmt.Fprintf(out, "SOCKS proxy listening on %s\n", cfg.Tor.SocksAddress)
	}

	if mqttClient != nil {
		<-ctx.Done()
		log.Info("shutdown signal received")
		return nil
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case <-h.Done():
		svc.Wait()
		return exitError(h)
	}
}

// exitError describes a handle whose process ended on its own.
func exitError(h *tor.Handle) error {
	if err := h.Err(); err != nil {
		return fmt.Errorf("%w: %w", errTorExited, err)
	}
	return fmt.Errorf("%w unexpectedly (exit code %d)", errTorExited, h.ExitCode())
}

func openJournal(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.DatabasePath(),
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}
