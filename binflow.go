package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/binflow/admin"
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/position"
	"github.com/maxpert/binflow/publisher"
	_ "github.com/maxpert/binflow/publisher/sink"
	_ "github.com/maxpert/binflow/publisher/transformer"
	"github.com/maxpert/binflow/replication"
	"github.com/maxpert/binflow/replication/binlog"
	"github.com/maxpert/binflow/store"
	"github.com/maxpert/binflow/task"
	"github.com/maxpert/binflow/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("binflow - MySQL binlog change data capture")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	os.Exit(run())
}

// run wires the pipeline and blocks until a signal or a fatal error.
// It returns the process exit code.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	positions, err := store.Open(ctx, cfg.Config.Store, cfg.Config.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open position store")
		return 1
	}
	defer positions.Close()

	sourceConfig := binlog.ConfigFrom(cfg.Config.Source)
	db, err := binlog.OpenDB(sourceConfig)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to source")
		return 1
	}
	defer db.Close()

	start, found, err := positions.Load(ctx, cfg.Config.ClientID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load stored position")
		return 1
	}
	if !found {
		start, err = binlog.ResolveStart(ctx, db, cfg.Config.Source.InitPosition)
		if err != nil {
			log.Error().Err(err).Msg("Failed to resolve start position")
			return 1
		}
		log.Info().Str("position", start.String()).Msg("No stored position, starting from init_position")
	} else {
		log.Info().Str("position", start.String()).Msg("Resuming from stored position")
	}

	checkpointer := store.NewCheckpointer(positions, cfg.Config.ClientID,
		time.Duration(cfg.Config.Store.FlushIntervalMS)*time.Millisecond)
	checkpointer.Start()

	supervisor := task.NewSupervisor()

	producer, err := publisher.NewProducerFromConfig("binflow", cfg.Config.Producer, start, checkpointer, supervisor)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create producer")
		stopAll(checkpointer)
		return 1
	}
	producer.Start()

	client, err := newReplicationClient(sourceConfig, db, start, producer, supervisor)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create replication client")
		stopAll(producer, checkpointer)
		return 1
	}
	client.Start()

	var adminServer *admin.Server
	if cfg.Config.Prometheus.Enabled {
		adminServer = admin.NewServer(cfg.Config.Prometheus, admin.NewHandlers(pipelineStatus(client, producer, checkpointer, supervisor)))
		adminServer.Start(func(err error) {
			supervisor.Terminate("admin", err)
		})

		collector := telemetry.NewMetricsCollector(producer, 5*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	log.Info().
		Str("producer", cfg.Config.Producer.Type).
		Str("store", cfg.Config.Store.Type).
		Uint32("server_id", cfg.Config.Source.ServerID).
		Msg("binflow started")

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case <-supervisor.Done():
		source, err := supervisor.Err()
		log.Error().Err(err).Str("source", source).Msg("Stopping after fatal error")
		exitCode = 1
	}

	// reader first so nothing new enters the queue, then the publisher, then the final checkpoint
	stopAll(client, producer, checkpointer)

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}

	log.Info().Str("position", checkpointer.Stored().String()).Msg("binflow stopped")
	return exitCode
}

func newReplicationClient(sourceConfig binlog.Config, db *sql.DB, start position.Position, producer *publisher.Producer, supervisor *task.Supervisor) (*replication.Client, error) {
	schemas, err := binlog.NewSchemaCache(db, cfg.Config.Source.SchemaCacheSize)
	if err != nil {
		return nil, err
	}
	source, err := binlog.NewSource(sourceConfig, schemas)
	if err != nil {
		return nil, err
	}

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	rc := cfg.Config.Source.Reconnect
	return replication.NewClient(replication.Config{
		Source:             source,
		Start:              start,
		Push:               producer.Push,
		Committed:          producer.Committed,
		Reporter:           supervisor,
		ResumeFrom:         rc.ResumeFrom,
		MaxAttempts:        rc.MaxAttempts,
		InitialBackoff:     ms(rc.InitialBackoffMS),
		MaxBackoff:         ms(rc.MaxBackoffMS),
		BackoffMultiplier:  rc.Multiplier,
		MaxTransactionRows: cfg.Config.Source.MaxTransactionRows,
	})
}

// stopAll stops components in order, giving each the remaining shutdown budget
func stopAll(components ...task.Stoppable) {
	deadline := time.Now().Add(time.Duration(cfg.Config.ShutdownTimeoutMS) * time.Millisecond)
	for _, c := range components {
		if err := c.RequestStop(); err != nil {
			log.Warn().Err(err).Msg("Stop request failed")
		}
		if err := c.AwaitStop(max(time.Until(deadline), time.Millisecond)); err != nil {
			log.Warn().Err(err).Msgf("%T did not stop in time", c)
		}
	}
}

func pipelineStatus(client *replication.Client, producer *publisher.Producer, checkpointer *store.Checkpointer, supervisor *task.Supervisor) admin.StatusFunc {
	return func() admin.Status {
		state := client.State()
		st := admin.Status{
			ClientID:    cfg.Config.ClientID,
			State:       state.String(),
			Handed:      client.LastHanded().String(),
			Committed:   producer.Committed().String(),
			Stored:      checkpointer.Stored().String(),
			Outstanding: producer.Outstanding(),
			QueueDepth:  producer.QueueLen(),
			Healthy:     !state.Terminal(),
		}
		if _, err := supervisor.Err(); err != nil {
			st.Healthy = false
			st.Error = err.Error()
		}
		return st
	}
}
