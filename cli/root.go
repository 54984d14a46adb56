// Package cli implements the flowd command tree. The root command runs
// the server; subcommands cover schema migration, flow import/export,
// event tailing, trace inspection and credential issuance.
package cli

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"flow.evalgo.org/api"
	"flow.evalgo.org/common"
	"flow.evalgo.org/config"
	"flow.evalgo.org/db"
	"flow.evalgo.org/engine"
	"flow.evalgo.org/events"
	flowhttp "flow.evalgo.org/http"
	"flow.evalgo.org/security"
	"flow.evalgo.org/tracing"
	"flow.evalgo.org/version"
)

// envPrefix namespaces environment overrides (FLOW_SERVER_PORT, ...).
const envPrefix = "FLOW"

var cfgFile string

// RootCmd is the flowd entry point. Without a subcommand it runs the
// server.
var RootCmd = &cobra.Command{
	Use:   "flowd",
	Short: "conversation flow engine",
	Long: `flowd runs the conversation flow engine: an HTTP chat runtime that
advances sessions through authored flow graphs, plus the authoring API,
execution tracing, retention and event fan-out around it.

Without a subcommand flowd starts the server. Configuration is read from
--config, ./config.yaml, ./configs/, ~/.flowd/, /etc/flowd/ and FLOW_*
environment variables.`,
	Run: runServe,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: search standard locations)")
}

// Execute runs the command tree. Called once from main.
func Execute() error {
	return RootCmd.Execute()
}

// loadConfig loads and validates configuration, resolves secret
// references and configures logging. Every subcommand goes through it.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(envPrefix, cfgFile)
	if err != nil {
		return nil, err
	}

	if cfg.Secrets.Enabled {
		source, err := config.NewInfisicalSource(ctx, cfg.Secrets)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize secret source: %w", err)
		}
		if err := config.ResolveSecrets(cfg, source); err != nil {
			return nil, fmt.Errorf("failed to resolve secrets: %w", err)
		}
	}

	common.SetupLogging(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) {
	log := common.ComponentLogger("flowd")

	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres backs both halves: gorm for the authoring tables, pgx
	// for the session hot path.
	gdb, err := db.NewGorm(cfg.Database.DSN(), cfg.Server.Debug)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	pool, err := db.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatalf("failed to open pgx pool: %v", err)
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if err := migrateSchema(ctx, gdb, pool); err != nil {
			log.Fatalf("failed to migrate schema: %v", err)
		}
	}

	outbox := db.NewOutboxStore(pool)
	flows := db.NewFlowStore(gdb, events.DefaultChannel)
	sessions := db.NewSessionStore(pool, outbox, events.DefaultChannel)
	traces := db.NewTraceStore(pool)
	subscriptions := db.NewSubscriptionStore(gdb)
	locks := db.NewSessionLocker(pool, cfg.Engine.LockWaitTimeout, cfg.Engine.LockPollInterval)

	// Tracer and retention.
	tracer := tracing.New(traces, tracing.Options{
		QueueSize:     cfg.Tracing.QueueSize,
		BatchSize:     cfg.Tracing.BufferSize,
		FlushInterval: cfg.Tracing.FlushInterval,
	})
	var archiver tracing.Archiver
	if cfg.Tracing.Archive.Enabled {
		a := cfg.Tracing.Archive
		s3, err := tracing.NewS3Archiver(ctx, tracing.S3Options{
			Bucket:    a.Bucket,
			Region:    a.Region,
			Endpoint:  a.Endpoint,
			Prefix:    a.Prefix,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
		})
		if err != nil {
			log.Fatalf("failed to initialize trace archiver: %v", err)
		}
		archiver = s3
	}
	cleaner := tracing.NewCleaner(traces, archiver, tracing.CleanerOptions{
		Interval:           cfg.Tracing.CleanupInterval,
		BatchSize:          cfg.Tracing.CleanupBatchSize,
		BatchPause:         cfg.Tracing.CleanupBatchPause,
		AuditRetentionDays: cfg.Tracing.AuditRetentionDays,
	})

	// Engine.
	caller := engine.NewAPICaller(cfg.Engine.WebhookTimeout)
	registry := engine.DefaultRegistry(engine.NewActionRunner(caller), cfg.Engine.WebhookTimeout, cfg.Engine.ScriptTimeout)
	runtime := engine.NewRuntime(flows, sessions, engine.PGLocker{Locks: locks}, registry, traces, tracer, engine.Options{
		MaxStepsPerTurn: cfg.Engine.MaxStepsPerTurn,
		DefaultChannel:  cfg.Engine.DefaultChannel,
	})

	// Event fan-out. Redis carries both the pub/sub channel and the
	// webhook delivery queue; AMQP is an optional second feed.
	var (
		sinks      []events.Sink
		queue      events.DeliveryQueue
		dedupe     *events.DedupeStore
		deliveries *events.DeliveryPool
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer client.Close()

		sinks = append(sinks, events.NewRedisSink(client))
		queue = events.NewRedisQueue(client, events.DefaultQueueKey)

		dedupe, err = events.OpenDedupeStore(cfg.Events.DedupePath)
		if err != nil {
			log.Fatalf("failed to open dedupe store: %v", err)
		}
		defer dedupe.Close()

		deliveries = events.NewDeliveryPool(queue, dedupe, events.PoolOptions{
			Workers:     cfg.Events.DeliveryWorkers,
			Timeout:     cfg.Events.DeliveryTimeout,
			MaxAttempts: cfg.Events.DeliveryMaxAttempts,
		})
	}
	if cfg.RabbitMQ.Enabled {
		amqpSink, err := events.NewAMQPSink(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
	}

	dispatcher := events.NewDispatcher(outbox, sinks, subscriptions, queue, outbox, events.DispatcherOptions{
		PollInterval: cfg.Events.OutboxPollInterval,
		BatchSize:    cfg.Events.OutboxBatchSize,
		Retention:    cfg.Events.OutboxRetention,
	})

	// NOTIFY wakeups cut dispatch latency; polling covers the gaps.
	listener := db.NewListener(pool, events.DefaultChannel)
	listener.OnEvent(func(*events.Event) { dispatcher.Wake() })
	if err := listener.Start(); err != nil {
		log.Fatalf("failed to start outbox listener: %v", err)
	}
	defer listener.Stop()

	go dispatcher.Run(ctx)
	go cleaner.Run(ctx)
	if deliveries != nil {
		deliveries.Start(ctx)
	}

	// HTTP surface.
	tokens := security.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTExpiration)
	keys := security.NewAPIKeyStore(cfg.Auth.APIKeys, nil)
	var oidc *security.OIDCVerifier
	if cfg.Auth.OIDCIssuer != "" {
		oidc, err = security.NewOIDCVerifier(ctx, security.OIDCConfig{
			Issuer:       cfg.Auth.OIDCIssuer,
			ClientID:     cfg.Auth.OIDCClientID,
			ClientSecret: cfg.Auth.OIDCClientSecret,
			RedirectURL:  cfg.Auth.OIDCRedirectURL,
		})
		if err != nil {
			log.Fatalf("failed to initialize oidc verifier: %v", err)
		}
	}

	e := flowhttp.NewServer(cfg.Server)
	e.GET("/health", flowhttp.HealthHandler(cfg.Service.Name, version.Version, func() map[string]interface{} {
		stats := tracer.Stats()
		return map[string]interface{}{
			"environment":       cfg.Service.Environment,
			"trace_queue_depth": stats.QueueDepth,
			"trace_dropped":     stats.Dropped,
		}
	}))
	api.RegisterRoutes(e, api.Services{
		Runtime:       runtime,
		Flows:         flows,
		Traces:        tracer,
		Subscriptions: subscriptions,
		Auth:          api.NewAuthenticator(tokens, keys, oidc),
		Tokens:        tokens,
		CSRFEnabled:   cfg.Auth.CSRFEnabled,
	})

	go func() {
		if err := flowhttp.Start(e, cfg.Server); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	// Stop intake first, then drain the workers, then flush the tracer
	// so trailing steps reach the store.
	if err := flowhttp.Shutdown(e, cfg.Server.ShutdownTimeout); err != nil {
		log.Errorf("failed to stop http server: %v", err)
	}
	cancel()
	if deliveries != nil {
		deliveries.Wait()
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := tracer.Shutdown(flushCtx); err != nil {
		log.Errorf("failed to flush tracer: %v", err)
	}
	log.Info("stopped")
}
