package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobpool/internal/config"
	"github.com/cuongbtq/jobpool/internal/handler"
	"github.com/cuongbtq/jobpool/internal/job"
	"github.com/cuongbtq/jobpool/internal/storage"
	"github.com/cuongbtq/jobpool/internal/worker"
	"github.com/cuongbtq/jobpool/shared/logger"
	"github.com/cuongbtq/jobpool/shared/postgresql"
	"github.com/cuongbtq/jobpool/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, dbClient, err := initQueue(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	if dbClient != nil {
		defer dbClient.Close()
	}

	var nudgeClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		nudgeClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer nudgeClient.Close()
	}

	registry := handler.NewRegistry()
	registerHandlers(registry, appLogger.Logger, retryPolicy(cfg.Worker.Retry))

	pool := worker.NewPool(worker.PoolConfig{
		Queues:             cfg.Worker.Queues,
		MaxWorkers:         cfg.Worker.MaxWorkers,
		JobsPerWorker:      cfg.Worker.JobsPerWorker,
		ScaleInterval:      cfg.Worker.ScaleInterval,
		StaleCheckInterval: cfg.Worker.StaleCheckInterval,
		StaleThreshold:     cfg.Worker.StaleThreshold,
		AutoRestart:        cfg.Worker.AutoRestart,
		Worker: worker.Config{
			Queues:            cfg.Worker.Queues,
			PollInterval:      cfg.Worker.PollInterval,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			MaxMemory:         cfg.Worker.MaxMemory,
			MaxLifetime:       cfg.Worker.MaxLifetime,
		},
	}, queue, registry, appLogger.Logger)

	pool.StartWorkers(cfg.Worker.InitialWorkers, cfg.Worker.Queues)

	appLogger.Info("Worker pool started",
		slog.Int("initial_workers", cfg.Worker.InitialWorkers),
		slog.Any("queues", cfg.Worker.Queues),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})

	if nudgeClient != nil {
		g.Go(func() error {
			nudges, err := nudgeClient.ConsumeNudges(gctx, cfg.App.Name)
			if err != nil {
				// Nudges are an optimization; polling still drains the queue.
				appLogger.Warn("Nudge consumer unavailable, relying on polling",
					slog.String("error", err.Error()),
				)
				return nil
			}
			for nudge := range nudges {
				appLogger.Debug("Nudge received",
					slog.String("job_id", nudge.JobID),
					slog.String("queue", nudge.Queue),
				)
				pool.Nudge()
			}
			return nil
		})
	}

	// Pool.Run drains workers when the context is cancelled; the shutdown
	// timeout bounds how long that drain may take before jobs are released.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	<-ctx.Done()
	appLogger.Info("Shutdown signal received, draining workers")

	select {
	case err := <-done:
		appLogger.Info("Worker service shutdown complete")
		return err
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Drain timeout exceeded, aborting in-flight jobs")
		pool.Abort()
		<-done
		return nil
	}
}

// initQueue selects the storage backend: Postgres when a database host is
// configured, the in-memory queue otherwise.
func initQueue(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Queue, *postgresql.Client, error) {
	if cfg.Database.Host == "" {
		log.Warn("No database configured, using in-memory queue; jobs will not survive restarts")
		return storage.NewMemory(), nil, nil
	}

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	pg := storage.NewPostgres(dbClient.GetDB(), log)
	if err := pg.Migrate(ctx); err != nil {
		dbClient.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return pg, dbClient, nil
}

func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func initRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}, log)
}

func retryPolicy(cfg config.RetryConfig) job.RetryPolicy {
	return job.RetryPolicy{
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		MaxDelay:   cfg.MaxDelay,
	}
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type reportPayload struct {
	ReportID string `json:"report_id"`
	Format   string `json:"format"`
}

// registerHandlers wires the job types this deployment processes.
func registerHandlers(registry *handler.Registry, log *slog.Logger, policy job.RetryPolicy) {
	registry.Register("send_email", handler.New(
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			var p emailPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", job.ErrInvalidPayload, err)
			}

			log.Info("Sending email",
				slog.String("to", p.To),
				slog.String("subject", p.Subject),
			)

			// Stand-in delivery; the SMTP integration lives outside this repo.
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			return json.Marshal(map[string]string{"delivered_to": p.To})
		},
		handler.WithValidator(func(payload json.RawMessage) error {
			var p emailPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("%w: %v", job.ErrInvalidPayload, err)
			}
			if p.To == "" {
				return fmt.Errorf("%w: missing recipient", job.ErrInvalidPayload)
			}
			return nil
		}),
		handler.WithMaxExecutionTime(30*time.Second),
		handler.WithRetryPolicy(policy),
	))

	registry.Register("generate_report", handler.New(
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			var p reportPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", job.ErrInvalidPayload, err)
			}

			log.Info("Generating report",
				slog.String("report_id", p.ReportID),
				slog.String("format", p.Format),
			)

			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			return json.Marshal(map[string]string{"report_id": p.ReportID, "status": "generated"})
		},
		handler.WithMaxExecutionTime(5*time.Minute),
		handler.WithRetryPolicy(policy),
	))
}
