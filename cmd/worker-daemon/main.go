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

	"github.com/shopsync/crm-sync/internal/config"
	"github.com/shopsync/crm-sync/internal/crm"
	"github.com/shopsync/crm-sync/internal/dispatcher"
	"github.com/shopsync/crm-sync/internal/ipc"
	"github.com/shopsync/crm-sync/internal/manager"
	"github.com/shopsync/crm-sync/internal/worker"
	"github.com/shopsync/crm-sync/internal/worker/domain"
	"github.com/shopsync/crm-sync/internal/worker/storage"
	"github.com/shopsync/crm-sync/shared/logger"
	"github.com/shopsync/crm-sync/shared/postgresql"
	"github.com/shopsync/crm-sync/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("WORKER_DAEMON_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-daemon/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateDaemonConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker daemon",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	workerConfig := worker.Config{
		Concurrency:     cfg.Worker.Concurrency,
		RatePerSecond:   float64(cfg.Worker.RatePerSecond),
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	}

	// one syncer per job, bound to the shop's own CRM credential
	newSyncer := func(apiToken string) worker.OrderSyncer {
		client := crm.NewClient(crm.Config{APIToken: apiToken}, appLogger.Logger)
		return crm.NewSyncer(client, store, appLogger.Logger)
	}

	workerManager := manager.New(manager.Hooks{}, appLogger.Logger)
	workerManager.RegisterFactory(domain.QueueOrderSync, func(workerID string, hooks manager.Hooks) (manager.Consumer, error) {
		consumer, err := rabbitClient.NewConsumer(workerID, cfg.Worker.PrefetchCount)
		if err != nil {
			return nil, err
		}
		processor := worker.NewProcessor(store, newSyncer, appLogger.Logger)
		return worker.NewSyncWorker(workerID, workerConfig, consumer, processor, hooks, appLogger.Logger), nil
	})

	if _, _, err := workerManager.Scale(domain.QueueOrderSync, cfg.Worker.InitialCount); err != nil {
		return fmt.Errorf("failed to start initial workers: %w", err)
	}

	jobDispatcher := dispatcher.New(dispatcher.Config{
		QueueName:      domain.QueueOrderSync,
		PollInterval:   cfg.Dispatcher.PollInterval,
		BatchSize:      cfg.Dispatcher.BatchSize,
		ReconcileAfter: cfg.Dispatcher.ReconcileAfter,
	}, store, rabbitClient, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobDispatcher.Start(ctx)

	controlServer := ipc.NewServer(cfg.Control.BaseDir, appLogger.Logger)
	registerControlHandlers(controlServer, workerManager)
	if err := controlServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	appLogger.Info("Worker daemon started successfully",
		slog.Int("initial_workers", cfg.Worker.InitialCount),
		slog.String("control_dir", cfg.Control.BaseDir),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Stop intake first, then drain workers
	controlServer.Stop()
	jobDispatcher.Stop()
	workerManager.StopAll()

	appLogger.Info("Worker daemon shutdown complete")
	return nil
}

// registerControlHandlers binds the control plane endpoints to the manager
func registerControlHandlers(server *ipc.Server, m *manager.Manager) {
	server.Handle(ipc.EndpointList, func(_ context.Context, _ ipc.Request) (any, error) {
		return m.List(), nil
	})

	server.Handle(ipc.EndpointScale, func(_ context.Context, req ipc.Request) (any, error) {
		var body ipc.ScaleBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("malformed scale body: %w", err)
		}
		created, stopped, err := m.Scale(body.QueueName, body.Count)
		if err != nil {
			return nil, err
		}
		return ipc.ScaleResult{QueueName: body.QueueName, Created: created, Stopped: stopped}, nil
	})

	server.Handle(ipc.EndpointPause, func(_ context.Context, req ipc.Request) (any, error) {
		var body ipc.TargetBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("malformed pause body: %w", err)
		}
		affected, err := m.Pause(body.Target)
		if err != nil {
			return nil, err
		}
		return ipc.AffectedResult{Affected: affected}, nil
	})

	server.Handle(ipc.EndpointResume, func(_ context.Context, req ipc.Request) (any, error) {
		var body ipc.TargetBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("malformed resume body: %w", err)
		}
		affected, err := m.Resume(body.Target)
		if err != nil {
			return nil, err
		}
		return ipc.AffectedResult{Affected: affected}, nil
	})

	server.Handle(ipc.EndpointStop, func(_ context.Context, req ipc.Request) (any, error) {
		var body ipc.StopBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("malformed stop body: %w", err)
		}
		if err := m.StopWorker(body.WorkerID); err != nil {
			return nil, err
		}
		return ipc.AffectedResult{Affected: []string{body.WorkerID}}, nil
	})
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		ExchangeName:  cfg.Exchange.Name,
		ExchangeType:  cfg.Exchange.Type,
		QueueName:     cfg.Queue.Name,
		RoutingKey:    cfg.RoutingKey,
		MaxPriority:   cfg.Queue.MaxPriority,
		Durable:       cfg.Queue.Durable,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
		Heartbeat:     cfg.Connection.Heartbeat,
	}, logger)
}
