package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/config"
	"github.com/pesio-ai/be-ops-approvals/internal/handler"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/policy"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/scheduler"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
	"github.com/pesio-ai/be-ops-approvals/internal/telemetry"
)

const (
	taskEscalation = "auto-escalate"
	taskReminders  = "deadline-reminders"
)

// app holds the wired components and the resources to release on exit.
type app struct {
	log         *logger.Logger
	db          *database.DB
	engine      *service.WorkflowEngine
	escalations *service.EscalationService
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires the store, role oracle, notification sinks and services.
func build(ctx context.Context, cfg config.Config, log *logger.Logger) (*app, error) {
	a := &app{log: log}

	var store repository.Store
	if cfg.Database.DSN != "" {
		db, err := database.New(ctx, databaseConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := repository.Migrate(ctx, db); err != nil {
			a.close()
			return nil, err
		}
		store = repository.NewPostgresStore(db)
		log.Info().Msg("Database connection established")
	} else {
		store = repository.NewMemoryStore()
		log.Warn().Msg("No database configured, using the in-memory store")
	}

	var oracle client.RoleOracle
	switch {
	case cfg.RBAC.GRPCAddress != "":
		identity, err := client.NewIdentityGRPCClient(cfg.RBAC.GRPCAddress)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create identity gRPC client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = identity.Close() })
		oracle = identity
		log.Info().Str("identity_grpc", cfg.RBAC.GRPCAddress).Msg("Role oracle: identity service")
	case cfg.RBAC.BaseURL != "":
		oracle = client.NewRBACClient(cfg.RBAC.BaseURL, cfg.RBAC.Timeout)
		log.Info().Str("rbac_url", cfg.RBAC.BaseURL).Msg("Role oracle: RBAC service")
	default:
		oracle = client.NewStaticOracle(cfg.RBAC.UserRoles)
		log.Info().Int("users", len(cfg.RBAC.UserRoles)).Msg("Role oracle: static table")
	}
	if cfg.RBAC.CacheTTL > 0 {
		oracle = client.NewCachedOracle(oracle, cfg.RBAC.CacheTTL)
	}

	sinks := client.FanOut{client.NewLogSink(log.Component("notifications").Logger)}
	if cfg.NATS.URL != "" {
		conn, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Drain() })
		sinks = append(sinks, client.NewNotificationPublisher(conn, cfg.NATS.SubjectPrefix, log.Logger))
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher enabled")
	}

	a.engine = service.NewWorkflowEngine(
		store,
		policy.NewResolver(policy.Config{
			HighValueThreshold:     cfg.Policy.HighValueThreshold,
			VeryHighValueThreshold: cfg.Policy.VeryHighValueThreshold,
		}),
		oracle,
		sinks,
		log.Component("workflow"),
	)
	a.escalations = service.NewEscalationService(a.engine, service.EscalationConfig{
		ReminderWindow: cfg.Scheduler.ReminderWindow,
		ReminderDedup:  cfg.Scheduler.ReminderDedup,
		BatchSize:      cfg.Scheduler.BatchSize,
	}, log.Component("escalation"))
	return a, nil
}

// newScheduler registers the escalation and reminder sweeps on a scheduler
// whose lease backend follows cfg.Scheduler.LockBackend.
func (a *app) newScheduler(cfg config.Config) (*scheduler.Scheduler, error) {
	var locker scheduler.Locker
	switch cfg.Scheduler.LockBackend {
	case "postgres":
		locker = scheduler.NewPostgresLocker(a.db)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		locker = scheduler.NewRedisLocker(rdb, "")
	default:
		locker = scheduler.NewMemoryLocker()
	}

	s := scheduler.New(a.log.Component("scheduler"),
		scheduler.WithLocker(locker),
		scheduler.WithLockTTL(cfg.Scheduler.LockTTL),
		scheduler.WithFailureBackoff(cfg.Scheduler.FailureRetry, cfg.Scheduler.MaxBackoff),
	)
	if err := s.Register(taskEscalation, cfg.Scheduler.EscalationSpec, func(ctx context.Context) error {
		_, err := a.escalations.AutoEscalateExpiredWorkflows(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := s.Register(taskReminders, cfg.Scheduler.ReminderSpec, func(ctx context.Context) error {
		_, err := a.escalations.SendDeadlineReminders(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func serve(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		Environment: cfg.Service.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		if sched, err = a.newScheduler(cfg); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "healthy"}
		if sched != nil {
			body["tasks"] = sched.Status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	handler.NewHTTPHandler(a.engine, log.Component("http")).Routes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler.Wrap(mux, log, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcHandler := handler.NewGRPCHandler(a.engine, log.Logger)
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(handler.RequestIDInterceptor, grpcHandler.LoggingInterceptor),
	)
	handler.RegisterWorkflowServiceServer(grpcServer, grpcHandler)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if sched != nil {
		sched.Start(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		if sched != nil {
			sched.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
