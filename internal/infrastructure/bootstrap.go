package infrastructure

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"deskmeter/internal/config"
	"deskmeter/internal/events"
	"deskmeter/internal/ledger"
	"deskmeter/internal/lifecycle"
	"deskmeter/internal/logging"
	"deskmeter/internal/monitoring"
	"deskmeter/internal/pricing"
	"deskmeter/internal/provider"
	"deskmeter/internal/repository"
	"deskmeter/internal/repository/memory"
	"deskmeter/internal/scheduler"
	"deskmeter/internal/service"
	transportGRPC "deskmeter/internal/transport/grpc"
	transportHTTP "deskmeter/internal/transport/http"
	transportNATS "deskmeter/internal/transport/nats"
	"deskmeter/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	log := logging.New("deskmeter", cfg.LogLevel)

	var cleanupFns []func()
	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	// ── Storage ────────────────────────────────────────────────────────────────
	var store repository.Store
	switch cfg.Store {
	case "postgres":
		db, err := connectPostgres(ctx, cfg.DSN(), cfg.DBMaxConns)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		store = repository.NewPostgresStore(db)
	case "memory":
		log.Warn("using in-memory store, state is lost on restart")
		store = memory.New()
	}
	cleanupFns = append(cleanupFns, store.Close)

	var guard repository.TickGuard
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := connectRedis(ctx, addr)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		guard = repository.NewRedisTickGuard(rdb, instanceName(), 2*cfg.ChargeInterval)
	}

	// ── Metrics ────────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	// ── Bus ────────────────────────────────────────────────────────────────────
	var servers []Server
	var bus events.MessageBus = events.NopBus{}
	var natsHandler func(service.BillingService) []Server

	switch cfg.BusProvider {
	case "nats":
		nc, err := connectNats(cfg.NatsAddr(), log)
		if err != nil {
			return fail(fmt.Errorf("connect nats: %w", err))
		}
		cleanupFns = append(cleanupFns, nc.Close)
		bus = transportNATS.NewBus(nc)
		natsHandler = func(svc service.BillingService) []Server {
			return []Server{
				transportNATS.NewHandler(svc, nc, log),
				worker.NewReconcileWorker(svc, nc, metrics, log),
			}
		}
	case "grpc":
		grpcBus, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCBusAddr)
		if err != nil {
			return fail(fmt.Errorf("dial grpc bus: %w", err))
		}
		cleanupFns = append(cleanupFns, cleanup)
		bus = grpcBus
	}
	pub := events.NewPublisher(bus, log, metrics)

	// ── Domain ─────────────────────────────────────────────────────────────────
	prov := provider.NewClient(provider.ClientConfig{
		BaseURL:    cfg.ProviderURL,
		APIKey:     cfg.ProviderAPIKey,
		Zone:       cfg.ProviderZone,
		ImageID:    cfg.ProviderImageID,
		Timeout:    cfg.ProviderTimeout,
		MaxRetries: cfg.ProviderMaxRetries,
		Logger:     log,
	})
	prices := pricing.New(store, pricing.Defaults{
		PricePerMinute:    cfg.DefaultPricePerMinute,
		MinBalanceToStart: cfg.DefaultMinBalanceToStart,
	}, log)
	mgr := lifecycle.NewManager(store, prov, prices, pub, metrics, log, lifecycle.Config{ConflictRetries: cfg.ConflictRetries})
	svc := service.NewBilling(ledger.New(store, log), prices, mgr)

	sched := scheduler.New(store, mgr, guard, pub, metrics, log, scheduler.Config{
		Interval:           cfg.ChargeInterval,
		ProvisionalTimeout: cfg.ProvisionalTimeout,
	})
	servers = append(servers, schedulerServer{s: sched})

	// ── Transports ─────────────────────────────────────────────────────────────
	if natsHandler != nil {
		servers = append(servers, natsHandler(svc)...)
	}
	if addr, err := cfg.GRPCAddr(); err == nil {
		// The gRPC server doubles as the reconciliation endpoint for remote GrpcBus publishers.
		servers = append(servers, transportGRPC.NewServer(addr, svc, worker.NewReconcileWorker(svc, nil, metrics, log), log))
	}
	if addr, err := cfg.ApiAddr(); err == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc, reg, log))
	}

	log.WithFields(logging.Fields{
		"store":   cfg.Store,
		"bus":     cfg.BusProvider,
		"redis":   guard != nil,
		"servers": len(servers),
	}).Info("deskmeter bootstrapped")

	return NewApp(servers, log), runCleanup(cleanupFns), nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "deskmeter"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
