package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"skyledger/internal/account"
	"skyledger/internal/address"
	"skyledger/internal/config"
	"skyledger/internal/feed"
	"skyledger/internal/provision"
	"skyledger/internal/repository"
	"skyledger/internal/service"
	transportGRPC "skyledger/internal/transport/grpc"
	transportHTTP "skyledger/internal/transport/http"
	transportNATS "skyledger/internal/transport/nats"
	"skyledger/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, logger *slog.Logger) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var cleanupFns []func()

	// Stamped on bus events so this node skips its own echoes.
	nodeID := uuid.NewString()

	// ── Storage ────────────────────────────────────────────────────────────────
	backends := service.MemoryBackends()
	switch cfg.StorageProvider {
	case "postgres":
		db, err := connectPostgres(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		cleanupFns = append(cleanupFns, db.Close)

		backends = service.Backends{
			Directory: repository.NewDirectoryRepo(db),
			Accounts:  repository.NewAccountRepo(db),
			Log:       repository.NewLedgerRepo(db),
			Journal:   repository.NewCaseRepo(db),
		}
	default:
		logger.Warn("using in-memory storage, balances are lost on restart")
	}

	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := connectRedis(ctx, addr)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		backends.Directory = address.NewCachedDirectory(backends.Directory, rdb, logger)
	}

	// ── Bus ────────────────────────────────────────────────────────────────────
	var (
		notifiers []feed.Notifier
		nc        *nats.Conn
	)
	switch cfg.BusProvider {
	case "nats":
		nc, err = connectNats(cfg.NatsAddr(), "skyledger-"+nodeID[:8], logger)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, nc.Close)
		notifiers = append(notifiers, feed.NewBusNotifier(transportNATS.NewBus(nc, nodeID), logger))

	case "grpc":
		grpcBus, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, cleanup)
		notifiers = append(notifiers, feed.NewBusNotifier(grpcBus, logger))
	}

	// ── Ledger ─────────────────────────────────────────────────────────────────
	ledger := service.New(backends, service.Options{
		Retry: account.RetryConfig{
			MaxAttempts: cfg.CASMaxAttempts,
			BaseDelay:   cfg.CASBaseDelay,
			MaxDelay:    cfg.CASMaxDelay,
		},
		TransferTimeout: cfg.TransferTimeout,
		CreditRounds:    cfg.CreditRounds,
		Provision: provision.Config{
			BonusAmount: cfg.BonusAmount,
			Namespace:   cfg.AddressNamespace,
		},
		Notifiers: notifiers,
	}, logger)
	cleanupFns = append(cleanupFns, ledger.Close)

	// ── Transports and workers ─────────────────────────────────────────────────
	// The gRPC server always hosts EventService so peers on a grpc bus can push to it.
	servers := []Server{transportGRPC.NewServer(cfg.GRPCListen, ledger, ledger.Feed, logger)}

	if nc != nil {
		servers = append(servers, transportNATS.NewHandler(ledger, ledger.Feed, nc, nodeID, logger))
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, ledger, cfg.AmountScale, logger))
	} else {
		logger.Info("HTTP API not started", "reason", apiErr)
	}
	if cfg.AuditInterval > 0 {
		servers = append(servers, worker.NewAuditWorker(ledger.Accounts, backends.Log, cfg.AuditInterval, logger))
	}

	logger.Info("ledger wired",
		"node_id", nodeID,
		"storage", cfg.StorageProvider,
		"bus", cfg.BusProvider,
		"address_cache", cfg.RedisAddr() != "",
		"servers", len(servers),
	)

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
