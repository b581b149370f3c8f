package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/tradle/tim-bank-sub000/internal/api/http"
	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/application/simplebank"
	"github.com/tradle/tim-bank-sub000/internal/config"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/anchor"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/keystore"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/kvstore"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/locker"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/metrics"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/resource"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/sse"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/transport"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var kv kvstore.KV
	switch cfg.StoreBackend {
	case "postgres":
		kv, err = kvstore.NewPostgres(ctx, cfg.DatabaseURL)
	default:
		kv, err = kvstore.OpenBolt(cfg.BoltPath)
	}
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer kv.Close()

	priv, err := keystore.LoadOrCreate(cfg.KeyPath, cfg.KeyPassphrase)
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}

	store := resource.NewStore(kv)
	repo := resource.NewCustomerRepository(store)
	locks := locker.NewManager(cfg.LockTimeout, logger)
	defer locks.Close()

	node := transport.NewWebSocketNode(priv, logger)

	bankMetrics := metrics.NewBank()
	core := bank.NewCore(repo, store, locks, node, bankMetrics, cfg.Employees, logger)
	core.SetVersion(cfg.BankVersion)

	events := sse.NewHub(logger)
	core.SetEvents(events)

	var sealer anchor.Sealer
	if cfg.AnchorURL != "" {
		queue := anchor.NewQueue(anchor.NewLedgerClient(cfg.AnchorURL, core.Identity()), logger)
		defer queue.Close()
		sealer = queue
	} else {
		sealer = anchor.NewLogSealer(logger)
	}

	engine := simplebank.New(core, sealer, bankMetrics, simplebank.Options{
		Validate: &cfg.Validate,
		Auto: simplebank.AutoOptions{
			Prompt:  cfg.AutoPrompt,
			Verify:  cfg.AutoVerify,
			Approve: cfg.AutoApprove,
		},
		Silent:            cfg.Silent,
		DisableForwarding: cfg.NoForwarding,
	}, logger)

	node.Handle(func(ctx context.Context, env protocol.Envelope, sender transport.SenderInfo) error {
		return core.Receive(ctx, env, sender, false)
	})

	apiServer := httpapi.NewServer(engine, node, events, bankMetrics.HTTPHandler(), cfg.AdminTokenHash, logger)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("identity", core.Identity()).
			Str("store", cfg.StoreBackend).
			Msg("bank listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
