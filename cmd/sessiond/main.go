package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/shopsage/sessiond/internal/api/http"
	"github.com/shopsage/sessiond/internal/application/reconcile"
	appSession "github.com/shopsage/sessiond/internal/application/session"
	"github.com/shopsage/sessiond/internal/call"
	"github.com/shopsage/sessiond/internal/config"
	"github.com/shopsage/sessiond/internal/domain/policy"
	domainSession "github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/infrastructure/keystore"
	"github.com/shopsage/sessiond/internal/infrastructure/postgres"
	"github.com/shopsage/sessiond/internal/infrastructure/sse"
	"github.com/shopsage/sessiond/internal/ledger"
	"github.com/shopsage/sessiond/internal/ledger/devnet"
	"github.com/shopsage/sessiond/internal/ledger/devnet/consensus"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// infrastructure
	recordStore := postgres.NewRecordRepository(pool)
	sseHub := sse.NewHub()

	keyStore, err := keystore.NewFromEnv()
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}
	signKey, err := keyStore.DefaultKey()
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}

	var (
		ledgerClient ledger.Client
		ledgerNode   *consensus.Node
	)
	switch cfg.LedgerMode {
	case "embedded":
		ledgerNode, err = consensus.NewNode(consensus.Config{
			NodeID:    cfg.LedgerNodeID,
			RaftAddr:  cfg.LedgerRaftAddr,
			DataDir:   cfg.LedgerDataDir,
			Bootstrap: true,
		})
		if err != nil {
			log.Fatalf("ledger node error: %v", err)
		}
		waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
		if _, err := ledgerNode.WaitForLeader(waitCtx, 100*time.Millisecond); err != nil {
			cancelWait()
			log.Fatalf("ledger node error: %v", err)
		}
		cancelWait()
		ledgerClient = devnet.NewClient(ledgerNode, signKey)
	default:
		ledgerClient = devnet.NewClient(devnet.NewLocal(), signKey)
	}

	var callProvisioner call.Provisioner
	if cfg.CallVendorURL != "" {
		callProvisioner = call.NewHTTPProvisioner(cfg.CallVendorURL, cfg.CallVendorAPIKey, cfg.LeafTimeout)
	} else {
		callProvisioner = call.NewMemoryProvisioner()
	}

	refundPolicy, err := policy.NewRefundPolicy(cfg.RefundExpression)
	if err != nil {
		log.Fatalf("refund policy error: %v", err)
	}

	// services
	engine := reconcile.NewEngine(ledgerClient, recordStore, callProvisioner, reconcile.Config{
		PollInterval:       cfg.PollInterval,
		LeafTimeout:        cfg.LeafTimeout,
		RetryAttempts:      cfg.RetryAttempts,
		RetryBackoff:       cfg.RetryBackoff,
		TerminalGraceTicks: cfg.TerminalGraceTicks,
	}, logger)
	defer engine.Close()

	sessionSvc := appSession.NewService(engine, ledgerClient, recordStore, callProvisioner, refundPolicy, logger)

	// fan canonical updates out to both parties over SSE
	engine.SubscribeAll(func(s domainSession.Session) {
		data, err := json.Marshal(s)
		if err != nil {
			return
		}
		msg := sse.NewMessage("session.updated", data)
		sseHub.BroadcastToUser(s.ExpertRef, msg)
		sseHub.BroadcastToUser(s.ShopperRef, msg)
	})

	// API server
	apiServer := httpapi.NewServer(sessionSvc, sseHub, cfg.JWTSecret, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("ledger_mode", cfg.LedgerMode).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	sseHub.Stop()
	if ledgerNode != nil {
		_ = ledgerNode.Shutdown()
	}
}
