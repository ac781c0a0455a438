package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Jerome2332/confidex-sub008/admin"
	"github.com/Jerome2332/confidex-sub008/chain"
	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/config"
	"github.com/Jerome2332/confidex-sub008/crank"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/mpc"
	"github.com/Jerome2332/confidex-sub008/store"
	"github.com/Jerome2332/confidex-sub008/types"
)

func main() {
	root := &cobra.Command{
		Use:   "crank",
		Short: "Off-chain matching coordinator for the confidential orderbook",
	}
	root.AddCommand(startCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the crank until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func newLogger(level string) log.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return log.NewLogger(os.Stderr, log.LevelOption(lvl))
}

func loadWallet(cfg *config.Config, logger log.Logger) (*chain.Wallet, error) {
	switch {
	case cfg.WalletPath != "":
		return chain.LoadWalletFile(cfg.WalletPath)
	case cfg.WalletSecretKey != "":
		return chain.LoadWalletSecret(cfg.WalletSecretKey)
	default:
		logger.Warn("no wallet configured, using an ephemeral keypair")
		return chain.NewWallet()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	clk := clock.System()
	collector := metrics.GetCollector()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath, logger, clk)
	if err != nil {
		return err
	}
	defer st.Close()

	wallet, err := loadWallet(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("wallet loaded", "pubkey", wallet.Pubkey().String())

	client := chain.NewClient(chain.ClientConfig{
		PrimaryURL:   cfg.RPCPrimary,
		FallbackURLs: cfg.RPCFallbacks,
	}, logger, clk)

	blockhash := chain.NewBlockhashCache(chain.BlockhashConfig{
		RefreshInterval: cfg.BlockhashRefreshInterval,
		MaxAge:          cfg.BlockhashMaxAge,
		PrefetchCount:   cfg.BlockhashPrefetchCount,
		FetchTimeout:    cfg.BlockhashFetchTimeout,
	}, client, logger, clk)
	blockhash.Start(ctx)
	defer blockhash.Stop()

	orderCache := chain.NewOrderCache(0, clk)
	var sub *chain.Subscriber
	if cfg.WSURL != "" {
		sub = chain.NewSubscriber(chain.SubscriberConfig{URL: cfg.WSURL}, logger)
		chain.BindOrderCache(sub, cfg.OrderbookProgramID, orderCache, logger)
	}

	processed := store.NewMpcProcessed(st)
	engine := mpc.NewClient(mpc.Config{
		ProgramID:       cfg.MpcProgramID,
		ClusterOffset:   cfg.MpcClusterOffset,
		Timeout:         cfg.MpcTimeout,
		CallbackTimeout: cfg.MpcCallbackTimeout,
	}, client, blockhash, wallet, processed, logger, clk)
	if sub != nil {
		engine.BindSubscriber(sub)
		sub.Start(ctx)
		defer sub.Stop()
	}

	pending := store.NewPendingOps(st)
	txRecords := store.NewTxRecords(st)
	lockSvc := store.NewLockService(st, logger, 0)
	lockSvc.Start(ctx)
	sweeper := store.NewMaintenance(st, pending, txRecords, processed, lockSvc)
	locks := crank.NewLockManager(0, clk)

	executor := crank.NewExecutor(crank.ExecutorConfig{
		OrderbookProgramID: cfg.OrderbookProgramID,
		UseRealMpc:         cfg.UseRealMpc,
	}, locks, engine, client, blockhash, wallet, pending, txRecords, collector, logger, clk)

	source := crank.NewOrderSource(cfg.OrderbookProgramID, client, orderCache, logger)
	service := crank.NewService(crank.ServiceConfig{
		Enabled:              cfg.Enabled,
		PollingInterval:      cfg.PollingInterval,
		MaxConcurrentMatches: cfg.MaxConcurrentMatches,
		ErrorThreshold:       cfg.ErrorThreshold,
		PauseDuration:        cfg.PauseDuration,
	}, source, crank.NewSelector(cfg.MaxConcurrentMatches), locks, executor,
		lockSvc, pending, sweeper, collector, logger, clk)

	adminSrv := admin.NewServer(&admin.Config{
		ListenAddr: cfg.AdminListenAddr,
		APIKey:     cfg.AdminAPIKey,
	}, service, cfg.Summary(), logger)
	registerProbes(adminSrv, st, client, engine, sub, cfg.UseRealMpc)

	go func() {
		if err := adminSrv.Start(); err != nil && ctx.Err() == nil {
			logger.Error("admin server exited", "error", err)
		}
	}()

	go refreshWalletGauges(ctx, client, wallet.Pubkey(), collector, logger)

	if cfg.Enabled {
		if err := service.Start(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("crank is disabled, waiting for an operator start")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := service.Stop(shutdownCtx); err != nil {
		logger.Error("service stop failed", "error", err)
	}
	if err := lockSvc.Shutdown(shutdownCtx); err != nil {
		logger.Error("lock service shutdown failed", "error", err)
	}
	return adminSrv.Stop(shutdownCtx)
}

func registerProbes(srv *admin.Server, st *store.Store, client *chain.Client, engine *mpc.Client, sub *chain.Subscriber, useRealMpc bool) {
	srv.RegisterProbe("database", func(ctx context.Context) error {
		return st.DB().PingContext(ctx)
	})
	srv.RegisterProbe("rpc", func(ctx context.Context) error {
		_, err := client.GetSlot(ctx)
		return err
	})
	if useRealMpc {
		srv.RegisterProbe("mpc", func(ctx context.Context) error {
			_, err := engine.GetMxePublicKey(ctx)
			return err
		})
	}
	if sub != nil {
		srv.RegisterProbe("websocket", func(ctx context.Context) error {
			if !sub.IsActive() {
				return fmt.Errorf("subscription down after %d reconnect attempts", sub.ReconnectAttempts())
			}
			return nil
		})
	}
}

// refreshWalletGauges keeps the wallet balance and slot height gauges current.
func refreshWalletGauges(ctx context.Context, client *chain.Client, payer types.Pubkey, collector *metrics.Collector, logger log.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if lamports, err := client.GetBalance(ctx, payer); err == nil {
			collector.WalletBalance.Set(float64(lamports) / 1e9)
		} else if ctx.Err() == nil {
			logger.Debug("balance refresh failed", "error", err)
		}
		if slot, err := client.GetSlot(ctx); err == nil {
			collector.SlotHeight.Set(float64(slot))
		}
	}
}
