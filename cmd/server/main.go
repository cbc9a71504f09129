package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"tokenrails/internal/balance"
	"tokenrails/internal/chainclient"
	"tokenrails/internal/chains"
	"tokenrails/internal/config"
	"tokenrails/internal/executor"
	"tokenrails/internal/journal"
	"tokenrails/internal/rates"
	"tokenrails/internal/redemption"
	"tokenrails/internal/server"
	"tokenrails/internal/settlement"
	"tokenrails/internal/verify"
	"tokenrails/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config error")
	}

	log := newLogger(cfg.Service.LogLevel)

	registry, err := chains.NewRegistry(cfg.Chains)
	if err != nil {
		log.Fatal().Err(err).Msg("chain registry error")
	}

	pool := chainclient.NewPool(registry)
	defer pool.Close()

	var store redemption.Store
	var dbHealth func(context.Context) error
	if cfg.Journal.PostgresDSN != "" {
		pg, err := journal.NewPostgresStore(context.Background(), cfg.Journal.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("journal store error")
		}
		defer pg.Close()
		store = pg
		dbHealth = pg.Ping
	} else {
		fs, err := journal.NewFileStore(cfg.Journal.FilePath)
		if err != nil {
			log.Fatal().Err(err).Msg("journal store error")
		}
		store = fs
	}

	var signer wallet.Signer = &wallet.FakeSigner{}
	if cfg.Wallet.PrivateKey != "" {
		keySigner, err := wallet.NewKeySigner(cfg.Wallet.PrivateKey, pool)
		if err != nil {
			log.Fatal().Err(err).Msg("signer error")
		}
		signer = keySigner
	} else {
		log.Warn().Msg("no private key configured, using fake signer")
	}

	balances := balance.NewOracle(registry, balance.NewRPCReader(pool), cfg.Oracles.BalanceTTL)
	rateOracle := rates.NewOracle(rates.Config{
		BaseURL:     cfg.Providers.RateBaseURL,
		InvertPrice: cfg.Oracles.InvertPrice,
		FeeRate:     cfg.Oracles.FeeRate,
		TTL:         cfg.Oracles.RateTTL,
		RefreshEach: cfg.Oracles.RateRefreshEach,
		Timeout:     cfg.Providers.RequestTimeout,
	}, registry, log)
	verifier := verify.NewVerifier(cfg.Providers.VerifyBaseURL, cfg.Providers.RequestTimeout)

	// Keep quotes warm for every redeemable pair; pegged tokens never
	// hit the provider.
	var unsubscribe []func()
	for _, chain := range cfg.Chains {
		for sym, tok := range chain.Tokens {
			if tok.FiatPegged {
				continue
			}
			unsubscribe = append(unsubscribe, rateOracle.Subscribe(chain.ID, sym))
		}
	}
	defer func() {
		for _, stop := range unsubscribe {
			stop()
		}
	}()

	exec, err := executor.New(registry, balances, signer, cfg.Retry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("executor error")
	}

	submitter := settlement.NewSubmitter(cfg.Providers.SettlementBaseURL, cfg.Providers.RequestTimeout, cfg.Retry, log)

	orch := redemption.NewOrchestrator(
		balances,
		rateOracle,
		verifier,
		exec,
		submitter,
		store,
		log,
	)

	opts := []server.Option{
		server.WithRPCHealth(func(ctx context.Context) error {
			for _, id := range registry.ChainIDs() {
				if err := pool.Ping(ctx, id); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	if dbHealth != nil {
		opts = append(opts, server.WithDBHealth(dbHealth))
	}

	apiServer := server.NewServer(cfg, orch, log, opts...)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Info().Err(err).Msg("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}
