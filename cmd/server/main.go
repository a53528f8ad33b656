package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/accounts"
	"signaltrader/internal/broadcast"
	"signaltrader/internal/config"
	"signaltrader/internal/exchange/binance"
	"signaltrader/internal/executor"
	apphttp "signaltrader/internal/http"
	"signaltrader/internal/integrations/discord"
	"signaltrader/internal/integrations/telegram"
	"signaltrader/internal/ledger"
	"signaltrader/internal/ledger/memory"
	"signaltrader/internal/ledger/postgres"
	"signaltrader/internal/notify"
	"signaltrader/internal/security/secretbox"
	"signaltrader/internal/service/risk"
	"signaltrader/internal/service/trading"
	signalpkg "signaltrader/internal/signal"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg := config.Load()

	var box *secretbox.Box
	if cfg.CredentialEncryptionKey != "" {
		b, err := secretbox.New(cfg.CredentialEncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid CREDENTIAL_ENCRYPTION_KEY")
		}
		box = b
	}

	directory, err := accounts.Load(
		cfg.AccountsFile,
		cfg.DefaultAccountID,
		cfg.ExchangeAPIKey,
		cfg.ExchangeAPISecret,
		cfg.DefaultRiskProfile(),
		box,
		nil,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load accounts")
	}

	gateway := binance.NewClient(
		cfg.ExchangeBaseURL,
		cfg.ExchangeTimeout,
		float64(cfg.ExchangeRequestsPerSec),
		cfg.ExchangeRetryDelay,
		directory,
	)
	directory.SetBalanceSource(gateway)

	var store ledger.Store
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("postgres ledger unavailable, falling back to memory ledger")
			store = memory.NewStore()
		} else {
			store = pgStore
		}
	} else {
		store = memory.NewStore()
	}

	sinks := notify.Multi{notify.Log{}}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, discord.NewNotifier(cfg.DiscordWebhookURL, cfg.DiscordWebhookTimeout, cfg.DiscordWebhookMaxRetries))
	}

	breaker := risk.NewBreaker(store)
	pipeline := trading.NewPipeline(
		signalpkg.NewParser(firstSymbol(cfg.AllowedSymbols)),
		signalpkg.NewDeduper(cfg.DedupEnabled, cfg.DedupWindow, cfg.CancelDedupWindow),
		risk.NewEvaluator(breaker, risk.Limits{
			MaxEntryDeviation: cfg.MaxEntryDeviation,
			MinNotionalUsdt:   cfg.MinNotionalUsdt,
			MarginUsageCap:    cfg.MarginUsageCap,
		}),
		executor.New(gateway, store, breaker, sinks),
		directory,
		gateway,
		store,
		ledger.NewLocks(),
		broadcast.NewDispatcher(cfg.BroadcastWorkers),
		sinks,
	)

	srv := apphttp.NewServer(cfg, pipeline, directory, store, breaker)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Int("accounts", len(directory.ListAccountIDs())).Msg("signal trader listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func firstSymbol(symbols []string) string {
	if len(symbols) == 0 {
		return "BTCUSDT"
	}
	return symbols[0]
}
