package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/npezzotti/go-squadchat/internal/api"
	"github.com/npezzotti/go-squadchat/internal/auth"
	"github.com/npezzotti/go-squadchat/internal/config"
	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/pipeline"
	"github.com/npezzotti/go-squadchat/internal/push"
	"github.com/npezzotti/go-squadchat/internal/relay"
	"github.com/npezzotti/go-squadchat/internal/server"
	"github.com/npezzotti/go-squadchat/internal/stats"
	flag "github.com/spf13/pflag"
)

// flag name to environment variable; a flag set on the command line wins
var flagEnv = map[string]string{
	"addr":            "SQUADCHAT_ADDR",
	"dsn":             "SQUADCHAT_DATABASE_DSN",
	"signing-key":     "SQUADCHAT_SIGNING_SECRET",
	"allowed-origins": "SQUADCHAT_ALLOWED_ORIGINS",
	"redis-url":       "SQUADCHAT_REDIS_URL",
	"push-webhook":    "SQUADCHAT_PUSH_WEBHOOK_URL",
	"migrate":         "SQUADCHAT_MIGRATE",
}

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.String("addr", "", "server address")
	flag.String("dsn", "", "database connection string")
	flag.String("signing-key", "", "base64 encoded signing key")
	flag.String("allowed-origins", "", "comma-separated list of allowed origins for CORS")
	flag.String("redis-url", "", "redis url for the cross-instance relay")
	flag.String("push-webhook", "", "url push notifications are posted to")
	flag.Bool("migrate", false, "apply database migrations on start")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-squadchat] ", log.LstdFlags)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal("load env file:", err)
	}

	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		logger.Fatal("read environment:", err)
	}
	flag.Visit(func(f *flag.Flag) {
		if name, ok := flagEnv[f.Name]; ok {
			es[name] = f.Value.String()
		}
	})

	cfg, err := config.Load(es)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if cfg.Migrate {
		logger.Println("applying migrations")
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal("migrate:", err)
		}
	}

	var dispatcher push.Dispatcher = push.NewLogDispatcher(logger)
	if cfg.PushWebhookURL != "" {
		dispatcher = push.NewWebhookDispatcher(cfg.PushWebhookURL, cfg.PushTimeout)
	}

	var (
		rl       relay.Relay
		presence relay.Presence
	)
	if cfg.RedisURL != "" {
		redisRelay, err := relay.NewRedisRelay(cfg.RedisURL, cfg.RedisChannel, logger)
		if err != nil {
			logger.Fatal("relay:", err)
		}
		defer redisRelay.Close()
		rl, presence = redisRelay, redisRelay
	}

	gate := auth.NewGate(auth.NewTokenVerifier(cfg.SigningKey), dbConn)
	p := pipeline.New(dbConn, gate, pipeline.Options{
		HistoryLimit:    cfg.HistoryLimit,
		MaxHistoryLimit: cfg.MaxHistoryLimit,
	})

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, server.NewRegistry(), p, statsUpdater, server.Options{
		TypingTimeout:   cfg.TypingTimeout,
		IdleRoomTimeout: cfg.IdleRoomTimeout,
		Dispatcher:      dispatcher,
		Relay:           rl,
		Presence:        presence,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewApp(mux, logger, chatServer, dbConn, gate, p, cfg)

	statsUpdater.Run()

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	go chatServer.Run()
	chatServer.StartRelay(relayCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	stopRelay()
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
