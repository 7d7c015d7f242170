package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kareempjackson/undr-api-sub001/configs"
	"github.com/kareempjackson/undr-api-sub001/internal/app"
	"github.com/kareempjackson/undr-api-sub001/internal/handlers"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/kareempjackson/undr-api-sub001/internal/ratelimit"
	"github.com/kareempjackson/undr-api-sub001/internal/routes"
	"github.com/kareempjackson/undr-api-sub001/internal/seed"
	"github.com/kareempjackson/undr-api-sub001/internal/store"
	"github.com/kareempjackson/undr-api-sub001/internal/webhook"
)

func main() {
	logger.Init("info")
	configs.LoadConfig()
	logger.Init(configs.AppConfig.Log.Level)
	defer logger.Log.Sync()
	log := logger.Log

	store.NewDB()
	store.DBMigrate()
	if err := seed.Run(store.DB); err != nil {
		log.Fatal("seed failed", zap.Error(err))
	}

	engine := app.NewEngine(store.DB, log)
	rdb := app.NewRedis(log)

	var proofLimiter *ratelimit.Limiter
	if rdb != nil {
		rl := configs.AppConfig.RateLimit
		proofLimiter = ratelimit.New(ratelimit.NewRedisCounter(rdb), "proof_submission",
			rl.ProofSubmissions, rl.Window, log.Named("ratelimit"))
	}

	relay, closePublisher, err := app.NewRelay(store.DB, log)
	if err != nil {
		log.Fatal("outbox relay setup failed", zap.Error(err))
	}

	h := &handlers.Handlers{
		DB:            store.DB,
		Engine:        engine,
		Webhooks:      webhook.NewReconciler(store.DB, engine, log.Named("webhook")),
		JWTSecret:     configs.AppConfig.JWT.SECRET,
		WebhookSecret: configs.AppConfig.Webhook.Secret,
	}
	router := routes.NewRoutes(h, proofLimiter)

	srv := &http.Server{
		Addr:         configs.AppConfig.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.NewSweeper(engine, rdb, log).Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		relay.Run(bgCtx)
	}()

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}

	stopBackground()
	wg.Wait()
	closePublisher()
	if rdb != nil {
		rdb.Close()
	}
	store.Close()

	log.Info("server stopped")
}
