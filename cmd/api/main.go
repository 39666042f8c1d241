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

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/config"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/db"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/httpapi"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/provider"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/storage"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/store/rabbitmq"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/store/redisstore"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/studio"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DailyGenerationLimit)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rds.Close()

	gen := provider.NewClient(cfg.ReplicateBaseURL, cfg.ReplicateAPIToken, provider.DefaultRegistry())
	gen.PollInterval = cfg.PollInterval
	gen.PollMaxAttempts = cfg.PollMaxAttempts

	images := storage.NewImagesClient(cfg.ImagesBaseURL, cfg.ImagesAccountID, cfg.ImagesAPIToken)
	promoter := storage.NewPromoter(images)

	repo := studio.NewRepo(gdb)
	svc := studio.NewService(repo, gen, promoter, rds, cfg.DefaultModel)

	tasks, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer tasks.Close()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(gdb, cfg, svc, tasks),
	}

	go func() {
		log.Printf("api listening addr=%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	// let in-flight promotions finish before exiting
	svc.Drain()
}
