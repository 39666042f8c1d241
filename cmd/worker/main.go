package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/config"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/db"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/provider"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/storage"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/store/rabbitmq"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/store/redisstore"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/studio"
)

type taskMsg struct {
	TaskID string `json:"task_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// same declaration path as the publisher, so the queue args agree
	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	tasks := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range tasks {
				var m taskMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.TaskID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := svc.RunTask(ctx, m.TaskID); err != nil {
					log.Printf("worker=%d task %s failed cost=%s err=%v", workerID, m.TaskID, time.Since(start), err)
					// the task row already records the failure; don't DLQ it
					_ = d.Ack(false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed task=%s err=%v", workerID, m.TaskID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(tasks)
			wg.Wait()
			svc.Drain()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			tasks <- d
		}
	}
}
