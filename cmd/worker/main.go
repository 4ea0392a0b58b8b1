package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/app"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/db"
	"github.com/suPer8Hu/tenant-chat/internal/logger"
	"github.com/suPer8Hu/tenant-chat/internal/store/rabbitmq"
)

const (
	staleAfter    = 2 * time.Minute
	sweepInterval = time.Minute
	sweepBatch    = 100
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogFilePath, cfg.IsProduction()).Named("worker")
	defer func() { _ = log.Sync() }()

	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required")
	}

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN, false)
	if err := db.Migrate(gdb, app.Entities()...); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	// the publisher owns its own channel; consuming uses a second one
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit publisher", zap.Error(err))
	}
	defer pub.Close()

	svc, err := app.ChatService(cfg, app.Deps{DB: gdb, Log: log, Jobs: pub})
	if err != nil {
		log.Fatal("chat service", zap.Error(err))
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	go sweep(ctx, svc, log)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range jobs {
				handleDelivery(ctx, svc, pub, wlog, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery applies one job. Failures with attempts left go to the retry queue and
// the delivery is acked; exhausted jobs are nacked into the DLQ.
func handleDelivery(ctx context.Context, svc *chat.Service, pub *rabbitmq.Publisher, log *zap.Logger, d amqp.Delivery) {
	m, err := rabbitmq.DecodeJob(d.Body)
	if err != nil || m.JobID == "" {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("job_id", m.JobID))

	start := time.Now()
	err = svc.ApplyJob(ctx, m.JobID)
	if err == nil {
		if time.Since(start) > 2*time.Second {
			log.Info("job slow", zap.Duration("cost", time.Since(start)))
		}
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		return
	}
	log.Warn("job failed", zap.Duration("cost", time.Since(start)), zap.Error(err))

	delay, retry, rErr := svc.RetryJob(ctx, m.JobID)
	if rErr != nil {
		log.Error("retry lookup", zap.Error(rErr))
		_ = d.Nack(false, false)
		return
	}
	if !retry {
		log.Error("job exhausted, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	if err := pub.PublishRetry(ctx, m.JobID, delay); err != nil {
		// still queued in the database; the sweep republishes it
		log.Error("publish retry", zap.Error(err))
	}
	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

// sweep reclaims jobs a crashed worker left running and republishes queued jobs whose
// publish never reached the broker.
func sweep(ctx context.Context, svc *chat.Service, log *zap.Logger) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := svc.RequeueStaleJobs(ctx, staleAfter, sweepBatch)
			if err != nil {
				log.Warn("stale job sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("republished stale jobs", zap.Int("count", n))
			}
		}
	}
}
