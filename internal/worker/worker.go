package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coursechat/internal/metrics"
	"coursechat/internal/queue"
	"coursechat/internal/storage"
)

// Worker drains the log stream: every job becomes a chat log row, and charged jobs also bump
// the user's question counter.
type Worker struct {
	store           *storage.Store
	queue           *queue.StreamQueue
	dedupe          *queue.LogDeduplicator
	maxJobRetries   int
	reclaimInterval time.Duration
	reclaimIdle     time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Dedupe        *queue.LogDeduplicator
	MaxJobRetries int
	// ReclaimInterval is how often entries stuck with a dead consumer are taken over; they
	// qualify after ReclaimIdle without an ack.
	ReclaimInterval time.Duration
	ReclaimIdle     time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}
	return &Worker{
		store:           cfg.Store,
		queue:           cfg.Queue,
		dedupe:          cfg.Dedupe,
		maxJobRetries:   cfg.MaxJobRetries,
		reclaimInterval: cfg.ReclaimInterval,
		reclaimIdle:     cfg.ReclaimIdle,
		logger:          cfg.Logger,
		metrics:         m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// reclaimLoop picks up jobs a crashed consumer left unacked.
func (w *Worker) reclaimLoop(ctx context.Context) {
	log := w.logger.With().Str("loop", "reclaim").Logger()
	ticker := time.NewTicker(w.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.reclaimOnce(ctx, log)
	}
}

func (w *Worker) reclaimOnce(ctx context.Context, log zerolog.Logger) int {
	messages, err := w.queue.Reclaim(ctx, w.reclaimIdle, 50)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to reclaim pending log jobs")
		}
		return 0
	}
	if len(messages) > 0 {
		log.Warn().Int("count", len(messages)).Msg("reclaimed pending log jobs")
	}
	for _, msg := range messages {
		w.handle(ctx, log, msg)
	}
	return len(messages)
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	if msg.Err != nil {
		w.metrics.FailedJobs.Inc()
		log.Error().Err(msg.Err).Str("msg_id", msg.ID).Msg("discarding undecodable log job")
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack undecodable message")
		}
		return
	}

	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	// the exchange is lost from the log; the counter was not touched either
	log.Error().
		Str("job_id", msg.Job.JobID).
		Int64("instance_id", msg.Job.InstanceID).
		Int64("user_id", msg.Job.UserID).
		Bool("charge", msg.Job.Charge).
		Msg("dropping log job after retries")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.LogJob) error {
	if w.dedupe != nil && job.JobID != "" {
		first, err := w.dedupe.MarkFirst(ctx, job.JobID)
		if err != nil {
			return err
		}
		if !first {
			w.logger.Debug().Str("job_id", job.JobID).Msg("skipping duplicate log job")
			return nil
		}
	}

	entry := storage.LogEntry{
		InstanceID: job.InstanceID,
		UserID:     job.UserID,
		SessionID:  job.SessionID,
		Request:    job.Request,
		Response:   job.Response,
		CreatedAt:  job.EnqueuedAt,
	}
	if err := w.store.RecordExchange(ctx, entry, job.Charge); err != nil {
		if w.dedupe != nil && job.JobID != "" {
			if forgetErr := w.dedupe.Forget(ctx, job.JobID); forgetErr != nil {
				w.logger.Warn().Err(forgetErr).Str("job_id", job.JobID).Msg("failed to release dedupe key")
			}
		}
		return fmt.Errorf("record exchange: %w", err)
	}
	if job.Charge {
		w.metrics.ChargedJobs.Inc()
	}
	return nil
}
