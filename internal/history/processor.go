package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/config"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/store"
	"github.com/pitabwire/stagehand/model"
)

// Processor is the background worker pool draining history jobs into the
// historic projections. Workers claim jobs with an expiring lock, apply the
// batch in canonical event order within a bounded timeout, and ack; failed
// batches return to the due queue with a growing delay, then dead-letter.
// Runtime callers are never blocked or rolled back by history failures.
type Processor struct {
	jobs      store.JobStore
	projector *Projector
	cfg       config.HistoryConfig

	clock   model.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorClock injects a clock, for deterministic testing.
func WithProcessorClock(c model.Clock) ProcessorOption {
	return func(p *Processor) { p.clock = c }
}

// WithProcessorLogger injects a logger.
func WithProcessorLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithProcessorMetrics injects metric instruments.
func WithProcessorMetrics(m *observability.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a history job processor.
func NewProcessor(jobs store.JobStore, projector *Projector, cfg config.HistoryConfig, opts ...ProcessorOption) *Processor {
	p := &Processor{
		jobs:      jobs,
		projector: projector,
		cfg:       cfg,
		clock:     model.SystemClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has drained.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		owner := fmt.Sprintf("history-worker-%d-%s", i, uuid.New().String()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, owner)
		}()
	}
	wg.Wait()
}

// worker claims and processes jobs until ctx is cancelled. Idle polling backs
// off exponentially up to MaxPollWait and resets on the next claimed job.
func (p *Processor) worker(ctx context.Context, owner string) {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.cfg.PollInterval
	idle.MaxInterval = p.cfg.MaxPollWait
	idle.MaxElapsedTime = 0
	idle.Reset()

	logger := p.logger.With(zap.String("owner", owner))
	logger.Info("history worker started")

	for {
		job, claimed, err := p.jobs.ClaimDueJob(ctx, owner, p.cfg.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("history worker stopped")
				return
			}
			logger.Error("claim history job", zap.Error(err))
		}

		if claimed {
			p.processJob(ctx, logger, job)
			idle.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			logger.Info("history worker stopped")
			return
		case <-time.After(idle.NextBackOff()):
		}
	}
}

// ProcessOne claims and processes at most one due job, for callers that
// drain synchronously (tests, single-shot maintenance commands). It reports
// whether a job was claimed.
func (p *Processor) ProcessOne(ctx context.Context, owner string) (bool, error) {
	job, claimed, err := p.jobs.ClaimDueJob(ctx, owner, p.cfg.LockDuration)
	if err != nil || !claimed {
		return false, err
	}
	p.processJob(ctx, p.logger.With(zap.String("owner", owner)), job)
	return true, nil
}

func (p *Processor) processJob(ctx context.Context, logger *zap.Logger, job model.HistoryJob) {
	start := p.clock.Now()
	err := p.applyBatch(ctx, job)
	duration := p.clock.Now().Sub(start)

	logger = logger.With(
		zap.String("job_id", job.ID),
		zap.String("case_instance_id", job.CaseInstanceID),
		zap.String("handler_type", job.HandlerType),
	)

	if err == nil {
		if ackErr := p.jobs.AckJob(ctx, job.ID); ackErr != nil {
			logger.Error("ack history job", zap.Error(ackErr))
			return
		}
		p.metrics.RecordHistoryJob(job.HandlerType, "done", duration)
		logger.Debug("history job applied", zap.Duration("duration", duration))
		return
	}

	if job.Retries+1 > p.cfg.MaxRetries {
		if dlErr := p.jobs.DeadLetterJob(ctx, job.ID, err.Error()); dlErr != nil {
			logger.Error("dead-letter history job", zap.Error(dlErr))
			return
		}
		p.metrics.RecordHistoryJob(job.HandlerType, "dead", duration)
		p.metrics.RecordHistoryJobDead()
		logger.Warn("history job dead-lettered",
			zap.Int("retries", job.Retries),
			zap.Error(err),
		)
		return
	}

	delay := p.retryDelay(job.Retries)
	if retryErr := p.jobs.RetryJob(ctx, job.ID, delay); retryErr != nil {
		logger.Error("retry history job", zap.Error(retryErr))
		return
	}
	p.metrics.RecordHistoryJob(job.HandlerType, "retry", duration)
	logger.Warn("history job failed, retrying",
		zap.Int("retries", job.Retries),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

// applyBatch decodes the job payload and applies its events in canonical
// type order (sequence order within the same rank) under the batch timeout.
func (p *Processor) applyBatch(ctx context.Context, job model.HistoryJob) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	events, err := DecodeBatch(job.Payload, job.HandlerType)
	if err != nil {
		return err
	}

	sort.SliceStable(events, func(i, j int) bool {
		ri, rj := model.CanonicalRank(events[i].Type), model.CanonicalRank(events[j].Type)
		if ri != rj {
			return ri < rj
		}
		return events[i].Seq < events[j].Seq
	})

	for _, ev := range events {
		if err := p.projector.Apply(ctx, ev); err != nil {
			return fmt.Errorf("apply %s event %s: %w", ev.Type, ev.ID, err)
		}
	}
	return nil
}

// retryDelay doubles the base delay per attempt, capped at MaxDelay.
func (p *Processor) retryDelay(retries int) time.Duration {
	delay := p.cfg.RetryDelay
	for i := 0; i < retries && delay < p.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	return delay
}
