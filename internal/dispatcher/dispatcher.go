// Package dispatcher feeds PENDING conversion jobs to a bounded pool of
// workers. Delivery is a Redis Stream consumer group for latency plus a
// periodic DB sweep for anything the stream dropped; exclusivity comes
// from the engine's claim, never from the stream.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"github.com/mkovalev/converthub/internal/config"
	"github.com/mkovalev/converthub/internal/engine"
)

// Processor executes one job to a terminal state. Satisfied by the
// lifecycle engine.
type Processor interface {
	Process(ctx context.Context, jobID int64) (engine.Result, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PendingLister feeds the fairness sweep, oldest jobs first.
type PendingLister interface {
	PendingJobs(ctx context.Context, limit int) ([]int64, error)
}

type Dispatcher struct {
	rc      redis.UniversalClient
	cfg     config.DispatcherConfig
	proc    Processor
	pending PendingLister
	slots   chan struct{}
	log     *slog.Logger
}

// Init builds the dispatcher, starts it in the background and returns
// the producer used by the engine to enqueue fresh jobs.
func Init(ctx context.Context, rc redis.UniversalClient, cfg config.DispatcherConfig, proc Processor, pending PendingLister, log *slog.Logger) *Producer {
	producer := NewProducer(rc, cfg.Stream, cfg.MaxLen)
	d := New(rc, cfg, proc, pending, log)

	go func() {
		if err := d.Start(ctx); err != nil {
			log.Error("dispatcher stopped", "err", err)
		}
	}()

	return producer
}

func New(rc redis.UniversalClient, cfg config.DispatcherConfig, proc Processor, pending PendingLister, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		rc:      rc,
		cfg:     cfg,
		proc:    proc,
		pending: pending,
		slots:   make(chan struct{}, cfg.Workers),
		log:     log,
	}
}

func (d *Dispatcher) EnsureGroup(ctx context.Context) error {
	// MkStream so group creation does not fail before any message
	// exists; BUSYGROUP just means the group is already there.
	err := d.rc.XGroupCreateMkStream(ctx, d.cfg.Stream, d.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	d.log.Info("dispatcher starting",
		"group", d.cfg.Group, "stream", d.cfg.Stream, "workers", d.cfg.Workers)

	// Adopt messages a crashed consumer left pending.
	d.autoClaim(ctx)

	errCh := make(chan error, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		id := i
		go func() {
			err := d.consumeLoop(ctx)
			if err != nil {
				d.log.Error("dispatcher worker stopped", "worker", id, "err", err)
			}
			errCh <- err
		}()
	}

	go d.sweepLoop(ctx)
	go d.reclaimLoop(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// autoClaim takes over stream messages that were delivered to another
// consumer but never acknowledged, e.g. after a worker crash. The jobs
// behind them are either still PENDING (we process them) or already
// terminal (Process returns the stored result).
func (d *Dispatcher) autoClaim(ctx context.Context) {
	next := "0-0"

	minIdle := 30 * time.Second
	if d.cfg.BlockTimeout > 0 {
		if t := d.cfg.BlockTimeout * 6; t > minIdle {
			minIdle = t
		}
	}

	for {
		msgs, start, err := d.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   d.cfg.Stream,
			Group:    d.cfg.Group,
			Consumer: d.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		next = start
	}
}

func (d *Dispatcher) consumeLoop(ctx context.Context) error {
	for {
		streams, err := d.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.cfg.Group,
			Consumer: d.cfg.Consumer,
			Streams:  []string{d.cfg.Stream, ">"},
			Count:    1,
			Block:    d.cfg.BlockTimeout,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				d.handle(ctx, m)
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, m redis.XMessage) {
	// Ack unconditionally: a job we fail to finish here stays PENDING
	// or PROCESSING in the DB and the sweep or reclaim picks it up.
	defer d.rc.XAck(ctx, d.cfg.Stream, d.cfg.Group, m.ID)

	raw, ok := m.Values["job_id"].(string)
	if !ok {
		d.log.Warn("dropping malformed stream message", "msg_id", m.ID)
		return
	}
	jobID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		d.log.Warn("dropping stream message with bad job id", "msg_id", m.ID, "job_id", raw)
		return
	}

	d.dispatch(ctx, jobID)
}

// dispatch runs one job inside a worker slot. Lost claims are silent;
// job failures are already recorded as terminal state by the engine; an
// error here is infrastructure trouble and must never kill the loop.
func (d *Dispatcher) dispatch(ctx context.Context, jobID int64) {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.slots }()

	res, err := d.proc.Process(ctx, jobID)
	if err != nil {
		d.log.Error("processing error", "job_id", jobID, "err", err)
		sentry.CaptureException(err)
		return
	}

	switch res.Outcome {
	case engine.OutcomeSkipped:
		d.log.Debug("job already claimed elsewhere", "job_id", jobID)
	case engine.OutcomeUnchanged:
		d.log.Debug("job already terminal", "job_id", jobID)
	default:
		d.log.Info("job processed", "job_id", jobID, "outcome", res.Outcome)
	}
}

// sweepLoop periodically pulls PENDING jobs oldest first. It is the
// fairness path and the safety net for lost stream messages.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	if d.cfg.PollInterval <= 0 {
		return
	}

	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of PENDING jobs in created_at order.
func (d *Dispatcher) Sweep(ctx context.Context) {
	ids, err := d.pending.PendingJobs(ctx, d.cfg.BatchSize)
	if err != nil {
		d.log.Error("pending sweep failed", "err", err)
		sentry.CaptureException(err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, id)
	}
}

// reclaimLoop force-fails jobs stuck in PROCESSING beyond the claim
// timeout, so a crashed worker cannot strand a job forever.
func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	if d.cfg.ClaimTimeout <= 0 {
		return
	}

	t := time.NewTicker(d.cfg.ClaimTimeout)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := d.proc.ReclaimStale(ctx, d.cfg.ClaimTimeout)
			if err != nil {
				d.log.Error("stale reclaim failed", "err", err)
				sentry.CaptureException(err)
				continue
			}
			if n > 0 {
				d.log.Warn("reclaimed stuck jobs", "count", n)
			}
		}
	}
}
