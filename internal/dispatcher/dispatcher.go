// Package dispatcher bounds how many worker invocations run at once.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/product-search-gateway/internal/progress"
	"github.com/JakeFAU/product-search-gateway/internal/search"
)

// DefaultMaxConcurrent is used when Config.MaxConcurrent is not positive.
const DefaultMaxConcurrent = 2

// ErrNoSlot is wrapped by the Busy failure when no slot frees up in time.
var ErrNoSlot = errors.New("no worker slot available")

// Config controls the slot pool.
type Config struct {
	MaxConcurrent int
	// SlotWait is how long a request may queue for a slot. Zero means fail
	// immediately when every slot is taken.
	SlotWait time.Duration
}

// Dispatcher wraps an Invoker with a fixed number of worker slots.
type Dispatcher struct {
	next   search.Invoker
	slots  *semaphore.Weighted
	cfg    Config
	clock  search.Clock
	events progress.Emitter
	logger *zap.Logger
}

// New creates a Dispatcher in front of next.
func New(next search.Invoker, cfg Config, clock search.Clock, events progress.Emitter, logger *zap.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if events == nil {
		events = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		next:   next,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:    cfg,
		clock:  clock,
		events: events,
		logger: logger,
	}
}

// Invoke waits for a slot and forwards req to the wrapped Invoker. A request
// that cannot get a slot resolves to a Busy failure without spawning.
func (d *Dispatcher) Invoke(ctx context.Context, req search.Request) search.Outcome {
	start := d.clock.Now()
	d.events.Emit(progress.Event{RequestID: req.ID, TS: start, Stage: progress.StageInvokeStart})

	if err := d.acquire(ctx); err != nil {
		out := search.Failed(req.ID, search.NewFailure(search.FailureBusy, err,
			"all %d worker slots busy", d.cfg.MaxConcurrent))
		out.StartedAt = start
		out.Duration = d.clock.Now().Sub(start)
		d.logger.Warn("worker slot wait exceeded",
			zap.String("request_id", req.ID),
			zap.Duration("waited", out.Duration),
		)
		d.events.Emit(progress.Event{
			RequestID: req.ID,
			TS:        d.clock.Now(),
			Stage:     progress.StageInvokeFailed,
			Result:    out.Result(),
			Dur:       out.Duration,
			Note:      out.Failure.Detail,
		})
		return out
	}
	defer d.slots.Release(1)

	waited := d.clock.Now().Sub(start)
	d.events.Emit(progress.Event{RequestID: req.ID, TS: d.clock.Now(), Stage: progress.StageSlotAcquired, Dur: waited})
	return d.next.Invoke(ctx, req)
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.cfg.SlotWait <= 0 {
		if !d.slots.TryAcquire(1) {
			return ErrNoSlot
		}
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.SlotWait)
	defer cancel()
	if err := d.slots.Acquire(waitCtx, 1); err != nil {
		return errors.Join(ErrNoSlot, err)
	}
	return nil
}
