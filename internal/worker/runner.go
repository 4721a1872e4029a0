// Package worker drives the asynchronous import pipeline: it polls the
// queue, runs decode through tagging per item, and persists the outcome.
// Failures are isolated per item; one bad upload never aborts a pass.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geostash/geostash/internal/events"
	"github.com/geostash/geostash/internal/kmz"
	"github.com/geostash/geostash/internal/pipeline"
	"github.com/geostash/geostash/internal/queue"
)

type Runner struct {
	log      *slog.Logger
	store    *queue.Store
	conv     *pipeline.Converter
	events   events.Publisher
	ms       *metricSet
	interval time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

type Options struct {
	Logger       *slog.Logger
	Register     prometheus.Registerer
	Events       events.Publisher
	PollInterval time.Duration
}

func New(store *queue.Store, conv *pipeline.Converter, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Runner{
		log:      opts.Logger,
		store:    store,
		conv:     conv,
		events:   opts.Events,
		ms:       newMetricSet(opts.Register),
		interval: opts.PollInterval,
	}
}

// Start launches the background polling loop. Items are processed strictly
// sequentially within this runner; running several runners is safe because
// claiming is atomic in the store.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		for {
			n := r.runPass(ctx)
			if ctx.Err() != nil {
				return
			}
			if n == 0 {
				select {
				case <-time.After(r.interval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	r.log.Info("import worker started", "poll_interval", r.interval.String())
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("import worker stopped")
}

// Readiness reports whether the polling loop is alive.
func (r *Runner) Readiness() bool {
	return r.running.Load()
}

// runPass processes the items that were pending when the pass began and
// returns how many it handled. The budget keeps a requeued item from being
// claimed again inside the same pass; it waits for the next one.
func (r *Runner) runPass(ctx context.Context) int {
	budget, err := r.store.PendingDepth(ctx)
	if err != nil {
		r.log.Error("read queue depth", "err", err)
		return 0
	}

	n := 0
	for i := int64(0); i < budget && ctx.Err() == nil; i++ {
		item, raw, err := r.store.ClaimNext(ctx)
		if err != nil {
			r.log.Error("claim next item", "err", err)
			return n
		}
		if item == nil {
			break
		}
		r.processOne(ctx, *item, raw)
		n++
	}
	if depth, err := r.store.PendingDepth(ctx); err == nil {
		r.ms.depth.Set(float64(depth))
	}
	return n
}

func (r *Runner) processOne(ctx context.Context, item queue.Item, raw []byte) {
	start := time.Now()
	log := r.log.With("item_id", item.ID, "user_id", item.UserID, "file", item.OriginalFilename)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic during import processing", "panic", rec)
			r.requeue(ctx, item, fmt.Sprintf("panic: %v", rec), log)
			r.ms.duration.Observe(time.Since(start).Seconds())
		}
	}()

	res, err := r.conv.Convert(raw, item.OriginalFilename)
	switch {
	case err == nil:
		if werr := r.store.WriteResult(ctx, item.ID, res.Collection, res.Identity, res.Diagnostics); werr != nil {
			// store trouble is transient: keep the item for the next pass
			log.Error("persist import result", "err", werr)
			r.requeue(ctx, item, werr.Error(), log)
			break
		}
		r.ms.processed.WithLabelValues("completed").Inc()
		log.Info("import completed",
			"features", len(res.Collection.Features),
			"dropped", res.DroppedIn,
			"collection_hash", res.Identity)
		r.events.Publish(ctx, events.Event{ItemID: item.ID, UserID: item.UserID, Status: string(queue.StatusCompleted)})

	case pipeline.IsPermanent(err):
		if kmz.IsSecurityError(err) {
			log.Error("upload rejected by archive sanitizer", "err", err)
		} else {
			log.Warn("upload unparsable", "err", err)
		}
		if werr := r.store.WriteUnparsable(ctx, item.ID, err.Error()); werr != nil {
			log.Error("persist unparsable marker", "err", werr)
			r.requeue(ctx, item, werr.Error(), log)
			break
		}
		r.ms.processed.WithLabelValues("unparsable").Inc()
		r.events.Publish(ctx, events.Event{ItemID: item.ID, UserID: item.UserID, Status: string(queue.StatusUnparsable)})

	default:
		log.Error("transient import failure", "err", err, "attempt", item.Attempts)
		r.requeue(ctx, item, err.Error(), log)
	}

	r.ms.duration.Observe(time.Since(start).Seconds())
}

func (r *Runner) requeue(ctx context.Context, item queue.Item, cause string, log *slog.Logger) {
	terminal, err := r.store.Requeue(ctx, item, cause)
	if err != nil {
		log.Error("requeue item", "err", err)
		return
	}
	if terminal {
		r.ms.processed.WithLabelValues("failed").Inc()
		log.Error("item failed permanently", "attempts", item.Attempts, "cause", cause)
		r.events.Publish(ctx, events.Event{ItemID: item.ID, UserID: item.UserID, Status: string(queue.StatusFailed)})
	}
}
