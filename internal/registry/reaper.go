package registry

import (
	"context"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/pendingbuffer"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

// ReaperConfig configures the background sweep cadence and TTL
// (SPEC_FULL.md §4.3/§6, defaults reaper_interval_seconds=3,
// ceremony_ttl_ticks translated to wall-clock by the caller).
type ReaperConfig struct {
	Interval time.Duration
	TTL      time.Duration
}

// DefaultReaperConfig returns the spec's defaults: 3s sweep interval, 30s TTL.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval: 3 * time.Second,
		TTL:      30 * time.Second,
	}
}

// OnExpired is called once per TimedOut event the reaper produced, so the
// dispatcher's owner can hand it to EventFanout, update metrics, and write
// an audit-ledger row without the registry depending on any of those
// packages directly.
type OnExpired func(ev ceremony.Event)

// Reaper runs on its own goroutine at a fixed cadence, sweeping both the
// ceremony registry and the orphan pending-buffer map for entries older
// than TTL (SPEC_FULL.md §4.3).
type Reaper struct {
	registry *Registry
	buffers  *pendingbuffer.Buffers
	cfg      ReaperConfig
	onExpired OnExpired
	log      *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper constructs a reaper bound to registry and buffers. onExpired may
// be nil if the caller doesn't need a callback per expired ceremony.
func NewReaper(reg *Registry, buffers *pendingbuffer.Buffers, cfg ReaperConfig, onExpired OnExpired) *Reaper {
	return &Reaper{
		registry:  reg,
		buffers:   buffers,
		cfg:       cfg,
		onExpired: onExpired,
		log:       logging.GetDefault().Component("reaper"),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (r *Reaper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(runCtx)
	r.log.Info("reaper started", "interval", r.cfg.Interval, "ttl", r.cfg.TTL)
}

// Stop cancels the sweep goroutine and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.log.Info("reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Reaper) sweepOnce() {
	expired := r.registry.Sweep(r.cfg.TTL)
	for _, ev := range expired {
		r.buffers.Discard(ev.ID)
		if r.onExpired != nil {
			r.onExpired(ev)
		}
	}
	r.buffers.ReapExpired(r.cfg.TTL)
}
