package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrPollerRunning is returned by Start on a poller that is already running.
var ErrPollerRunning = errors.New("poller already running")

// Refresher runs one refresh cycle.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// PollerStatus is a point-in-time view of the poller.
type PollerStatus struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval_ns"`
	Cycles    uint64        `json:"cycles"`
	Failures  uint64        `json:"failures"`
	LastRunAt time.Time     `json:"last_run_at"`
	LastError string        `json:"last_error,omitempty"`
}

// Poller refreshes once on Start and then on every tick until Stop.
// Failed cycles are logged; the next tick simply tries again.
type Poller struct {
	refresher Refresher
	interval  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	cycles    uint64
	failures  uint64
	lastRunAt time.Time
	lastErr   string
}

func NewPoller(r Refresher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{refresher: r, interval: interval, logger: logger}
}

// Start launches the loop. It stops when ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrPollerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		p.run(ctx)

		p.mu.Lock()
		if p.done == done {
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
		cancel()
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call when stopped,
// including after the parent context ended the loop on its own.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollerStatus{
		Running:   p.cancel != nil,
		Interval:  p.interval,
		Cycles:    p.cycles,
		Failures:  p.failures,
		LastRunAt: p.lastRunAt,
		LastError: p.lastErr,
	}
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	err := p.refresher.RefreshAll(ctx)

	p.mu.Lock()
	p.cycles++
	p.lastRunAt = time.Now().UTC()
	p.lastErr = ""
	if err != nil {
		p.failures++
		p.lastErr = err.Error()
	}
	p.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		p.logger.Warn("poller: refresh failed", "error", err)
	}
}
