package costwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/logging"
	"github.com/foremanhq/foreman/internal/store"
)

// Stopper is the emergency-stop hook, implemented by the orchestrator.
// It must only ever stop processes it owns.
type Stopper interface {
	EmergencyStop(reason string)
}

// SampleStore persists and retrieves cost samples.
type SampleStore interface {
	RecordCostSample(sample *store.CostSample) error
	RecentCostSamples(cutoff time.Time) ([]*store.CostSample, error)
}

// AlertCallback is called on threshold events.
type AlertCallback func(alertType string, message string, severity string)

// Config holds cost watchdog settings.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// PollInterval is how often spend is sampled.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Window is the rolling window over which the spend delta is computed.
	Window time.Duration `yaml:"window"`
	// DeltaThresholdUSD trips the emergency stop when the windowed spend
	// delta exceeds it.
	DeltaThresholdUSD float64 `yaml:"delta_threshold_usd"`
}

// DefaultConfig returns default watchdog settings.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           false,
		PollInterval:      5 * time.Minute,
		Window:            1 * time.Hour,
		DeltaThresholdUSD: 25.00,
	}
}

// Status is a snapshot of watchdog state for dashboards.
type Status struct {
	Enabled     bool      `json:"enabled"`
	LastSpend   float64   `json:"last_spend"`
	WindowDelta float64   `json:"window_delta"`
	Threshold   float64   `json:"threshold"`
	Tripped     bool      `json:"tripped"`
	LastPolled  time.Time `json:"last_polled"`
}

// Watcher polls a cost provider, persists samples, and trips the emergency
// stop when spend accelerates past the threshold.
type Watcher struct {
	cfg      *Config
	provider Provider
	samples  SampleStore
	stopper  Stopper
	onAlert  AlertCallback
	onReset  func()

	mu          sync.Mutex
	running     bool
	tripped     bool
	lastSpend   float64
	windowDelta float64
	lastPolled  time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}

	log *slog.Logger
}

// NewWatcher creates a cost watchdog.
func NewWatcher(cfg *Config, provider Provider, samples SampleStore, stopper Stopper) *Watcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Watcher{
		cfg:      cfg,
		provider: provider,
		samples:  samples,
		stopper:  stopper,
		log:      logging.WithComponent("costwatch"),
	}
}

// OnAlert sets the alert callback.
func (w *Watcher) OnAlert(cb AlertCallback) {
	w.onAlert = cb
}

// Start begins the polling loop.
func (w *Watcher) Start(ctx context.Context) {
	if !w.cfg.Enabled {
		w.log.Info("Cost watchdog disabled")
		return
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("Cost watchdog started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("window", w.cfg.Window),
		slog.Float64("threshold_usd", w.cfg.DeltaThresholdUSD),
	)

	go w.run(ctx)
}

// Stop stops the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll samples spend once and evaluates the windowed delta. Exported so the
// cron scheduler can drive it as well.
func (w *Watcher) Poll(ctx context.Context) {
	spend, err := w.provider.CurrentSpend(ctx)
	if err != nil {
		w.log.Error("Failed to poll spend", slog.Any("error", err))
		return
	}

	now := time.Now()
	sample := &store.CostSample{
		ObservedAt: now,
		AmountUSD:  spend,
		Source:     w.provider.Name(),
	}
	if err := w.samples.RecordCostSample(sample); err != nil {
		w.log.Error("Failed to record cost sample", slog.Any("error", err))
	}

	recent, err := w.samples.RecentCostSamples(now.Add(-w.cfg.Window))
	if err != nil {
		w.log.Error("Failed to load cost samples", slog.Any("error", err))
		return
	}

	delta := windowDelta(recent)

	w.mu.Lock()
	w.lastSpend = spend
	w.windowDelta = delta
	w.lastPolled = now
	alreadyTripped := w.tripped
	w.mu.Unlock()

	w.log.Debug("Spend sampled",
		slog.Float64("spend", spend),
		slog.Float64("window_delta", delta),
	)

	if delta > w.cfg.DeltaThresholdUSD && !alreadyTripped {
		w.trip(delta)
	}
}

// trip fires the alert and the emergency stop exactly once per excursion.
func (w *Watcher) trip(delta float64) {
	w.mu.Lock()
	w.tripped = true
	w.mu.Unlock()

	reason := fmt.Sprintf("spend delta $%.2f over %s exceeds threshold $%.2f",
		delta, w.cfg.Window, w.cfg.DeltaThresholdUSD)

	w.log.Error("Cost threshold exceeded", slog.String("reason", reason))

	if w.onAlert != nil {
		w.onAlert("cost_runaway", reason, "critical")
	}
	if w.stopper != nil {
		w.stopper.EmergencyStop(reason)
	}
}

// OnReset sets a callback invoked when a tripped latch is cleared, so
// escalations raised by the trip can be resolved.
func (w *Watcher) OnReset(cb func()) {
	w.onReset = cb
}

// ResetTrip clears the tripped latch after an operator intervenes.
func (w *Watcher) ResetTrip() {
	w.mu.Lock()
	wasTripped := w.tripped
	w.tripped = false
	w.mu.Unlock()

	w.log.Info("Cost watchdog trip reset")

	if wasTripped && w.onReset != nil {
		w.onReset()
	}
}

// Status returns a snapshot of watchdog state.
func (w *Watcher) Status() *Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &Status{
		Enabled:     w.cfg.Enabled,
		LastSpend:   w.lastSpend,
		WindowDelta: w.windowDelta,
		Threshold:   w.cfg.DeltaThresholdUSD,
		Tripped:     w.tripped,
		LastPolled:  w.lastPolled,
	}
}

// windowDelta computes spend growth across the sample window. Month
// rollovers reset month-to-date spend; negative steps are ignored rather
// than counted as savings.
func windowDelta(samples []*store.CostSample) float64 {
	if len(samples) < 2 {
		return 0
	}

	var delta float64
	for i := 1; i < len(samples); i++ {
		step := samples[i].AmountUSD - samples[i-1].AmountUSD
		if step > 0 {
			delta += step
		}
	}
	return delta
}
