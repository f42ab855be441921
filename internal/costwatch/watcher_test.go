package costwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/store"
)

type fakeSampleStore struct {
	mu      sync.Mutex
	samples []*store.CostSample
	saveErr error
}

func (f *fakeSampleStore) RecordCostSample(sample *store.CostSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeSampleStore) RecentCostSamples(cutoff time.Time) ([]*store.CostSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.CostSample
	for _, s := range f.samples {
		if s.ObservedAt.After(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeStopper struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeStopper) EmergencyStop(reason string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
}

func (f *fakeStopper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

type failingProvider struct{}

func (failingProvider) CurrentSpend(context.Context) (float64, error) {
	return 0, errors.New("throttled")
}
func (failingProvider) Name() string { return "failing" }

func newTestWatcher(provider Provider, threshold float64) (*Watcher, *fakeSampleStore, *fakeStopper) {
	samples := &fakeSampleStore{}
	stopper := &fakeStopper{}
	cfg := &Config{
		Enabled:           true,
		PollInterval:      time.Minute,
		Window:            time.Hour,
		DeltaThresholdUSD: threshold,
	}
	return NewWatcher(cfg, provider, samples, stopper), samples, stopper
}

func TestWatcher_PollRecordsSample(t *testing.T) {
	provider := NewStaticProvider(12.50)
	w, samples, stopper := newTestWatcher(provider, 25)

	w.Poll(context.Background())

	if len(samples.samples) != 1 {
		t.Fatalf("recorded %d samples, want 1", len(samples.samples))
	}
	if samples.samples[0].AmountUSD != 12.50 {
		t.Errorf("AmountUSD = %v, want 12.50", samples.samples[0].AmountUSD)
	}
	if samples.samples[0].Source != "static" {
		t.Errorf("Source = %q, want static", samples.samples[0].Source)
	}
	if stopper.count() != 0 {
		t.Errorf("EmergencyStop called %d times, want 0", stopper.count())
	}

	status := w.Status()
	if status.LastSpend != 12.50 {
		t.Errorf("LastSpend = %v, want 12.50", status.LastSpend)
	}
	if status.LastPolled.IsZero() {
		t.Error("LastPolled not set after Poll")
	}
}

func TestWatcher_TripsOncePerExcursion(t *testing.T) {
	provider := NewStaticProvider(10)
	w, _, stopper := newTestWatcher(provider, 25)

	var alerts []string
	w.OnAlert(func(alertType, message, severity string) {
		alerts = append(alerts, alertType)
		if severity != "critical" {
			t.Errorf("severity = %q, want critical", severity)
		}
	})

	w.Poll(context.Background())
	provider.SetSpend(50)
	w.Poll(context.Background())

	if stopper.count() != 1 {
		t.Fatalf("EmergencyStop called %d times, want 1", stopper.count())
	}
	if len(alerts) != 1 || alerts[0] != "cost_runaway" {
		t.Errorf("alerts = %v, want [cost_runaway]", alerts)
	}
	if !w.Status().Tripped {
		t.Error("Status().Tripped = false after trip")
	}

	// Delta keeps growing, but the latch holds.
	provider.SetSpend(90)
	w.Poll(context.Background())
	if stopper.count() != 1 {
		t.Errorf("EmergencyStop called %d times after latch, want 1", stopper.count())
	}
}

func TestWatcher_ResetTripRearms(t *testing.T) {
	provider := NewStaticProvider(10)
	w, _, stopper := newTestWatcher(provider, 25)

	w.Poll(context.Background())
	provider.SetSpend(50)
	w.Poll(context.Background())
	if stopper.count() != 1 {
		t.Fatalf("EmergencyStop called %d times, want 1", stopper.count())
	}

	w.ResetTrip()
	if w.Status().Tripped {
		t.Error("Status().Tripped = true after ResetTrip")
	}

	provider.SetSpend(100)
	w.Poll(context.Background())
	if stopper.count() != 2 {
		t.Errorf("EmergencyStop called %d times after re-arm, want 2", stopper.count())
	}
}

func TestWatcher_ResetTripNotifiesOnlyWhenTripped(t *testing.T) {
	provider := NewStaticProvider(10)
	w, _, _ := newTestWatcher(provider, 25)

	resets := 0
	w.OnReset(func() { resets++ })

	// Resetting an armed watchdog is a no-op.
	w.ResetTrip()
	if resets != 0 {
		t.Errorf("OnReset fired %d times without a trip, want 0", resets)
	}

	w.Poll(context.Background())
	provider.SetSpend(50)
	w.Poll(context.Background())
	if !w.Status().Tripped {
		t.Fatal("watchdog did not trip")
	}

	w.ResetTrip()
	if resets != 1 {
		t.Errorf("OnReset fired %d times after trip reset, want 1", resets)
	}
}

func TestWatcher_ProviderErrorSkipsSample(t *testing.T) {
	w, samples, stopper := newTestWatcher(failingProvider{}, 25)

	w.Poll(context.Background())

	if len(samples.samples) != 0 {
		t.Errorf("recorded %d samples on provider error, want 0", len(samples.samples))
	}
	if stopper.count() != 0 {
		t.Errorf("EmergencyStop called on provider error")
	}
}

func TestWatcher_DisabledStartIsNoOp(t *testing.T) {
	provider := NewStaticProvider(10)
	samples := &fakeSampleStore{}
	w := NewWatcher(&Config{Enabled: false}, provider, samples, &fakeStopper{})

	w.Start(context.Background())
	w.Stop() // must not block or panic when never started

	if len(samples.samples) != 0 {
		t.Errorf("disabled watcher recorded %d samples, want 0", len(samples.samples))
	}
}

func TestWatcher_StartPollsAndStops(t *testing.T) {
	provider := NewStaticProvider(10)
	samples := &fakeSampleStore{}
	cfg := &Config{
		Enabled:           true,
		PollInterval:      10 * time.Millisecond,
		Window:            time.Hour,
		DeltaThresholdUSD: 1000,
	}
	w := NewWatcher(cfg, provider, samples, &fakeStopper{})

	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		samples.mu.Lock()
		n := len(samples.samples)
		samples.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("watcher did not poll within deadline")
}

func TestWindowDelta(t *testing.T) {
	now := time.Now()
	sample := func(offset time.Duration, amount float64) *store.CostSample {
		return &store.CostSample{ObservedAt: now.Add(offset), AmountUSD: amount}
	}

	tests := []struct {
		name    string
		samples []*store.CostSample
		want    float64
	}{
		{"empty", nil, 0},
		{"single", []*store.CostSample{sample(0, 10)}, 0},
		{
			"steady growth",
			[]*store.CostSample{sample(-2*time.Minute, 10), sample(-time.Minute, 15), sample(0, 22)},
			12,
		},
		{
			"month rollover ignored",
			[]*store.CostSample{sample(-2*time.Minute, 480), sample(-time.Minute, 2), sample(0, 7)},
			5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := windowDelta(tt.samples); got != tt.want {
				t.Errorf("windowDelta() = %v, want %v", got, tt.want)
			}
		})
	}
}
