package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/logging"
)

// Channel is the interface for alert delivery channels.
type Channel interface {
	// Name returns the channel name.
	Name() string
	// MinSeverity is the lowest severity the channel accepts.
	MinSeverity() Severity
	// Send delivers an alert through this channel.
	Send(ctx context.Context, alert *Alert) error
}

// Dispatcher routes alerts to all registered channels whose severity floor
// they clear. Repeat alerts of the same type inside the cooldown window are
// suppressed.
type Dispatcher struct {
	config *Config

	mu       sync.RWMutex
	channels map[string]Channel
	lastSent map[string]time.Time // by alert type

	log *slog.Logger
}

// NewDispatcher creates an alert dispatcher.
func NewDispatcher(config *Config) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Dispatcher{
		config:   config,
		channels: make(map[string]Channel),
		lastSent: make(map[string]time.Time),
		log:      logging.WithComponent("alerts"),
	}
}

// Register adds a delivery channel.
func (d *Dispatcher) Register(channel Channel) {
	d.mu.Lock()
	d.channels[channel.Name()] = channel
	d.mu.Unlock()

	d.log.Info("Alert channel registered", slog.String("channel", channel.Name()))
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

// Dispatch fans an alert out to eligible channels. Delivery is parallel;
// per-channel failures are logged, not propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) {
	if !d.config.Enabled {
		return
	}

	d.mu.Lock()
	if last, ok := d.lastSent[alert.Type]; ok && time.Since(last) < d.config.Cooldown {
		d.mu.Unlock()
		d.log.Debug("Alert suppressed by cooldown", slog.String("type", alert.Type))
		return
	}
	d.lastSent[alert.Type] = time.Now()

	eligible := make([]Channel, 0, len(d.channels))
	for _, channel := range d.channels {
		if alert.Severity.AtLeast(channel.MinSeverity()) {
			eligible = append(eligible, channel)
		}
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, channel := range eligible {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := ch.Send(ctx, alert); err != nil {
				d.log.Error("Alert delivery failed",
					slog.String("channel", ch.Name()),
					slog.String("type", alert.Type),
					slog.Any("error", err),
				)
			}
		}(channel)
	}
	wg.Wait()
}

// Fire is a convenience wrapper building and dispatching an alert.
func (d *Dispatcher) Fire(ctx context.Context, alertType, message, source string, severity Severity) {
	d.Dispatch(ctx, NewAlert(alertType, message, source, severity))
}

// resolver is implemented by channels that can close out a standing alert,
// such as the tracker channel.
type resolver interface {
	Resolve(ctx context.Context, alertType, message string) error
}

// Resolve notifies channels that a standing alert condition has cleared. It
// also drops the cooldown entry so a recurrence alerts immediately.
func (d *Dispatcher) Resolve(ctx context.Context, alertType, message string) {
	if !d.config.Enabled {
		return
	}

	d.mu.Lock()
	delete(d.lastSent, alertType)
	var targets []resolver
	for _, channel := range d.channels {
		if r, ok := channel.(resolver); ok {
			targets = append(targets, r)
		}
	}
	d.mu.Unlock()

	for _, target := range targets {
		if err := target.Resolve(ctx, alertType, message); err != nil {
			d.log.Error("Alert resolution failed",
				slog.String("type", alertType),
				slog.Any("error", err),
			)
		}
	}
}
