package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presswise/signet/internal/events"
	"go.uber.org/zap"
)

const defaultProbeInterval = 15 * time.Second

var errMissingProber = errors.New("syncer: prober is required")

// Prober answers whether the remote endpoint currently looks reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// MonitorConfig describes the dependencies of the connectivity monitor.
type MonitorConfig struct {
	Prober        Prober
	ProbeInterval time.Duration
	Events        *events.Bus
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Monitor maintains the single authoritative "remote reachable" boolean. The
// signal is best-effort: a false online reading is tolerated because the sync
// engine treats any transport failure as an ordinary retryable failure.
type Monitor struct {
	prober        Prober
	probeInterval time.Duration
	events        *events.Bus
	logger        *zap.Logger
	clock         func() time.Time

	online atomic.Bool

	mu        sync.Mutex
	onOnline  []func()
	running   bool
	stopCh    chan struct{}
	loopGroup sync.WaitGroup
}

// NewMonitor validates the configuration and constructs a Monitor. The
// initial state is offline until the first probe or explicit SetOnline.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, errMissingProber
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		prober:        cfg.Prober,
		probeInterval: interval,
		events:        cfg.Events,
		logger:        logger,
		clock:         clock,
	}, nil
}

// Online reports the current connectivity state synchronously.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnOnline registers a callback invoked on each offline-to-online transition.
// Callbacks run on their own goroutine so a long sweep cannot stall probing.
func (m *Monitor) OnOnline(callback func()) {
	if callback == nil {
		return
	}
	m.mu.Lock()
	m.onOnline = append(m.onOnline, callback)
	m.mu.Unlock()
}

// SetOnline applies a connectivity reading. Transitions publish online or
// offline events; going online fires the registered callbacks. Going offline
// never aborts an already dispatched sync attempt, it only prevents new
// sweeps from starting.
func (m *Monitor) SetOnline(online bool) {
	previous := m.online.Swap(online)
	if previous == online {
		return
	}

	eventType := events.TypeOffline
	if online {
		eventType = events.TypeOnline
	}
	m.logger.Info("connectivity transition", zap.Bool("online", online))
	if m.events != nil {
		m.events.Publish(events.Event{Type: eventType, Timestamp: m.clock().UTC()})
	}

	if !online {
		return
	}
	m.mu.Lock()
	callbacks := make([]func(), len(m.onOnline))
	copy(callbacks, m.onOnline)
	m.mu.Unlock()
	for _, callback := range callbacks {
		go callback()
	}
}

// Start launches the periodic probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.loopGroup.Add(1)
	go m.probeLoop(ctx, m.stopCh)
}

// Stop halts the probe loop. It does not change the current state.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.loopGroup.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.loopGroup.Done()

	m.SetOnline(m.prober.Probe(ctx))

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.prober.Probe(ctx))
		}
	}
}
