package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presswise/signet/internal/events"
	"github.com/presswise/signet/internal/queue"
	"github.com/presswise/signet/internal/remote"
	"go.uber.org/zap"
)

// ErrOffline is returned by ForceSyncAll when the connectivity monitor
// reports the remote endpoint unreachable. Automatic sync paths never raise
// it; they skip silently while offline.
var ErrOffline = errors.New("syncer: remote endpoint offline")

const (
	defaultMaxRetryAttempts = 3
	defaultSweepInterval    = 30 * time.Second
	defaultAttemptDelay     = 250 * time.Millisecond
	defaultAttemptTimeout   = 15 * time.Second
)

var (
	errMissingStore   = errors.New("syncer: store is required")
	errMissingRemote  = errors.New("syncer: remote writer is required")
	errMissingMonitor = errors.New("syncer: connectivity monitor is required")
)

// EngineConfig describes the dependencies and tuning of the sync engine.
type EngineConfig struct {
	Store            *queue.Store
	Remote           remote.Writer
	Monitor          *Monitor
	Events           *events.Bus
	Clock            func() time.Time
	Logger           *zap.Logger
	MaxRetryAttempts int
	SweepInterval    time.Duration
	AttemptDelay     time.Duration
	AttemptTimeout   time.Duration
}

// Engine reconciles local submission records with the remote endpoint. One
// sweep runs at a time (single-flight); within a sweep, records are attempted
// strictly sequentially with a small delay between attempts so the remote
// endpoint is never burst.
type Engine struct {
	store            *queue.Store
	remote           remote.Writer
	monitor          *Monitor
	events           *events.Bus
	clock            func() time.Time
	logger           *zap.Logger
	maxRetryAttempts int
	sweepInterval    time.Duration
	attemptDelay     time.Duration
	attemptTimeout   time.Duration

	sweeping atomic.Bool

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	loopGroup sync.WaitGroup
}

// NewEngine validates the configuration, constructs the engine, and registers
// the offline-to-online sweep trigger on the monitor.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxRetryAttempts := cfg.MaxRetryAttempts
	if maxRetryAttempts <= 0 {
		maxRetryAttempts = defaultMaxRetryAttempts
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	attemptDelay := cfg.AttemptDelay
	if attemptDelay <= 0 {
		attemptDelay = defaultAttemptDelay
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}

	engine := &Engine{
		store:            cfg.Store,
		remote:           cfg.Remote,
		monitor:          cfg.Monitor,
		events:           cfg.Events,
		clock:            clock,
		logger:           logger,
		maxRetryAttempts: maxRetryAttempts,
		sweepInterval:    sweepInterval,
		attemptDelay:     attemptDelay,
		attemptTimeout:   attemptTimeout,
	}

	cfg.Monitor.OnOnline(func() {
		engine.SyncAll(context.Background())
	})

	return engine, nil
}

// InProgress reports whether a sweep is currently running.
func (e *Engine) InProgress() bool {
	return e.sweeping.Load()
}

// Online reports the monitor's current connectivity reading.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// MaxRetryAttempts exposes the attempt cap for status reporting.
func (e *Engine) MaxRetryAttempts() int {
	return e.maxRetryAttempts
}

// SyncOne attempts the remote write for a single record. A record already
// synced is a no-op. Remote failures are contained: they move the record to
// failed and return nil. Only store failures propagate.
func (e *Engine) SyncOne(ctx context.Context, id queue.RecordID) error {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.attempt(ctx, record)
}

// SyncAll runs one sweep over all eligible records. The sweep is guarded by a
// single-flight flag: a concurrent trigger while a sweep is active is dropped,
// not queued. Offline, the sweep is skipped silently.
func (e *Engine) SyncAll(ctx context.Context) {
	e.runSweep(ctx, e.maxRetryAttempts)
}

// ForceSyncAll runs a user-triggered sweep. It fails fast with ErrOffline
// when the monitor reports offline and otherwise resets the single-flight
// guard so an explicit retry always gets a pass over the queue. Unlike the
// automatic sweeps, the forced sweep ignores the attempt cap: records that
// exhausted their retries stay reachable by hand.
func (e *Engine) ForceSyncAll(ctx context.Context) error {
	if !e.monitor.Online() {
		return ErrOffline
	}
	e.sweeping.Store(false)
	e.runSweep(ctx, math.MaxInt)
	return nil
}

func (e *Engine) runSweep(ctx context.Context, maxAttempts int) {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.logger.Debug("sync sweep already in progress, trigger dropped")
		return
	}
	defer e.sweeping.Store(false)

	if !e.monitor.Online() {
		e.logger.Debug("sync sweep skipped while offline")
		return
	}

	e.sweep(ctx, maxAttempts)
}

// StartPeriodicSync launches the fixed-interval sweep loop, the backstop that
// guarantees eventual consistency even without online-transition events.
func (e *Engine) StartPeriodicSync(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.loopGroup.Add(1)
	go e.sweepLoop(ctx, e.stopCh)
}

// StopPeriodicSync halts the interval loop. It does not abort a sweep that
// has already been dispatched.
func (e *Engine) StopPeriodicSync() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.loopGroup.Wait()
}

func (e *Engine) sweepLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer e.loopGroup.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.monitor.Online() && !e.InProgress() {
				e.SyncAll(ctx)
			}
		}
	}
}

func (e *Engine) sweep(ctx context.Context, maxAttempts int) {
	eligible, err := e.store.ListEligible(ctx, maxAttempts)
	if err != nil {
		e.logger.Error("sync sweep could not list eligible records", zap.Error(err))
		return
	}

	e.publish(events.Event{Type: events.TypeSyncStarted, Remaining: len(eligible), Timestamp: e.clock().UTC()})
	e.logger.Debug("sync sweep started", zap.Int("eligible", len(eligible)))

	for index, record := range eligible {
		if ctx.Err() != nil {
			break
		}
		if err := e.attempt(ctx, record); err != nil {
			e.logger.Error("sync attempt aborted by store failure",
				zap.String("record_id", record.RecordID),
				zap.Error(err))
			break
		}
		if index < len(eligible)-1 {
			select {
			case <-time.After(e.attemptDelay):
			case <-ctx.Done():
			}
		}
	}

	remaining, err := e.store.ListEligible(ctx, maxAttempts)
	if err != nil {
		e.logger.Error("sync sweep could not recount eligible records", zap.Error(err))
		return
	}

	completedType := events.TypeSyncCompleted
	if len(remaining) > 0 {
		completedType = events.TypeSyncPartial
	}
	e.publish(events.Event{Type: completedType, Remaining: len(remaining), Timestamp: e.clock().UTC()})
	e.logger.Info("sync sweep finished",
		zap.Int("attempted", len(eligible)),
		zap.Int("remaining", len(remaining)))
}

// attempt performs one remote write for a record, persisting the syncing
// state first so a crash mid-attempt is observable on restart and retried.
func (e *Engine) attempt(ctx context.Context, record queue.SubmissionRecord) error {
	if record.SyncStatus == queue.SyncStatusSynced {
		return nil
	}

	inFlight, err := queue.ResolveTransition(record, queue.SyncStatusSyncing, e.clock().UTC())
	if err != nil {
		e.logger.Warn("record skipped by transition rules",
			zap.String("record_id", record.RecordID),
			zap.String("status", record.SyncStatus.String()),
			zap.Error(err))
		return nil
	}
	if err := e.store.Put(ctx, inFlight); err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	writeErr := e.remote.UpdateSubject(attemptCtx, inFlight.SubjectID, subjectFields(inFlight))
	cancel()

	if writeErr != nil {
		failed, err := queue.ResolveTransition(inFlight, queue.SyncStatusFailed, e.clock().UTC())
		if err != nil {
			return err
		}
		if err := e.store.Put(ctx, failed); err != nil {
			return err
		}
		e.publish(events.Event{
			Type:      events.TypeSyncFailed,
			RecordID:  failed.RecordID,
			SubjectID: failed.SubjectID,
			Timestamp: e.clock().UTC(),
		})
		e.logger.Warn("remote write failed",
			zap.String("record_id", failed.RecordID),
			zap.String("subject_id", failed.SubjectID),
			zap.Int("attempts", failed.SyncAttempts),
			zap.Error(writeErr))
		return nil
	}

	synced, err := queue.ResolveTransition(inFlight, queue.SyncStatusSynced, e.clock().UTC())
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, synced); err != nil {
		return err
	}
	e.publish(events.Event{
		Type:      events.TypeRecordSynced,
		RecordID:  synced.RecordID,
		SubjectID: synced.SubjectID,
		Timestamp: e.clock().UTC(),
	})
	e.logger.Info("record synced",
		zap.String("record_id", synced.RecordID),
		zap.String("subject_id", synced.SubjectID))
	return nil
}

// subjectFields flattens a record into the idempotent remote field map. The
// payload's own fields come first; the queue's capture metadata is layered on
// top under signature_-prefixed keys so repeated application is last-write-wins.
func subjectFields(record queue.SubmissionRecord) map[string]any {
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(record.PayloadJSON), &fields); err != nil {
		fields = map[string]any{"payload_json": record.PayloadJSON}
	}
	fields["signature_record_id"] = record.RecordID
	fields["signature_captured_at_s"] = record.CreatedAtSeconds
	if record.DevicePlatform != "" {
		fields["signature_platform"] = record.DevicePlatform
	}
	if record.Latitude != nil && record.Longitude != nil {
		fields["signature_latitude"] = *record.Latitude
		fields["signature_longitude"] = *record.Longitude
	}
	if record.AccuracyMeters != nil {
		fields["signature_accuracy_m"] = *record.AccuracyMeters
	}
	return fields
}

func (e *Engine) publish(event events.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(event)
}
