package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	githubsqlite "github.com/glebarez/sqlite"
	"github.com/presswise/signet/internal/events"
	"github.com/presswise/signet/internal/queue"
	"github.com/presswise/signet/internal/remote"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signet-test.db")
	db, err := gorm.Open(githubsqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&queue.SubmissionRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	store, err := queue.NewStore(db)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

type staticProber struct {
	online bool
}

func (p staticProber) Probe(context.Context) bool { return p.online }

type fakeWriter struct {
	mu           sync.Mutex
	calls        []string
	failuresLeft int
	failAlways   bool
	gate         chan struct{}
}

func (w *fakeWriter) UpdateSubject(_ context.Context, subjectID string, _ map[string]any) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, subjectID)
	if w.failAlways {
		return remote.ErrRemoteWrite
	}
	if w.failuresLeft > 0 {
		w.failuresLeft--
		return remote.ErrRemoteWrite
	}
	return nil
}

func (w *fakeWriter) Health(context.Context) bool { return true }

func (w *fakeWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func (w *fakeWriter) callOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	order := make([]string, len(w.calls))
	copy(order, w.calls)
	return order
}

type eventCollector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *eventCollector) collect(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) types() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	collected := make([]events.Type, 0, len(c.events))
	for _, event := range c.events {
		collected = append(collected, event.Type)
	}
	return collected
}

type engineHarness struct {
	store   *queue.Store
	monitor *Monitor
	engine  *Engine
	writer  *fakeWriter
	bus     *events.Bus
}

// newEngineHarness builds an engine over a fresh store. The connectivity
// state is applied before the engine exists so construction never fires the
// online-transition sweep.
func newEngineHarness(t *testing.T, writer *fakeWriter, online bool) *engineHarness {
	t.Helper()
	store := openTestStore(t)
	bus := events.NewBus()

	monitor, err := NewMonitor(MonitorConfig{Prober: staticProber{}, Events: bus})
	if err != nil {
		t.Fatalf("unexpected monitor error: %v", err)
	}
	monitor.SetOnline(online)

	engine, err := NewEngine(EngineConfig{
		Store:            store,
		Remote:           writer,
		Monitor:          monitor,
		Events:           bus,
		MaxRetryAttempts: 3,
		AttemptDelay:     time.Millisecond,
		AttemptTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	return &engineHarness{store: store, monitor: monitor, engine: engine, writer: writer, bus: bus}
}

func (h *engineHarness) seed(t *testing.T, id string, status queue.SyncStatus, attempts int, createdAt int64) {
	t.Helper()
	record := queue.SubmissionRecord{
		RecordID:         id,
		SubjectID:        "inv-" + id,
		PayloadJSON:      `{"receiverName":"Jane Doe","signatureDataURL":"data:image/png;base64,AAAA"}`,
		CreatedAtSeconds: createdAt,
		SyncStatus:       status,
		SyncAttempts:     attempts,
	}
	if err := h.store.Put(context.Background(), record); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
}

func (h *engineHarness) record(t *testing.T, id string) queue.SubmissionRecord {
	t.Helper()
	recordID, err := queue.NewRecordID(id)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	record, err := h.store.Get(context.Background(), recordID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	return record
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
