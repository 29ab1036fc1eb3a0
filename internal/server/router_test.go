package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/presswise/signet/internal/devices"
	"github.com/presswise/signet/internal/events"
	"github.com/presswise/signet/internal/queue"
	"github.com/presswise/signet/internal/syncer"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type stubWriter struct {
	mu    sync.Mutex
	calls int
}

func (w *stubWriter) UpdateSubject(context.Context, string, map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return nil
}

func (w *stubWriter) Health(context.Context) bool { return true }

type stubProber struct{}

func (stubProber) Probe(context.Context) bool { return false }

type routerHarness struct {
	handler http.Handler
	store   *queue.Store
	monitor *syncer.Monitor
	bus     *events.Bus
	clock   *time.Time
}

func newRouterHarness(t *testing.T, online bool) *routerHarness {
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
	if err := db.AutoMigrate(&queue.SubmissionRecord{}, &devices.Device{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	store, err := queue.NewStore(db)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	bus := events.NewBus()
	monitor, err := syncer.NewMonitor(syncer.MonitorConfig{Prober: stubProber{}, Events: bus})
	if err != nil {
		t.Fatalf("unexpected monitor error: %v", err)
	}
	monitor.SetOnline(online)

	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Store:   store,
		Remote:  &stubWriter{},
		Monitor: monitor,
		Events:  bus,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	deviceService, err := devices.NewService(devices.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected devices error: %v", err)
	}

	current := time.Unix(1700000000, 0).UTC()
	queueService, err := queue.NewService(queue.ServiceConfig{
		Store:        store,
		Clock:        func() time.Time { return current },
		IDProvider:   queue.NewUUIDProvider(),
		Events:       bus,
		Devices:      deviceService,
		Connectivity: monitor,
		SweepState:   engine,
	})
	if err != nil {
		t.Fatalf("unexpected queue service error: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Queue:   queueService,
		Engine:  engine,
		Events:  bus,
		Devices: deviceService,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	return &routerHarness{handler: handler, store: store, monitor: monitor, bus: bus, clock: &current}
}

func (h *routerHarness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	decoded := make(map[string]any)
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestHealthEndpoint(t *testing.T) {
	harness := newRouterHarness(t, false)
	recorder := harness.do(t, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestSaveSubmissionPersistsPendingRecord(t *testing.T) {
	harness := newRouterHarness(t, false)

	recorder := harness.do(t, http.MethodPost, "/submissions", `{
		"subject_id": "inv-42",
		"payload": {"receiverName": "Jane Doe"},
		"device_platform": "android-tablet"
	}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	if body["sync_status"] != "pending" {
		t.Fatalf("expected pending status, got %v", body["sync_status"])
	}
	recordID, _ := body["record_id"].(string)
	if recordID == "" {
		t.Fatalf("expected a record id in response")
	}

	id, err := queue.NewRecordID(recordID)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	record, err := harness.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("record was not persisted: %v", err)
	}
	if record.SubjectID != "inv-42" {
		t.Fatalf("unexpected subject %s", record.SubjectID)
	}
	if record.SyncStatus != queue.SyncStatusPending {
		t.Fatalf("unexpected status %s", record.SyncStatus)
	}
}

func TestSaveSubmissionStoresCoordinates(t *testing.T) {
	harness := newRouterHarness(t, false)

	recorder := harness.do(t, http.MethodPost, "/submissions", `{
		"subject_id": "inv-42",
		"payload": {"receiverName": "Jane Doe"},
		"latitude": 59.33,
		"longitude": 18.06,
		"accuracy_m": 8.5
	}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	recordID, _ := body["record_id"].(string)
	id, err := queue.NewRecordID(recordID)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	record, err := harness.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("record was not persisted: %v", err)
	}
	if record.Latitude == nil || *record.Latitude != 59.33 {
		t.Fatalf("expected latitude stored, got %#v", record.Latitude)
	}
	if record.Longitude == nil || *record.Longitude != 18.06 {
		t.Fatalf("expected longitude stored, got %#v", record.Longitude)
	}
	if record.AccuracyMeters == nil || *record.AccuracyMeters != 8.5 {
		t.Fatalf("expected accuracy stored, got %#v", record.AccuracyMeters)
	}
}

func TestSaveSubmissionRejectsInvalidInput(t *testing.T) {
	harness := newRouterHarness(t, false)

	cases := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"subject_id": `},
		{name: "missing subject", body: `{"payload": {"a": 1}}`},
		{name: "blank subject", body: `{"subject_id": "   ", "payload": {"a": 1}}`},
		{name: "missing payload", body: `{"subject_id": "inv-42"}`},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := harness.do(t, http.MethodPost, "/submissions", testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
		})
	}
}

func TestListSubmissionsReturnsNewestFirst(t *testing.T) {
	harness := newRouterHarness(t, false)

	first := harness.do(t, http.MethodPost, "/submissions", `{"subject_id": "inv-1", "payload": {"n": 1}}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	*harness.clock = harness.clock.Add(time.Minute)
	second := harness.do(t, http.MethodPost, "/submissions", `{"subject_id": "inv-2", "payload": {"n": 2}}`)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", second.Code)
	}

	recorder := harness.do(t, http.MethodGet, "/submissions", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	records, _ := body["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	newest, _ := records[0].(map[string]any)
	if newest["subject_id"] != "inv-2" {
		t.Fatalf("expected newest record first, got %v", newest["subject_id"])
	}
}

func TestSyncStatusReportsCountsAndConnectivity(t *testing.T) {
	harness := newRouterHarness(t, true)

	saved := harness.do(t, http.MethodPost, "/submissions", `{"subject_id": "inv-1", "payload": {"n": 1}}`)
	if saved.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", saved.Code)
	}

	recorder := harness.do(t, http.MethodGet, "/sync/status", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["online"] != true {
		t.Fatalf("expected online true, got %v", body["online"])
	}
	if body["pending_count"] != float64(1) {
		t.Fatalf("expected 1 pending record, got %v", body["pending_count"])
	}
	if body["sync_in_progress"] != false {
		t.Fatalf("expected no sweep in progress, got %v", body["sync_in_progress"])
	}
}

func TestForceSyncConflictsWhileOffline(t *testing.T) {
	harness := newRouterHarness(t, false)

	recorder := harness.do(t, http.MethodPost, "/sync/force", "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["error"] != "offline" {
		t.Fatalf("expected offline error, got %v", body["error"])
	}
}

func TestForceSyncAcceptedWhileOnline(t *testing.T) {
	harness := newRouterHarness(t, true)

	recorder := harness.do(t, http.MethodPost, "/sync/force", "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
}

func TestForceSyncRetriesExhaustedRecord(t *testing.T) {
	harness := newRouterHarness(t, true)

	exhausted := queue.SubmissionRecord{
		RecordID:         "rec-exhausted",
		SubjectID:        "inv-exhausted",
		PayloadJSON:      "{}",
		CreatedAtSeconds: harness.clock.Unix(),
		SyncStatus:       queue.SyncStatusFailed,
		SyncAttempts:     3,
	}
	if err := harness.store.Put(context.Background(), exhausted); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	recorder := harness.do(t, http.MethodPost, "/sync/force", "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, err := harness.store.Get(context.Background(), "rec-exhausted")
		if err != nil {
			t.Fatalf("unexpected get error: %v", err)
		}
		if record.SyncStatus == queue.SyncStatusSynced {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("forced sync never reached the exhausted record")
}

func TestCleanupEndpoint(t *testing.T) {
	harness := newRouterHarness(t, false)

	missing := harness.do(t, http.MethodPost, "/maintenance/cleanup", `{}`)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing days_to_keep, got %d", missing.Code)
	}
	negative := harness.do(t, http.MethodPost, "/maintenance/cleanup", `{"days_to_keep": -1}`)
	if negative.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative days_to_keep, got %d", negative.Code)
	}

	// Seed an old synced record and a fresh pending one.
	oldSynced := queue.SubmissionRecord{
		RecordID:         "rec-old",
		SubjectID:        "inv-old",
		PayloadJSON:      "{}",
		CreatedAtSeconds: harness.clock.AddDate(0, 0, -60).Unix(),
		SyncStatus:       queue.SyncStatusSynced,
	}
	if err := harness.store.Put(context.Background(), oldSynced); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	saved := harness.do(t, http.MethodPost, "/submissions", `{"subject_id": "inv-new", "payload": {"n": 1}}`)
	if saved.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", saved.Code)
	}

	recorder := harness.do(t, http.MethodPost, "/maintenance/cleanup", `{"days_to_keep": 30}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["deleted"] != float64(1) {
		t.Fatalf("expected 1 deleted record, got %v", body["deleted"])
	}

	remaining := harness.do(t, http.MethodGet, "/submissions", "")
	remainingBody := decodeBody(t, remaining)
	records, _ := remainingBody["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("expected pending record to survive cleanup, got %d records", len(records))
	}
}

func TestListDevicesReflectsSaves(t *testing.T) {
	harness := newRouterHarness(t, false)

	saved := harness.do(t, http.MethodPost, "/submissions", `{
		"subject_id": "inv-1",
		"payload": {"n": 1},
		"device_platform": "android-tablet"
	}`)
	if saved.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", saved.Code)
	}

	recorder := harness.do(t, http.MethodGet, "/devices", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	all, _ := body["devices"].([]any)
	if len(all) != 1 {
		t.Fatalf("expected 1 device, got %d", len(all))
	}
	device, _ := all[0].(map[string]any)
	if device["platform"] != "android-tablet" {
		t.Fatalf("unexpected platform %v", device["platform"])
	}
	if device["save_count"] != float64(1) {
		t.Fatalf("unexpected save count %v", device["save_count"])
	}
}
