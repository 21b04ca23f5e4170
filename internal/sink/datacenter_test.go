package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vesaa/opensqm/internal/models"
)

// fakeDatacenter records what the sink posts; it answers 503 to the first
// failRecords record uploads.
type fakeDatacenter struct {
	mu          sync.Mutex
	paths       []string
	batchIDs    []string
	failRecords int
	auth        string
}

func (f *fakeDatacenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.URL.Path)
	f.auth = r.Header.Get("Authorization")
	if r.URL.Path == "/api/records" {
		var batch models.RecordBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.batchIDs = append(f.batchIDs, batch.BatchID)
		if f.failRecords > 0 {
			f.failRecords--
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func TestDatacenterRetainsAndResends(t *testing.T) {
	fake := &fakeDatacenter{failRecords: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.DatacenterURL = srv.URL + "/"
	d := NewDatacenter(cfg, models.RegisterPayload{DeviceID: cfg.DeviceID}, srv.Client(), quietLogger())
	ctx := context.Background()
	night := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

	if err := d.Send(ctx, Batch{Signal: SignalNewFile, Night: night}); err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	recs := []models.Record{record(time.Date(2024, 9, 1, 23, 0, 0, 0, utc2), 20.1)}
	if err := d.Send(ctx, Batch{Signal: Records, Records: recs}); err == nil {
		t.Fatal("expected the first upload to fail")
	}
	if d.Pending() != 1 {
		t.Fatalf("expected 1 retained record, got %d", d.Pending())
	}
	if err := d.Send(ctx, Batch{Signal: Flush}); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", d.Pending())
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	want := []string{"/api/stations/register", "/api/nights", "/api/records", "/api/records"}
	if len(fake.paths) != len(want) {
		t.Fatalf("unexpected requests %v", fake.paths)
	}
	for i := range want {
		if fake.paths[i] != want[i] {
			t.Fatalf("request %d: expected %s, got %s", i, want[i], fake.paths[i])
		}
	}
	if fake.batchIDs[0] == "" || fake.batchIDs[0] != fake.batchIDs[1] {
		t.Fatalf("re-sent batch must keep its id, got %v", fake.batchIDs)
	}
	if fake.auth != "Bearer station-token" {
		t.Fatalf("unexpected Authorization header %q", fake.auth)
	}
}

func TestDatacenterBufferIsBounded(t *testing.T) {
	cfg := testConfig(t)
	d := NewDatacenter(cfg, models.RegisterPayload{DeviceID: cfg.DeviceID}, nil, quietLogger())
	big := make([]models.Record, maxRetained/2+1)
	for i := 0; i < 3; i++ {
		d.enqueue(models.RecordBatch{BatchID: "b", Records: big})
	}
	if d.Pending() > maxRetained {
		t.Fatalf("retained %d records, limit is %d", d.Pending(), maxRetained)
	}
	if len(d.pending) != 1 {
		t.Fatalf("expected the oldest batches to be dropped, %d left", len(d.pending))
	}
}
