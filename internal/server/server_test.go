package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/models"
)

const stationToken = "station-secret"

func newTestServer(t *testing.T) (control, data *gin.Engine, store *Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := OpenStore(filepath.Join(t.TempDir(), "datacenter.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	cfg := &config.Config{
		JWTSecret:       "jwt-secret",
		DatacenterToken: stationToken,
		AdminUser:       "admin",
		AdminPass:       "hunter2",
	}
	s := New(store, cfg, log.New(io.Discard, "", 0))

	control = gin.New()
	s.RegisterControlRoutes(control)
	RegisterStaticFiles(control)
	data = gin.New()
	s.RegisterDataRoutes(data)
	return control, data, store
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, control http.Handler) string {
	t.Helper()
	w := do(t, control, http.MethodPost, "/api/login", "", map[string]string{"username": "admin", "password": "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response %s: %v", w.Body, err)
	}
	return resp.Token
}

func batch(id string, brightness ...float64) models.RecordBatch {
	zone := time.FixedZone("UTC+2", 2*3600)
	b := models.RecordBatch{BatchID: id, DeviceID: "SQM-LE-VINJE"}
	start := time.Date(2024, 9, 1, 20, 0, 0, 0, time.UTC)
	for i, v := range brightness {
		utc := start.Add(time.Duration(i) * time.Minute)
		b.Records = append(b.Records, models.Record{
			UTC:         utc,
			Local:       utc.In(zone),
			Temperature: 12.5,
			Frequency:   14.2,
			Counts:      15000,
			Brightness:  v,
			Samples:     5,
		})
	}
	return b
}

func TestControlRoutesRequireJWT(t *testing.T) {
	control, _, _ := newTestServer(t)

	for _, tc := range []struct {
		name, token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"station token", stationToken},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, control, http.MethodGet, "/api/stations", tc.token, nil)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("got %d, want 401", w.Code)
			}
		})
	}

	w := do(t, control, http.MethodGet, "/api/stations", login(t, control), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("with JWT: %d %s", w.Code, w.Body)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	control, _, _ := newTestServer(t)
	w := do(t, control, http.MethodPost, "/api/login", "", map[string]string{"username": "admin", "password": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", w.Code)
	}
}

func TestDataRoutesRequireStationToken(t *testing.T) {
	_, data, _ := newTestServer(t)

	w := do(t, data, http.MethodPost, "/api/records", "wrong", batch("b-1", 20.1))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", w.Code)
	}
	if w := do(t, data, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
}

func TestRecordBatchIsIdempotent(t *testing.T) {
	control, data, store := newTestServer(t)

	reg := models.RegisterPayload{DeviceID: "SQM-LE-VINJE", Name: "Vinje", Latitude: 59.6}
	if w := do(t, data, http.MethodPost, "/api/stations/register", stationToken, reg); w.Code != http.StatusOK {
		t.Fatalf("register: %d %s", w.Code, w.Body)
	}
	night := models.NightPayload{DeviceID: "SQM-LE-VINJE", Night: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)}
	for i := 0; i < 2; i++ {
		if w := do(t, data, http.MethodPost, "/api/nights", stationToken, night); w.Code != http.StatusOK {
			t.Fatalf("nights: %d %s", w.Code, w.Body)
		}
	}

	b := batch("0b7c6f1e-3c55-4bd4-9f3a-6f6f2b1d2a10", 20.0, 21.0, 22.0)
	var dups []bool
	for i := 0; i < 2; i++ {
		w := do(t, data, http.MethodPost, "/api/records", stationToken, b)
		if w.Code != http.StatusOK {
			t.Fatalf("records #%d: %d %s", i, w.Code, w.Body)
		}
		var resp struct {
			Duplicate bool `json:"duplicate"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		dups = append(dups, resp.Duplicate)
	}
	if dups[0] || !dups[1] {
		t.Fatalf("duplicate flags = %v, want [false true]", dups)
	}

	stations, err := store.Stations()
	if err != nil || len(stations) != 1 {
		t.Fatalf("stations = %v, %v", stations, err)
	}
	rows, err := store.Records(stations[0].ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("stored %d rows, want 3", len(rows))
	}

	// Summary over the stored night.
	jwt := login(t, control)
	w := do(t, control, http.MethodGet, "/api/stations/1/summary?night=2024-09-01", jwt, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: %d %s", w.Code, w.Body)
	}
	var resp struct {
		Data models.NightSummary `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Records != 3 || resp.Data.MeanBrightness != 21.0 || resp.Data.MaxBrightness != 22.0 {
		t.Fatalf("summary = %+v", resp.Data)
	}
}

func TestUnregisteredStationUploadCreatesStation(t *testing.T) {
	_, data, store := newTestServer(t)

	if w := do(t, data, http.MethodPost, "/api/records", stationToken, batch("b-2", 19.5)); w.Code != http.StatusOK {
		t.Fatalf("records: %d %s", w.Code, w.Body)
	}
	stations, err := store.Stations()
	if err != nil || len(stations) != 1 || stations[0].DeviceID != "SQM-LE-VINJE" {
		t.Fatalf("stations = %+v, %v", stations, err)
	}
}

func TestStationQueries(t *testing.T) {
	control, data, _ := newTestServer(t)
	jwt := login(t, control)

	if w := do(t, control, http.MethodGet, "/api/stations/abc/records", jwt, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}
	if w := do(t, control, http.MethodGet, "/api/stations/42/records", jwt, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", w.Code)
	}

	do(t, data, http.MethodPost, "/api/records", stationToken, batch("b-3", 20.0, 20.5))
	if w := do(t, control, http.MethodGet, "/api/stations/1/records?night=yesterday", jwt, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad night: %d", w.Code)
	}
	w := do(t, control, http.MethodGet, "/api/stations/1/records", jwt, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("records: %d %s", w.Code, w.Body)
	}
	var resp struct {
		Data []models.Measurement `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 || resp.Data[0].Brightness != 20.0 || resp.Data[0].Local != "2024-09-01T22:00:00.000" {
		t.Fatalf("records = %+v", resp.Data)
	}
	if w := do(t, control, http.MethodGet, "/api/stations/1/summary?night=2023-01-01", jwt, nil); w.Code != http.StatusNotFound {
		t.Fatalf("empty night summary: %d", w.Code)
	}
}

func TestStatusPageFallback(t *testing.T) {
	control, _, _ := newTestServer(t)
	w := do(t, control, http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("opensqm datacenter")) {
		t.Fatalf("status page: %d", w.Code)
	}
}
