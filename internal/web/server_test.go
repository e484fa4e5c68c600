package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/climate-sensor/internal/acquire"
	"github.com/sweeney/climate-sensor/internal/dht"
	"github.com/sweeney/climate-sensor/internal/status"
	"github.com/sweeney/climate-sensor/internal/store"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fp(v float64) *float64 { return &v }

// fakeHistory serves canned rows.
type fakeHistory struct {
	rows     []store.Row
	err      error
	gotLimit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]store.Row, error) {
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func newTestServer(t *testing.T, history History) (*httptest.Server, *status.Tracker) {
	t.Helper()
	cfg := status.Config{
		Sensors:     []string{"s1", "s2"},
		IntervalMs:  60000,
		MeanCount:   10,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		Station:     "home",
		HTTPPort:    ":8080",
		SQLitePath:  "/var/lib/climate/history.db",
	}
	tr := status.NewTracker(start, cfg)
	tr.SetClock(func() time.Time { return start.Add(15 * time.Minute) })
	srv := New(":0", tr, history, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func sensors() []status.SensorState {
	return []status.SensorState{
		{
			Name:       "s1",
			Reading:    dht.Reading{HumidityTenths: 312, TemperatureTenths: 196, ValidSince: start.Add(14 * time.Minute)},
			HasReading: true,
			Powered:    true,
			Counters:   dht.Counters{BadChecksum: 2, MissingMessage: 5, SensorReset: 1},
		},
		{Name: "s2", Powered: false, MissingStreak: 2},
	}
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t, nil)
	tr.UpdateSensors(sensors())
	tr.SetMQTTConnected(true)

	resp, body := get(t, ts.URL+"/index.json")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal([]byte(body), &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.Ready {
		t.Error("expected Ready=false while s2 has no reading")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if len(sj.Status.Sensors) != 2 {
		t.Fatalf("Sensors: got %d, want 2", len(sj.Status.Sensors))
	}
	if s1 := sj.Status.Sensors[0]; *s1.Humidity != 31.2 || s1.Counters.BadChecksum != 2 {
		t.Errorf("s1: got %+v", s1)
	}
	if s2 := sj.Status.Sensors[1]; s2.Humidity != nil || s2.Powered || s2.MissingStreak != 2 {
		t.Errorf("s2: got %+v", s2)
	}
	if sj.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", sj.Status.UptimeSeconds)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t, nil)
	tr.UpdateSensors(sensors())
	rec := acquire.Record{Timestamp: start.Add(10 * time.Minute), Sensors: []acquire.Mean{
		{Name: "s1", Humidity: fp(30.55), Temperature: fp(19.25), Samples: 10},
		{Name: "s2"},
	}}
	tr.RecordWritten(rec)

	resp, body := get(t, ts.URL+"/")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}

	for _, want := range []string{
		"Climate Sensor (home)",
		"31.2 %RH",
		"19.6 &deg;C",
		"1m 0s ago",
		"never",
		"cycling",
		"30.55 %RH",
		"19.25 C",
		"n/a",
		"15m 0s",
		"/history.json",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := get(t, ts.URL+"/index.html")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "none yet") {
		t.Error("expected empty last record section")
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, _ := get(t, ts.URL+"/nonexistent")
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestHistoryDisabled(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, _ := get(t, ts.URL+"/history.json")
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h := &fakeHistory{rows: []store.Row{
		{ID: 2, RecordedAt: start.Add(10 * time.Minute), Sensor: "s1", Humidity: fp(31.2), Temperature: fp(19.6), Samples: 10},
		{ID: 1, RecordedAt: start, Sensor: "s1", Samples: 0},
	}}
	ts, _ := newTestServer(t, h)

	resp, body := get(t, ts.URL+"/history.json")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if h.gotLimit != defaultHistoryLimit {
		t.Errorf("limit: got %d, want %d", h.gotLimit, defaultHistoryLimit)
	}

	var hj HistoryJSON
	if err := json.Unmarshal([]byte(body), &hj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(hj.History) != 2 {
		t.Fatalf("History: got %d rows, want 2", len(hj.History))
	}
	if hj.History[0].Timestamp != "2026-01-01T00:10:00Z" || *hj.History[0].Humidity != 31.2 {
		t.Errorf("row 0: got %+v", hj.History[0])
	}
	if hj.History[1].Humidity != nil {
		t.Errorf("row 1 should have null humidity: %+v", hj.History[1])
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	ts, _ := newTestServer(t, &fakeHistory{})

	_, body := get(t, ts.URL+"/history.json")
	if !strings.Contains(body, `"history": []`) {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestHistoryLimit(t *testing.T) {
	tests := []struct {
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"?limit=5", 200, 5},
		{"?limit=999999", 200, maxHistoryLimit},
		{"?limit=0", 400, 0},
		{"?limit=abc", 400, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := &fakeHistory{}
			ts, _ := newTestServer(t, h)

			resp, _ := get(t, ts.URL+"/history.json"+tt.query)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if h.gotLimit != tt.wantLimit {
				t.Errorf("limit: got %d, want %d", h.gotLimit, tt.wantLimit)
			}
		})
	}
}

func TestHistoryError(t *testing.T) {
	ts, _ := newTestServer(t, &fakeHistory{err: errors.New("simulated error")})

	resp, _ := get(t, ts.URL+"/history.json")
	if resp.StatusCode != 500 {
		t.Errorf("status: got %d, want 500", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t, nil)

	_, body := get(t, ts.URL+"/index.json")
	if !strings.Contains(body, `"connected": false`) {
		t.Error("expected disconnected initially")
	}

	tr.SetMQTTConnected(true)
	_, body = get(t, ts.URL+"/index.json")
	if !strings.Contains(body, `"connected": true`) {
		t.Error("expected connected after update")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h 3m 4s"},
		{49*time.Hour + 1500*time.Millisecond, "2d 1h 0m 1s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v): got %q, want %q", tt.d, got, tt.want)
		}
	}
}
