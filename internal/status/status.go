// Package status provides a thread-safe status tracker for the climate-sensor daemon.
// It is read by the HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/climate-sensor/internal/acquire"
	"github.com/sweeney/climate-sensor/internal/dht"
)

// SensorState is the state of one sensor channel at the last update.
type SensorState struct {
	Name          string
	Reading       dht.Reading
	HasReading    bool
	Powered       bool
	MissingStreak int
	Counters      dht.Counters
}

// Staleness returns the age of the reading at now, or -1 without a reading.
func (s SensorState) Staleness(now time.Time) time.Duration {
	if !s.HasReading {
		return -1
	}
	return now.Sub(s.Reading.ValidSince)
}

// Config contains daemon configuration for display.
type Config struct {
	Sensors     []string
	IntervalMs  int64
	MeanCount   int
	HeartbeatMs int64
	Broker      string
	Station     string
	HTTPPort    string
	CSVPath     string
	SQLitePath  string
	ThingSpeak  bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Sensors       []SensorState
	LastRecord    *acquire.Record
	Records       int
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether every sensor has produced a valid reading.
func (s Snapshot) Ready() bool {
	if len(s.Sensors) == 0 {
		return false
	}
	for _, ss := range s.Sensors {
		if !ss.HasReading {
			return false
		}
	}
	return true
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// SetClock replaces the clock that stamps snapshots.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// UpdateSensors replaces the per-sensor state.
// Called from runLoop after every sample.
func (t *Tracker) UpdateSensors(sensors []SensorState) {
	cp := append([]SensorState(nil), sensors...)
	t.mu.Lock()
	t.snap.Sensors = cp
	t.mu.Unlock()
}

// RecordWritten stores the last completed record.
func (t *Tracker) RecordWritten(rec acquire.Record) {
	rec.Sensors = append([]acquire.Mean(nil), rec.Sensors...)
	t.mu.Lock()
	t.snap.LastRecord = &rec
	t.snap.Records++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	now := t.now
	t.mu.RUnlock()
	s.Now = now()
	return s
}
