package status

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/climate-sensor/internal/acquire"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Sensors       []SensorJSON `json:"sensors"`
	Records       int          `json:"records"`
	LastRecord    *RecordJSON  `json:"last_record,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// SensorJSON is the JSON representation of one sensor. Humidity, Temperature
// and StalenessSeconds are null before the first valid reading.
type SensorJSON struct {
	Name             string       `json:"name"`
	Humidity         *float64     `json:"humidity"`
	Temperature      *float64     `json:"temperature"`
	StalenessSeconds *float64     `json:"staleness_seconds"`
	Powered          bool         `json:"powered"`
	MissingStreak    int          `json:"missing_streak"`
	Counters         CountersJSON `json:"counters"`
}

// CountersJSON is the JSON representation of the decoder error counters.
type CountersJSON struct {
	BadChecksum    int `json:"bad_checksum"`
	ShortMessage   int `json:"short_message"`
	MissingMessage int `json:"missing_message"`
	SensorReset    int `json:"sensor_reset"`
	DroppedEdges   int `json:"dropped_edges"`
}

// RecordJSON is the JSON representation of an averaged record.
type RecordJSON struct {
	Timestamp string     `json:"timestamp"`
	Sensors   []MeanJSON `json:"sensors"`
}

// MeanJSON is one sensor's mean in a record.
type MeanJSON struct {
	Name        string   `json:"name"`
	Humidity    *float64 `json:"humidity"`
	Temperature *float64 `json:"temperature"`
	Samples     int      `json:"samples"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Sensors     []string `json:"sensors"`
	IntervalMs  int64    `json:"interval_ms"`
	MeanCount   int      `json:"mean_count"`
	HeartbeatMs int64    `json:"heartbeat_ms"`
	Broker      string   `json:"broker"`
	Station     string   `json:"station"`
	HTTPPort    string   `json:"http_port"`
	CSVPath     string   `json:"csv_path,omitempty"`
	SQLitePath  string   `json:"sqlite_path,omitempty"`
	ThingSpeak  bool     `json:"thingspeak"`
}

func buildInner(snap Snapshot) StatusInner {
	sensors := make([]SensorJSON, 0, len(snap.Sensors))
	for _, s := range snap.Sensors {
		sj := SensorJSON{
			Name:          s.Name,
			Powered:       s.Powered,
			MissingStreak: s.MissingStreak,
			Counters: CountersJSON{
				BadChecksum:    s.Counters.BadChecksum,
				ShortMessage:   s.Counters.ShortMessage,
				MissingMessage: s.Counters.MissingMessage,
				SensorReset:    s.Counters.SensorReset,
				DroppedEdges:   s.Counters.DroppedEdges,
			},
		}
		if s.HasReading {
			h := s.Reading.Humidity()
			t := s.Reading.Temperature()
			age := s.Staleness(snap.Now).Truncate(time.Second).Seconds()
			sj.Humidity, sj.Temperature, sj.StalenessSeconds = &h, &t, &age
		}
		sensors = append(sensors, sj)
	}

	sensorNames := snap.Config.Sensors
	if sensorNames == nil {
		sensorNames = []string{}
	}

	return StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Sensors:       sensors,
		Records:       snap.Records,
		LastRecord:    FormatRecord(snap.LastRecord),
		Config: ConfigJSON{
			Sensors:     sensorNames,
			IntervalMs:  snap.Config.IntervalMs,
			MeanCount:   snap.Config.MeanCount,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			Station:     snap.Config.Station,
			HTTPPort:    snap.Config.HTTPPort,
			CSVPath:     snap.Config.CSVPath,
			SQLitePath:  snap.Config.SQLitePath,
			ThingSpeak:  snap.Config.ThingSpeak,
		},
	}
}

// FormatRecord converts rec for JSON output. Returns nil for a nil record.
func FormatRecord(rec *acquire.Record) *RecordJSON {
	if rec == nil {
		return nil
	}
	out := &RecordJSON{
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339),
		Sensors:   make([]MeanJSON, 0, len(rec.Sensors)),
	}
	for _, m := range rec.Sensors {
		out.Sensors = append(out.Sensors, MeanJSON{
			Name:        m.Name,
			Humidity:    round2(m.Humidity),
			Temperature: round2(m.Temperature),
			Samples:     m.Samples,
		})
	}
	return out
}

func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	return &r
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
