// Package mqtt publishes averaged climate records and system lifecycle events
// to an MQTT broker, with a fake for testing.
package mqtt

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/climate-sensor/internal/acquire"
)

// DefaultStation is the station segment of the topics when none is configured.
const DefaultStation = "home"

// ReadingsTopic is the topic for averaged records of a station.
func ReadingsTopic(station string) string {
	return "climate/" + station + "/readings"
}

// SystemTopic is the topic for system lifecycle events of a station.
func SystemTopic(station string) string {
	return "climate/" + station + "/system"
}

// Publisher publishes records to MQTT.
type Publisher interface {
	// Publish sends an averaged record to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(rec acquire.Record) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "SENSOR_RESET"
	Reason     string // e.g., "SIGTERM", sensor name for SENSOR_RESET
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload for a record.
type Payload struct {
	Climate ClimatePayload `json:"climate"`
}

// ClimatePayload contains the averaged values of every sensor.
type ClimatePayload struct {
	Timestamp string          `json:"timestamp"`
	Sensors   []SensorPayload `json:"sensors"`
}

// SensorPayload is one sensor's mean. Humidity and Temperature are null when
// the sensor gave no valid sample in the window.
type SensorPayload struct {
	Name        string   `json:"name"`
	Humidity    *float64 `json:"humidity"`
	Temperature *float64 `json:"temperature"`
	Samples     int      `json:"samples"`
}

// FormatPayload creates the JSON payload for a record. Values are rounded to
// two decimals.
func FormatPayload(rec acquire.Record) ([]byte, error) {
	sensors := make([]SensorPayload, 0, len(rec.Sensors))
	for _, m := range rec.Sensors {
		sensors = append(sensors, SensorPayload{
			Name:        m.Name,
			Humidity:    round2(m.Humidity),
			Temperature: round2(m.Temperature),
			Samples:     m.Samples,
		})
	}

	payload := Payload{
		Climate: ClimatePayload{
			Timestamp: rec.Timestamp.UTC().Format(time.RFC3339),
			Sensors:   sensors,
		},
	}
	return json.Marshal(payload)
}

func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	return &r
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
