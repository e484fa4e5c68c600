// Package dht contains the pure decoding logic for the DHT22/AM2302 single-wire
// protocol: pulse classification, frame assembly, checksum validation, timeout
// classification and the power-cycle streak counter.
// This package has NO external dependencies (no GPIO, OS, or time.Sleep).
// Ticks and wall-clock times are always passed in by the caller.
package dht

import "time"

// Decoder thresholds in microseconds.
const (
	// FrameGap is the rising-to-rising gap that marks the start of a new frame.
	FrameGap Tick = 250000
	// OneWidth is the shortest high pulse decoded as a 1 bit.
	OneWidth Tick = 50
	// BadWidth is the shortest high pulse treated as line corruption.
	BadWidth Tick = 200
)

// Frame geometry. The bit index starts below zero to skip the sensor's
// response header, and sits at FrameBits when idle.
const (
	PreambleIndex = -2
	FrameBits     = 40
	lastBit       = FrameBits - 1
)

// MaxNoResponse is the number of consecutive missing messages tolerated before
// the sensor is power cycled.
const MaxNoResponse = 2

// Reading is the last validated measurement of a sensor.
// It is a value type: once published it is never mutated.
type Reading struct {
	HumidityTenths    uint16
	TemperatureTenths int16
	ValidSince        time.Time
}

// Humidity returns the relative humidity in percent.
func (r Reading) Humidity() float64 {
	return float64(r.HumidityTenths) / 10
}

// Temperature returns the temperature in degrees Celsius.
func (r Reading) Temperature() float64 {
	return float64(r.TemperatureTenths) / 10
}

// Counters are the per-channel diagnostic counts. They only ever increase.
type Counters struct {
	BadChecksum    int
	ShortMessage   int
	MissingMessage int
	SensorReset    int

	// DroppedEdges counts edges lost before the decoder saw them.
	DroppedEdges int
}
