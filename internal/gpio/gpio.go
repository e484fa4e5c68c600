// Package gpio provides edge-event delivery and line control for single-wire
// sensors, with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"time"

	"github.com/sweeney/climate-sensor/internal/dht"
)

// Edge identifies what an Event reports.
type Edge int

const (
	Falling Edge = iota // level 0
	Rising              // level 1
	Timeout             // watchdog expired with no edge
)

func (e Edge) String() string {
	switch e {
	case Falling:
		return "FALLING"
	case Rising:
		return "RISING"
	case Timeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Event is one level change or watchdog expiry on a data line.
type Event struct {
	Edge Edge
	Tick dht.Tick // microseconds, wrapping; zero for Timeout
}

// DataLine is a bidirectional sensor data line.
//
// Events are delivered strictly in order on a single channel, so a single
// goroutine draining Events sees edges and timeouts serially.
type DataLine interface {
	// Events returns the channel edge and timeout events are delivered on.
	Events() <-chan Event

	// DriveLow switches the line to output and pulls it low.
	DriveLow() error

	// Listen releases the line back to input and reports edges again.
	Listen() error

	// ArmWatchdog starts a watchdog that delivers a Timeout event if no edge
	// arrives within d. Every edge restarts it.
	ArmWatchdog(d time.Duration)

	// DisarmWatchdog stops the watchdog. Safe to call when not armed.
	DisarmWatchdog()

	// Drops returns how many events were lost because the queue was full.
	Drops() uint32

	// Close releases the line and stops event delivery.
	Close() error
}

// Output is a digital output used to power a sensor or light an indicator.
type Output interface {
	Set(high bool) error
}

// NoLine marks an optional line that is not connected.
const NoLine = -1

// Default BCM offsets for a single sensor board.
const (
	DefaultPinData  = 2
	DefaultPinLED   = 16
	DefaultPinPower = 8
)
