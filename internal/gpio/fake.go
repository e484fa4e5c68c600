package gpio

import (
	"sync"
	"time"

	"github.com/sweeney/climate-sensor/internal/dht"
)

// FakeDataLine is a test double for DataLine. Tests push edges with Emit;
// Listen queues the release edge and, if set, a scripted Response.
// Safe for concurrent use: the channel under test calls it from its own goroutine.
type FakeDataLine struct {
	events chan Event

	mu          sync.Mutex
	releaseTick dht.Tick
	response    []Event
	calls       FakeCalls
	armed       bool
	window      time.Duration
	drops       uint32

	// DriveLowError, if set, will be returned by DriveLow.
	DriveLowError error
}

// FakeCalls counts the calls made on a FakeDataLine.
type FakeCalls struct {
	DriveLow int
	Listen   int
	Arm      int
	Disarm   int
	Close    int
}

// NewFakeDataLine creates a FakeDataLine whose release edge is stamped with
// releaseTick.
func NewFakeDataLine(releaseTick dht.Tick) *FakeDataLine {
	return &FakeDataLine{
		events:      make(chan Event, 1024),
		releaseTick: releaseTick,
	}
}

// Events returns the delivery channel.
func (f *FakeDataLine) Events() <-chan Event { return f.events }

// Emit queues events as if they came from hardware.
func (f *FakeDataLine) Emit(events ...Event) {
	for _, ev := range events {
		f.events <- ev
	}
}

// Respond sets the edges queued after the release edge by the next Listen
// calls, and the tick the release edge is stamped with.
func (f *FakeDataLine) Respond(releaseTick dht.Tick, response []Event) {
	f.mu.Lock()
	f.releaseTick = releaseTick
	f.response = response
	f.mu.Unlock()
}

// DriveLow records the call.
func (f *FakeDataLine) DriveLow() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.DriveLow++
	return f.DriveLowError
}

// Listen queues the release edge followed by the scripted response.
func (f *FakeDataLine) Listen() error {
	f.mu.Lock()
	f.calls.Listen++
	release := f.releaseTick
	response := f.response
	f.mu.Unlock()

	f.Emit(Event{Edge: Rising, Tick: release})
	f.Emit(response...)
	return nil
}

// ArmWatchdog records the window. Expiry is simulated with Expire.
func (f *FakeDataLine) ArmWatchdog(d time.Duration) {
	f.mu.Lock()
	f.calls.Arm++
	f.armed = true
	f.window = d
	f.mu.Unlock()
}

// DisarmWatchdog records the call.
func (f *FakeDataLine) DisarmWatchdog() {
	f.mu.Lock()
	f.calls.Disarm++
	f.armed = false
	f.mu.Unlock()
}

// Expire delivers a Timeout event.
func (f *FakeDataLine) Expire() {
	f.Emit(Event{Edge: Timeout})
}

// Watchdog reports whether the watchdog is armed and with which window.
func (f *FakeDataLine) Watchdog() (bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed, f.window
}

// Calls returns a copy of the call counts.
func (f *FakeDataLine) Calls() FakeCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Drop counts n events as lost.
func (f *FakeDataLine) Drop(n uint32) {
	f.mu.Lock()
	f.drops += n
	f.mu.Unlock()
}

// Drops returns the count set by Drop.
func (f *FakeDataLine) Drops() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops
}

// Close records the call.
func (f *FakeDataLine) Close() error {
	f.mu.Lock()
	f.calls.Close++
	f.mu.Unlock()
	return nil
}

// FakeOutput records the levels driven on an output line.
type FakeOutput struct {
	mu     sync.Mutex
	levels []bool

	// SetError, if set, will be returned by Set.
	SetError error
}

// NewFakeOutput creates a FakeOutput.
func NewFakeOutput() *FakeOutput {
	return &FakeOutput{}
}

// Set records the level.
func (o *FakeOutput) Set(high bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.SetError != nil {
		return o.SetError
	}
	o.levels = append(o.levels, high)
	return nil
}

// Levels returns every level set so far, oldest first.
func (o *FakeOutput) Levels() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.levels...)
}

// Pulse replaces the high pulse width of one data bit in SensorResponse.
type Pulse struct {
	Bit   int
	Width dht.Tick
}

// SensorResponse renders the edges a DHT22 sends after the host releases the
// line at start: the 80us low / 80us high response, 40 data bits (50us low,
// then 26us high for 0 or 70us high for 1) and the final release.
func SensorResponse(start dht.Tick, data [5]byte, pulses ...Pulse) []Event {
	widths := map[int]dht.Tick{}
	for _, p := range pulses {
		widths[p.Bit] = p.Width
	}

	t := start + 30
	events := []Event{{Edge: Falling, Tick: t}}
	t += 80
	events = append(events, Event{Edge: Rising, Tick: t})
	t += 80
	events = append(events, Event{Edge: Falling, Tick: t})

	for i := 0; i < dht.FrameBits; i++ {
		w := dht.Tick(26)
		if data[i/8]&(0x80>>(i%8)) != 0 {
			w = 70
		}
		if ow, ok := widths[i]; ok {
			w = ow
		}
		t += 50
		events = append(events, Event{Edge: Rising, Tick: t})
		t += w
		events = append(events, Event{Edge: Falling, Tick: t})
	}

	t += 50
	return append(events, Event{Edge: Rising, Tick: t})
}

// PartialResponse returns the first n data bits of SensorResponse, as seen when
// the sensor stops mid-frame.
func PartialResponse(start dht.Tick, data [5]byte, n int) []Event {
	return SensorResponse(start, data)[:3+2*n]
}
