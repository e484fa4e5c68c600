package sensor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/climate-sensor/internal/dht"
	"github.com/sweeney/climate-sensor/internal/gpio"
)

var (
	goodFrame     = [5]byte{0x01, 0x38, 0x00, 0xC4, 0xFD} // 31.2 %RH, 19.6 C
	negativeFrame = [5]byte{0x01, 0x38, 0x80, 0x64, 0x1D} // 31.2 %RH, -10.0 C
)

// fakeTimer records requested waits. Waits of SettleDelay block on hold when it
// is set; everything else fires immediately.
type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	hold  chan time.Time
}

func (f *fakeTimer) after(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, d)
	if d == SettleDelay && f.hold != nil {
		return f.hold
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (f *fakeTimer) count(d time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waits {
		if w == d {
			n++
		}
	}
	return n
}

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	ch    *Channel
	data  *gpio.FakeDataLine
	led   *gpio.FakeOutput
	power *gpio.FakeOutput
	timer *fakeTimer
	clock *fakeClock
	// release is the tick of the next trigger's release edge.
	release dht.Tick
}

func newHarness(t *testing.T, withPower bool) *harness {
	t.Helper()
	h := &harness{
		data:    gpio.NewFakeDataLine(0),
		led:     gpio.NewFakeOutput(),
		timer:   &fakeTimer{},
		clock:   &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		release: 1000000,
	}
	lines := Lines{Data: h.data, LED: h.led}
	if withPower {
		h.power = gpio.NewFakeOutput()
		lines.Power = h.power
	}

	ch, err := Open("s1", lines, WithAfter(h.timer.after), WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.ch = ch
	t.Cleanup(func() { ch.Shutdown() })
	return h
}

// trigger makes the sensor answer the next trigger with response.
func (h *harness) trigger(t *testing.T, response func(start dht.Tick) []gpio.Event) {
	t.Helper()
	var events []gpio.Event
	if response != nil {
		events = response(h.release)
	}
	h.data.Respond(h.release, events)
	h.release += 3000000
	if err := h.ch.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
}

func frame(data [5]byte, pulses ...gpio.Pulse) func(dht.Tick) []gpio.Event {
	return func(start dht.Tick) []gpio.Event { return gpio.SensorResponse(start, data, pulses...) }
}

func partial(n int) func(dht.Tick) []gpio.Event {
	return func(start dht.Tick) []gpio.Event { return gpio.PartialResponse(start, goodFrame, n) }
}

// miss triggers with no answer and lets the watchdog expire.
func (h *harness) miss(t *testing.T) {
	t.Helper()
	h.trigger(t, nil)
	h.data.Expire()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpenRequiresDataLine(t *testing.T) {
	if _, err := Open("s1", Lines{}); err == nil {
		t.Error("expected error without data line")
	}
}

func TestOpenPowersSensor(t *testing.T) {
	h := newHarness(t, true)

	levels := h.power.Levels()
	if len(levels) != 1 || !levels[0] {
		t.Errorf("power levels: got %v, want [true]", levels)
	}
	if h.timer.count(SettleDelay) != 1 {
		t.Errorf("settle waits: got %d, want 1", h.timer.count(SettleDelay))
	}
	if !h.ch.Powered() {
		t.Error("expected powered after Open")
	}
	if h.data.Calls().Disarm == 0 {
		t.Error("expected stale watchdog disarmed on Open")
	}
}

func TestOpenPowerOnError(t *testing.T) {
	power := gpio.NewFakeOutput()
	power.SetError = errors.New("simulated error")
	if _, err := Open("s1", Lines{Data: gpio.NewFakeDataLine(0), Power: power}); err == nil {
		t.Error("expected power on error")
	}
}

func TestSentinelsBeforeFirstReading(t *testing.T) {
	h := newHarness(t, false)

	if h.ch.Humidity() != Unset {
		t.Errorf("Humidity: got %v, want %v", h.ch.Humidity(), Unset)
	}
	if h.ch.Temperature() != Unset {
		t.Errorf("Temperature: got %v, want %v", h.ch.Temperature(), Unset)
	}
	if h.ch.Staleness() != StalenessUnknown {
		t.Errorf("Staleness: got %v, want %v", h.ch.Staleness(), StalenessUnknown)
	}
	if _, ok := h.ch.Reading(); ok {
		t.Error("expected no reading")
	}
}

func TestTriggerSequence(t *testing.T) {
	h := newHarness(t, false)
	h.trigger(t, nil)

	c := h.data.Calls()
	if c.DriveLow != 1 || c.Listen != 1 || c.Arm != 1 {
		t.Errorf("calls: got %+v", c)
	}
	armed, window := h.data.Watchdog()
	if !armed || window != WatchdogWindow {
		t.Errorf("watchdog: got (%v, %v), want (true, %v)", armed, window, WatchdogWindow)
	}
	if h.timer.count(TriggerPulse) != 1 {
		t.Errorf("trigger pulse waits: got %d, want 1", h.timer.count(TriggerPulse))
	}
	if levels := h.led.Levels(); len(levels) != 1 || !levels[0] {
		t.Errorf("led levels: got %v, want [true]", levels)
	}
}

func TestTriggerDriveLowError(t *testing.T) {
	h := newHarness(t, false)
	h.data.DriveLowError = errors.New("simulated error")

	if err := h.ch.Trigger(); err == nil {
		t.Fatal("expected error")
	}
	if h.data.Calls().Listen != 0 {
		t.Error("line must not be released after a failed start pulse")
	}
}

func TestValidFrame(t *testing.T) {
	h := newHarness(t, false)
	h.trigger(t, frame(goodFrame))

	waitFor(t, "reading", func() bool { _, ok := h.ch.Reading(); return ok })

	if h.ch.Humidity() != 31.2 {
		t.Errorf("Humidity: got %v, want 31.2", h.ch.Humidity())
	}
	if h.ch.Temperature() != 19.6 {
		t.Errorf("Temperature: got %v, want 19.6", h.ch.Temperature())
	}
	if armed, _ := h.data.Watchdog(); armed {
		t.Error("watchdog should be disarmed after the 40th bit")
	}
	waitFor(t, "led off", func() bool { return len(h.led.Levels()) == 2 })
	if levels := h.led.Levels(); levels[1] {
		t.Errorf("led levels: got %v, want [true false]", levels)
	}
	if d := h.ch.Diagnostics(); d != (dht.Counters{}) {
		t.Errorf("Diagnostics: got %+v, want zero", d)
	}
}

func TestNegativeTemperatureFrame(t *testing.T) {
	h := newHarness(t, false)
	h.trigger(t, frame(negativeFrame))

	waitFor(t, "reading", func() bool { _, ok := h.ch.Reading(); return ok })
	if h.ch.Temperature() != -10.0 {
		t.Errorf("Temperature: got %v, want -10", h.ch.Temperature())
	}
}

func TestDiagnosticsReportDroppedEdges(t *testing.T) {
	h := newHarness(t, false)
	h.data.Drop(7)

	if got := h.ch.Diagnostics().DroppedEdges; got != 7 {
		t.Errorf("DroppedEdges: got %d, want 7", got)
	}
}

func TestStaleness(t *testing.T) {
	h := newHarness(t, false)
	h.trigger(t, frame(goodFrame))
	waitFor(t, "reading", func() bool { _, ok := h.ch.Reading(); return ok })

	h.clock.Advance(5 * time.Second)
	if got := h.ch.Staleness(); got != 5*time.Second {
		t.Errorf("Staleness: got %v, want 5s", got)
	}
}

func TestBadChecksumKeepsLastReading(t *testing.T) {
	h := newHarness(t, false)
	h.trigger(t, frame(goodFrame))
	waitFor(t, "reading", func() bool { _, ok := h.ch.Reading(); return ok })
	first, _ := h.ch.Reading()

	bad := goodFrame
	bad[4] = 0x00
	h.clock.Advance(3 * time.Second)
	h.trigger(t, frame(bad))

	waitFor(t, "bad checksum", func() bool { return h.ch.Diagnostics().BadChecksum == 1 })
	got, _ := h.ch.Reading()
	if got != first {
		t.Errorf("reading changed on bad checksum: got %+v, want %+v", got, first)
	}
	if h.ch.Staleness() != 3*time.Second {
		t.Errorf("Staleness: got %v, want 3s", h.ch.Staleness())
	}
}

func TestPoisonedFrameCountsAsBadChecksum(t *testing.T) {
	h := newHarness(t, false)
	// Bit 24 is a 1, so the long pulse decodes to the same value and only
	// the poison fails the frame.
	h.trigger(t, frame(goodFrame, gpio.Pulse{Bit: 24, Width: 250}))

	waitFor(t, "bad checksum", func() bool { return h.ch.Diagnostics().BadChecksum == 1 })
	if _, ok := h.ch.Reading(); ok {
		t.Error("poisoned frame must not produce a reading")
	}
}

func TestTimeoutMissingMessage(t *testing.T) {
	h := newHarness(t, false)
	h.trigger(t, partial(5))
	h.data.Expire()

	waitFor(t, "missing message", func() bool { return h.ch.Diagnostics().MissingMessage == 1 })
	if h.ch.MissingStreak() != 1 {
		t.Errorf("MissingStreak: got %d, want 1", h.ch.MissingStreak())
	}
	if armed, _ := h.data.Watchdog(); armed {
		t.Error("watchdog should be disarmed on expiry")
	}
}

func TestTimeoutShortMessageResetsStreak(t *testing.T) {
	h := newHarness(t, false)
	h.miss(t)
	waitFor(t, "missing message", func() bool { return h.ch.MissingStreak() == 1 })

	h.trigger(t, partial(20))
	h.data.Expire()

	waitFor(t, "short message", func() bool { return h.ch.Diagnostics().ShortMessage == 1 })
	if h.ch.MissingStreak() != 0 {
		t.Errorf("MissingStreak: got %d, want 0", h.ch.MissingStreak())
	}
	if d := h.ch.Diagnostics(); d.MissingMessage != 1 {
		t.Errorf("MissingMessage: got %d, want 1", d.MissingMessage)
	}
}

func TestTimeoutAfterCompleteFrame(t *testing.T) {
	h := newHarness(t, false)
	h.miss(t)
	h.trigger(t, frame(goodFrame))
	waitFor(t, "reading", func() bool { _, ok := h.ch.Reading(); return ok })

	h.data.Expire()
	h.miss(t)
	waitFor(t, "second miss", func() bool { return h.ch.Diagnostics().MissingMessage == 2 })

	d := h.ch.Diagnostics()
	if d.ShortMessage != 0 || d.BadChecksum != 0 {
		t.Errorf("Diagnostics: got %+v", d)
	}
	if h.ch.MissingStreak() != 1 {
		t.Errorf("MissingStreak: got %d, want 1", h.ch.MissingStreak())
	}
}

func TestValidFrameResetsStreak(t *testing.T) {
	h := newHarness(t, true)
	h.miss(t)
	h.miss(t)
	waitFor(t, "two misses", func() bool { return h.ch.MissingStreak() == 2 })

	h.trigger(t, frame(goodFrame))
	waitFor(t, "reading", func() bool { _, ok := h.ch.Reading(); return ok })
	if h.ch.MissingStreak() != 0 {
		t.Errorf("MissingStreak: got %d, want 0", h.ch.MissingStreak())
	}

	h.miss(t)
	waitFor(t, "miss", func() bool { return h.ch.Diagnostics().MissingMessage == 3 })
	if h.ch.Diagnostics().SensorReset != 0 {
		t.Error("streak was broken, no power cycle expected")
	}
}

func TestBadChecksumResetsStreak(t *testing.T) {
	h := newHarness(t, false)
	h.miss(t)
	h.miss(t)
	bad := goodFrame
	bad[4]++
	h.trigger(t, frame(bad))
	waitFor(t, "bad checksum", func() bool { return h.ch.Diagnostics().BadChecksum == 1 })
	if h.ch.MissingStreak() != 0 {
		t.Errorf("MissingStreak: got %d, want 0", h.ch.MissingStreak())
	}
}

func TestPowerCycleOnThirdConsecutiveMiss(t *testing.T) {
	h := newHarness(t, true)

	h.miss(t)
	h.miss(t)
	waitFor(t, "two misses", func() bool { return h.ch.Diagnostics().MissingMessage == 2 })
	if h.ch.Diagnostics().SensorReset != 0 {
		t.Fatal("power cycled too early")
	}

	h.miss(t)
	waitFor(t, "sensor reset", func() bool { return h.ch.Diagnostics().SensorReset == 1 })

	levels := h.power.Levels()
	want := []bool{true, false, true}
	if len(levels) != len(want) {
		t.Fatalf("power levels: got %v, want %v", levels, want)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("power level %d: got %v, want %v", i, levels[i], want[i])
		}
	}
	// One settle at Open, two for the cycle.
	if h.timer.count(SettleDelay) != 3 {
		t.Errorf("settle waits: got %d, want 3", h.timer.count(SettleDelay))
	}
	if h.ch.MissingStreak() != 0 {
		t.Errorf("MissingStreak: got %d, want 0", h.ch.MissingStreak())
	}
	waitFor(t, "powered", h.ch.Powered)
}

func TestTriggerRejectedWhileUnpowered(t *testing.T) {
	h := newHarness(t, true)
	h.timer.mu.Lock()
	h.timer.hold = make(chan time.Time)
	h.timer.mu.Unlock()

	h.miss(t)
	h.miss(t)
	h.miss(t)
	waitFor(t, "power off", func() bool { return !h.ch.Powered() })

	before := h.data.Calls()
	if err := h.ch.Trigger(); !errors.Is(err, ErrUnpowered) {
		t.Fatalf("Trigger: got %v, want ErrUnpowered", err)
	}
	if after := h.data.Calls(); after.DriveLow != before.DriveLow || after.Arm != before.Arm {
		t.Errorf("unpowered trigger touched the line: before %+v, after %+v", before, after)
	}

	// Both settling delays complete.
	h.timer.hold <- time.Time{}
	h.timer.hold <- time.Time{}
	waitFor(t, "powered", h.ch.Powered)
	waitFor(t, "sensor reset", func() bool { return h.ch.Diagnostics().SensorReset == 1 })

	if err := h.ch.Trigger(); err != nil {
		t.Errorf("Trigger after power cycle: %v", err)
	}
}

func TestPowerCycleWithoutPowerLine(t *testing.T) {
	h := newHarness(t, false)
	h.miss(t)
	h.miss(t)
	h.miss(t)

	waitFor(t, "sensor reset", func() bool { return h.ch.Diagnostics().SensorReset == 1 })
	if !h.ch.Powered() {
		t.Error("channel without power line should stay powered")
	}
	if h.timer.count(SettleDelay) != 0 {
		t.Errorf("settle waits: got %d, want 0", h.timer.count(SettleDelay))
	}
}

func TestShutdownAbortsPowerCycle(t *testing.T) {
	h := newHarness(t, true)
	h.timer.mu.Lock()
	h.timer.hold = make(chan time.Time)
	h.timer.mu.Unlock()

	h.miss(t)
	h.miss(t)
	h.miss(t)
	waitFor(t, "power off", func() bool { return !h.ch.Powered() })

	done := make(chan error, 1)
	go func() { done <- h.ch.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on power cycle")
	}
	if h.ch.Diagnostics().SensorReset != 0 {
		t.Error("aborted power cycle must not count as a reset")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	h := newHarness(t, false)

	if err := h.ch.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := h.ch.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	c := h.data.Calls()
	if c.Close != 1 {
		t.Errorf("Close calls: got %d, want 1", c.Close)
	}
	if armed, _ := h.data.Watchdog(); armed {
		t.Error("watchdog should be disarmed")
	}

	if err := h.ch.Trigger(); !errors.Is(err, ErrClosed) {
		t.Errorf("Trigger after Shutdown: got %v, want ErrClosed", err)
	}

	// Events after shutdown are not delivered.
	h.data.Emit(gpio.Event{Edge: gpio.Timeout})
	time.Sleep(10 * time.Millisecond)
	if d := h.ch.Diagnostics(); d.MissingMessage != 0 {
		t.Errorf("event delivered after Shutdown: %+v", d)
	}
}

func TestConcurrentAccessors(t *testing.T) {
	h := newHarness(t, false)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r, ok := h.ch.Reading()
				if ok && (r.Humidity() != 31.2 || r.Temperature() != 19.6) {
					t.Errorf("torn reading: %+v", r)
					return
				}
				_ = h.ch.Staleness()
				_ = h.ch.Diagnostics()
			}
		}()
	}

	for i := 0; i < 20; i++ {
		h.trigger(t, frame(goodFrame))
	}
	waitFor(t, "reading", func() bool { _, ok := h.ch.Reading(); return ok })
	close(stop)
	wg.Wait()
}
