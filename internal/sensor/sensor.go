// Package sensor provides the channel facade for one DHT22 sensor: it owns the
// decoder state for a data line, turns edges and watchdog expiries into readings
// and diagnostics, and power cycles the sensor when it stops answering.
package sensor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/climate-sensor/internal/dht"
	"github.com/sweeney/climate-sensor/internal/gpio"
)

var (
	// ErrUnpowered is returned by Trigger while a power cycle is in progress.
	// Nothing is driven on the data line.
	ErrUnpowered = errors.New("sensor: not powered")

	// ErrClosed is returned by Trigger after Shutdown.
	ErrClosed = errors.New("sensor: closed")
)

// Unset is returned by Humidity and Temperature before the first valid frame.
const Unset = -999

// StalenessUnknown is returned by Staleness before the first valid frame.
const StalenessUnknown time.Duration = -1

// Protocol timing.
const (
	TriggerPulse   = 17 * time.Millisecond
	WatchdogWindow = 200 * time.Millisecond
	SettleDelay    = 2 * time.Second

	// MinInterval is the shortest safe spacing between triggers. Triggering
	// faster eventually hangs the sensor. It is not enforced here.
	MinInterval = 2 * time.Second
)

// Lines are the GPIO lines a channel drives. LED and Power are optional.
type Lines struct {
	Data  gpio.DataLine
	LED   gpio.Output
	Power gpio.Output
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithClock sets the wall clock used to stamp readings.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithAfter sets the timer used for the trigger pulse and settling delays.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Channel) { c.after = after }
}

// Channel is one sensor instance.
//
// Edge and timeout events are consumed by a single goroutine that owns the
// assembler and the recovery streak. Accessors may be called from any goroutine.
type Channel struct {
	name   string
	lines  Lines
	logger *slog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	// Owned by the run goroutine.
	asm *dht.Assembler
	rec *dht.Recovery

	reading    atomic.Pointer[dht.Reading]
	streak     atomic.Int32
	powered    atomic.Bool
	recovering atomic.Bool

	mu       sync.Mutex
	counters dht.Counters

	done     chan struct{}
	stopped  chan struct{}
	cycles   sync.WaitGroup
	shutdown sync.Once
}

// Open powers the sensor (waiting SettleDelay when a power line is given) and
// starts decoding events from lines.Data.
func Open(name string, lines Lines, opts ...Option) (*Channel, error) {
	if lines.Data == nil {
		return nil, fmt.Errorf("sensor %s: no data line", name)
	}

	c := &Channel{
		name:    name,
		lines:   lines,
		logger:  slog.Default(),
		now:     time.Now,
		after:   time.After,
		asm:     dht.NewAssembler(),
		rec:     dht.NewRecovery(dht.MaxNoResponse),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("sensor", name)

	if lines.Power != nil {
		if err := lines.Power.Set(true); err != nil {
			return nil, fmt.Errorf("sensor %s: power on: %w", name, err)
		}
		<-c.after(SettleDelay)
	}
	c.powered.Store(true)

	lines.Data.DisarmWatchdog()
	go c.run()

	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Trigger starts a new measurement: the LED is lit, the data line is held low
// for TriggerPulse, released, and the watchdog armed for WatchdogWindow.
// Returns ErrUnpowered without touching any line while the sensor is off.
func (c *Channel) Trigger() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.powered.Load() {
		return ErrUnpowered
	}

	if c.lines.LED != nil {
		if err := c.lines.LED.Set(true); err != nil {
			return fmt.Errorf("led on: %w", err)
		}
	}
	if err := c.lines.Data.DriveLow(); err != nil {
		return fmt.Errorf("start pulse: %w", err)
	}
	<-c.after(TriggerPulse)
	if err := c.lines.Data.Listen(); err != nil {
		return fmt.Errorf("release line: %w", err)
	}
	c.lines.Data.ArmWatchdog(WatchdogWindow)
	return nil
}

// Reading returns the last valid reading, if any.
func (c *Channel) Reading() (dht.Reading, bool) {
	r := c.reading.Load()
	if r == nil {
		return dht.Reading{}, false
	}
	return *r, true
}

// Humidity returns the last valid relative humidity, or Unset.
func (c *Channel) Humidity() float64 {
	if r, ok := c.Reading(); ok {
		return r.Humidity()
	}
	return Unset
}

// Temperature returns the last valid temperature, or Unset.
func (c *Channel) Temperature() float64 {
	if r, ok := c.Reading(); ok {
		return r.Temperature()
	}
	return Unset
}

// Staleness returns the time since the last valid reading, or StalenessUnknown.
func (c *Channel) Staleness() time.Duration {
	r, ok := c.Reading()
	if !ok {
		return StalenessUnknown
	}
	return c.now().Sub(r.ValidSince)
}

// Diagnostics returns a copy of the error counters, including the events the
// data line dropped.
func (c *Channel) Diagnostics() dht.Counters {
	c.mu.Lock()
	d := c.counters
	c.mu.Unlock()
	d.DroppedEdges = int(c.lines.Data.Drops())
	return d
}

// MissingStreak returns the current run of consecutive missing messages.
func (c *Channel) MissingStreak() int {
	return int(c.streak.Load())
}

// Powered reports whether the sensor is powered. It is false only during a
// power cycle.
func (c *Channel) Powered() bool {
	return c.powered.Load()
}

// Shutdown stops event delivery, waits for any power cycle to abort, disarms
// the watchdog and closes the data line. Calling it again is a no-op.
func (c *Channel) Shutdown() error {
	var err error
	c.shutdown.Do(func() {
		close(c.done)
		<-c.stopped
		c.cycles.Wait()

		c.lines.Data.DisarmWatchdog()
		if cerr := c.lines.Data.Close(); cerr != nil {
			err = fmt.Errorf("sensor %s: close data line: %w", c.name, cerr)
		}
		c.logger.Debug("channel shut down")
	})
	return err
}

func (c *Channel) run() {
	defer close(c.stopped)
	events := c.lines.Data.Events()
	for {
		select {
		case <-c.done:
			return
		case ev := <-events:
			c.handle(ev)
		}
	}
}

func (c *Channel) handle(ev gpio.Event) {
	switch ev.Edge {
	case gpio.Rising:
		c.asm.Rising(ev.Tick)
	case gpio.Falling:
		if f, ok := c.asm.Falling(ev.Tick); ok {
			c.complete(f)
		}
	case gpio.Timeout:
		c.timeout()
	}
}

// complete handles the 40th bit. A full frame proves the sensor is alive
// whatever its checksum says.
func (c *Channel) complete(f dht.Frame) {
	c.lines.Data.DisarmWatchdog()
	c.rec.Received()
	c.streak.Store(0)

	if !f.Valid() {
		c.bump(func(n *dht.Counters) { n.BadChecksum++ })
		c.logger.Debug("bad checksum",
			"sum", f.Sum(), "checksum", f.Checksum, "poisoned", f.Poisoned)
		return
	}

	r := f.Measurement(c.now())
	c.reading.Store(&r)
	c.logger.Debug("reading", "humidity", r.Humidity(), "temperature", r.Temperature())

	if c.lines.LED != nil {
		if err := c.lines.LED.Set(false); err != nil {
			c.logger.Warn("led off failed", "error", err)
		}
	}
}

func (c *Channel) timeout() {
	c.lines.Data.DisarmWatchdog()

	bit := c.asm.BitIndex()
	outcome := dht.ClassifyTimeout(bit)
	switch outcome {
	case dht.OutcomeMissing:
		c.bump(func(n *dht.Counters) { n.MissingMessage++ })
	case dht.OutcomeShort:
		c.bump(func(n *dht.Counters) { n.ShortMessage++ })
	}

	cycle := c.rec.Observe(outcome)
	c.streak.Store(int32(c.rec.Consecutive()))
	c.logger.Debug("watchdog expired", "outcome", outcome, "bit", bit, "streak", c.rec.Consecutive())

	if cycle {
		c.startPowerCycle()
	}
}

// startPowerCycle runs the power cycle off the event goroutine so edges keep
// flowing during the settling delays.
func (c *Channel) startPowerCycle() {
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}
	c.cycles.Add(1)
	go func() {
		defer c.cycles.Done()
		defer c.recovering.Store(false)
		c.powerCycle()
	}()
}

func (c *Channel) powerCycle() {
	if c.lines.Power == nil {
		c.bump(func(n *dht.Counters) { n.SensorReset++ })
		c.logger.Warn("sensor unresponsive, no power line to cycle")
		return
	}

	c.logger.Warn("sensor unresponsive, power cycling")
	c.powered.Store(false)
	if err := c.lines.Power.Set(false); err != nil {
		c.logger.Error("power off failed", "error", err)
	}
	if !c.settle() {
		return
	}
	if err := c.lines.Power.Set(true); err != nil {
		c.logger.Error("power on failed", "error", err)
	}
	if !c.settle() {
		return
	}
	c.powered.Store(true)
	c.bump(func(n *dht.Counters) { n.SensorReset++ })
	c.logger.Info("sensor power cycled")
}

// settle waits SettleDelay. Returns false if the channel shut down meanwhile.
func (c *Channel) settle() bool {
	select {
	case <-c.after(SettleDelay):
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) bump(f func(*dht.Counters)) {
	c.mu.Lock()
	f(&c.counters)
	c.mu.Unlock()
}
