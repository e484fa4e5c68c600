//go:build linux

package gpio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"

	"github.com/sweeney/climate-sensor/internal/dht"
)

const consumer = "climate-sensor"

// eventBuffer holds a full frame's edges (84) with room to spare.
const eventBuffer = 256

// Chip owns a GPIO chip and the lines requested from it.
// Output lines are pooled by offset so several sensors can share one.
type Chip struct {
	chip   *gpiocdev.Chip
	logger *slog.Logger

	mu      sync.Mutex
	outputs map[int]*RealOutput
}

// OpenChip opens the named chip, e.g. "gpiochip0".
func OpenChip(name string, logger *slog.Logger) (*Chip, error) {
	chip, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", name, err)
	}
	return &Chip{
		chip:    chip,
		logger:  logger,
		outputs: map[int]*RealOutput{},
	}, nil
}

// Output returns the output line at offset, requesting it low on first use.
func (c *Chip) Output(offset int) (*RealOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if out, ok := c.outputs[offset]; ok {
		return out, nil
	}
	line, err := c.chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request output pin %d: %w", offset, err)
	}
	out := &RealOutput{line: line}
	c.outputs[offset] = out
	return out, nil
}

// DataLine requests offset as a sensor data line with both edges reported.
func (c *Chip) DataLine(offset int) (*RealDataLine, error) {
	d := &RealDataLine{
		offset: offset,
		events: make(chan Event, eventBuffer),
		logger: c.logger.With("pin", offset),
	}

	// No pull: the sensor module carries its own pull-up.
	line, err := c.chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithBiasDisabled,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(d.handle))
	if err != nil {
		return nil, fmt.Errorf("request data pin %d: %w", offset, err)
	}
	d.line = line
	return d, nil
}

// Close releases every pooled output line and the chip.
// Data lines are closed by their owners.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for offset, out := range c.outputs {
		if err := out.line.Reconfigure(gpiocdev.AsInput); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", offset, err))
		}
		if err := out.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", offset, err))
		}
	}
	c.outputs = map[int]*RealOutput{}

	if err := c.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealOutput drives a requested output line.
type RealOutput struct {
	line *gpiocdev.Line
}

// Set drives the line high or low.
func (o *RealOutput) Set(high bool) error {
	v := 0
	if high {
		v = 1
	}
	return o.line.SetValue(v)
}

// RealDataLine is a data line backed by the GPIO character device.
type RealDataLine struct {
	offset int
	line   *gpiocdev.Line
	events chan Event
	logger *slog.Logger

	mu       sync.Mutex
	window   time.Duration
	watchdog *time.Timer
	gen      uint64 // identifies the current watchdog timer
	closed   bool

	drops atomic.Uint32
}

// Events implements DataLine.
func (d *RealDataLine) Events() <-chan Event { return d.events }

// Drops returns how many events were lost because the queue was full.
func (d *RealDataLine) Drops() uint32 { return d.drops.Load() }

// handle runs on gpiocdev's watcher goroutine; it must not block.
func (d *RealDataLine) handle(evt gpiocdev.LineEvent) {
	edge := Falling
	if evt.Type == gpiocdev.LineEventRisingEdge {
		edge = Rising
	}
	d.kickWatchdog()
	d.push(Event{Edge: edge, Tick: durationTick(evt.Timestamp)})
}

func (d *RealDataLine) push(ev Event) {
	select {
	case d.events <- ev:
	default:
		if d.drops.Add(1) == 1 {
			d.logger.Warn("gpio: event queue full, dropping events")
		}
	}
}

// DriveLow implements DataLine.
// Edge detection must be off while the line is an output.
func (d *RealDataLine) DriveLow() error {
	if err := d.line.Reconfigure(gpiocdev.AsOutput(0), gpiocdev.WithoutEdges); err != nil {
		return fmt.Errorf("drive pin %d low: %w", d.offset, err)
	}
	return nil
}

// Listen implements DataLine.
//
// The release edge is not reported because edge detection is still off when the
// pull-up raises the line, yet it is what starts a frame. It is queued here,
// stamped in the kernel's event timebase, before any sensor edge can follow.
func (d *RealDataLine) Listen() error {
	tick, err := monotonicTick()
	if err != nil {
		return fmt.Errorf("read monotonic clock: %w", err)
	}
	d.push(Event{Edge: Rising, Tick: tick})

	if err := d.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithBothEdges); err != nil {
		return fmt.Errorf("release pin %d: %w", d.offset, err)
	}
	return nil
}

// ArmWatchdog implements DataLine.
func (d *RealDataLine) ArmWatchdog(window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.stopWatchdogLocked()
	d.window = window
	gen := d.gen
	d.watchdog = time.AfterFunc(window, func() { d.expire(gen) })
}

// DisarmWatchdog implements DataLine.
func (d *RealDataLine) DisarmWatchdog() {
	d.mu.Lock()
	d.stopWatchdogLocked()
	d.mu.Unlock()
}

func (d *RealDataLine) kickWatchdog() {
	d.mu.Lock()
	if d.watchdog != nil {
		d.watchdog.Reset(d.window)
	}
	d.mu.Unlock()
}

// expire ignores timers that were stopped or replaced after firing.
func (d *RealDataLine) expire(gen uint64) {
	d.mu.Lock()
	armed := d.watchdog != nil && d.gen == gen && !d.closed
	d.mu.Unlock()
	if armed {
		d.push(Event{Edge: Timeout})
	}
}

func (d *RealDataLine) stopWatchdogLocked() {
	if d.watchdog != nil {
		d.watchdog.Stop()
		d.watchdog = nil
	}
	d.gen++
}

// Close implements DataLine. Reconfigures the pin as a plain input, matching
// boot defaults, before releasing it.
func (d *RealDataLine) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.stopWatchdogLocked()
	d.mu.Unlock()

	var errs []error
	if err := d.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithoutEdges); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", d.offset, err))
	}
	if err := d.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pin %d: %w", d.offset, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// durationTick truncates a CLOCK_MONOTONIC reading to a wrapping microsecond tick.
func durationTick(ts time.Duration) dht.Tick {
	return dht.Tick(uint64(ts / time.Microsecond))
}

func monotonicTick() (dht.Tick, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return durationTick(time.Duration(ts.Nano())), nil
}
