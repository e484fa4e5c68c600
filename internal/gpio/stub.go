//go:build !linux

package gpio

import (
	"errors"
	"log/slog"
	"time"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// Chip is not available on non-Linux platforms.
type Chip struct{}

// OpenChip returns an error on non-Linux platforms.
func OpenChip(name string, logger *slog.Logger) (*Chip, error) {
	return nil, errUnsupported
}

// Output is not implemented on non-Linux platforms.
func (c *Chip) Output(offset int) (*RealOutput, error) { return nil, errUnsupported }

// DataLine is not implemented on non-Linux platforms.
func (c *Chip) DataLine(offset int) (*RealDataLine, error) { return nil, errUnsupported }

// Close is not implemented on non-Linux platforms.
func (c *Chip) Close() error { return nil }

// RealOutput is not available on non-Linux platforms.
type RealOutput struct{}

// Set is not implemented on non-Linux platforms.
func (o *RealOutput) Set(high bool) error { return errUnsupported }

// RealDataLine is not available on non-Linux platforms.
type RealDataLine struct{}

func (d *RealDataLine) Events() <-chan Event      { return nil }
func (d *RealDataLine) Drops() uint32             { return 0 }
func (d *RealDataLine) DriveLow() error           { return errUnsupported }
func (d *RealDataLine) Listen() error             { return errUnsupported }
func (d *RealDataLine) ArmWatchdog(time.Duration) {}
func (d *RealDataLine) DisarmWatchdog()           {}
func (d *RealDataLine) Close() error              { return nil }
