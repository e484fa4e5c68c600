package dht

import "time"

// Frame is one assembled 40-bit transmission.
type Frame struct {
	HumidityHigh byte
	HumidityLow  byte
	TempHigh     byte
	TempLow      byte
	Checksum     byte
	// Poisoned is set when any pulse of the frame was out of band.
	Poisoned bool
}

// NewFrame builds an unpoisoned frame from its five raw bytes.
func NewFrame(b [5]byte) Frame {
	return Frame{
		HumidityHigh: b[0],
		HumidityLow:  b[1],
		TempHigh:     b[2],
		TempLow:      b[3],
		Checksum:     b[4],
	}
}

// Sum returns the low byte of the sum of the four payload bytes.
func (f Frame) Sum() byte {
	return f.HumidityHigh + f.HumidityLow + f.TempHigh + f.TempLow
}

// Valid reports whether the checksum matches and no pulse poisoned the frame.
func (f Frame) Valid() bool {
	return !f.Poisoned && f.Sum() == f.Checksum
}

// Measurement converts the payload into a Reading stamped with now.
// It does not check Valid.
func (f Frame) Measurement(now time.Time) Reading {
	rh := uint16(f.HumidityHigh)<<8 | uint16(f.HumidityLow)

	// Bit 7 of the high byte is the sign; the rest is the magnitude.
	mag := int16(uint16(f.TempHigh&0x7F)<<8 | uint16(f.TempLow))
	if f.TempHigh&0x80 != 0 {
		mag = -mag
	}

	return Reading{
		HumidityTenths:    rh,
		TemperatureTenths: mag,
		ValidSince:        now,
	}
}
