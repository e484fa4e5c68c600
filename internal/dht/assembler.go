package dht

// Assembler is the per-channel frame state machine.
// It is not safe for concurrent use; one goroutine must own it.
type Assembler struct {
	bit        int
	lastRising Tick
	bytes      [5]byte
	poisoned   bool
}

// NewAssembler returns an idle assembler. It stays idle until a rising edge
// arrives more than FrameGap after the previous one.
func NewAssembler() *Assembler {
	return &Assembler{bit: FrameBits}
}

// BitIndex returns the index of the next bit to be received.
// Negative values are header bits, FrameBits and above means idle.
func (a *Assembler) BitIndex() int {
	return a.bit
}

// Rising records a rising edge.
func (a *Assembler) Rising(t Tick) {
	if Elapsed(a.lastRising, t) > FrameGap {
		a.bit = PreambleIndex
		a.bytes = [5]byte{}
		a.poisoned = false
	}
	a.lastRising = t
}

// Falling records a falling edge, decoding the high pulse that just ended.
// Header pulses only advance the index; the first one is measured from the
// release edge, whose stamp may precede the actual release.
// When the last checksum bit arrives the assembled frame is returned with ok=true.
func (a *Assembler) Falling(t Tick) (f Frame, ok bool) {
	if a.bit >= 0 && a.bit < FrameBits {
		bit, bad := ClassifyPulse(Elapsed(a.lastRising, t))
		if bad {
			a.poisoned = true
		}
		n := a.bit / 8
		a.bytes[n] = a.bytes[n]<<1 | bit
		if a.bit == lastBit {
			f = NewFrame(a.bytes)
			f.Poisoned = a.poisoned
			ok = true
		}
	}

	a.bit++
	return f, ok
}

// ClassifyPulse decodes the width of a high pulse. Pulses of BadWidth or more decode
// as 1 but report bad so the enclosing frame fails validation.
func ClassifyPulse(width Tick) (bit byte, bad bool) {
	switch {
	case width < OneWidth:
		return 0, false
	case width < BadWidth:
		return 1, false
	default:
		return 1, true
	}
}
