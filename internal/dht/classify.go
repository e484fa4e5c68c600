package dht

// Outcome is the classification of a watchdog expiry.
type Outcome int

const (
	// OutcomeMissing means too few bits arrived to call it a message.
	OutcomeMissing Outcome = iota
	// OutcomeShort means a partial frame arrived.
	OutcomeShort
	// OutcomeComplete means the whole frame had already arrived.
	OutcomeComplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMissing:
		return "MISSING"
	case OutcomeShort:
		return "SHORT"
	case OutcomeComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// ClassifyTimeout interprets a watchdog expiry given the assembler's bit index.
func ClassifyTimeout(bitIndex int) Outcome {
	switch {
	case bitIndex < 8:
		return OutcomeMissing
	case bitIndex < lastBit:
		return OutcomeShort
	default:
		return OutcomeComplete
	}
}
