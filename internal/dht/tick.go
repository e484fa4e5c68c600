package dht

// Tick is a timestamp from a free-running 32-bit microsecond counter that
// wraps roughly every 71.6 minutes.
type Tick uint32

// Elapsed returns the forward distance from one tick to a later one.
// A single wrap of the counter between from and to is handled.
func Elapsed(from, to Tick) Tick {
	return to - from
}
