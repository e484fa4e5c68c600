package dht

// Recovery counts consecutive missing messages and decides when the sensor
// should be power cycled.
type Recovery struct {
	max         int
	consecutive int
}

// NewRecovery returns a Recovery that fires after more than max consecutive misses.
func NewRecovery(max int) *Recovery {
	return &Recovery{max: max}
}

// Consecutive returns the current missing-message streak.
func (r *Recovery) Consecutive() int {
	return r.consecutive
}

// Received resets the streak. Any short or complete frame proves the sensor is alive.
func (r *Recovery) Received() {
	r.consecutive = 0
}

// Observe feeds a timeout outcome and reports whether a power cycle is due.
// When it is, the streak is reset.
func (r *Recovery) Observe(o Outcome) bool {
	if o != OutcomeMissing {
		r.consecutive = 0
		return false
	}
	r.consecutive++
	if r.consecutive > r.max {
		r.consecutive = 0
		return true
	}
	return false
}
