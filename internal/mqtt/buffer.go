package mqtt

import "log/slog"

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages while the broker is unreachable.
//
// Non-retained messages queue in a fixed-capacity ring; when it is full the
// oldest is overwritten. A retained message supersedes any earlier retained
// message on the same topic, since the broker would only keep the last one.
// Not safe for concurrent use; the caller must synchronize.
type outbox struct {
	ring     []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	dropped  int // overwritten since the last drain

	retained []bufferedMsg // one per topic, oldest update first

	logger *slog.Logger
}

func newOutbox(capacity int, logger *slog.Logger) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &outbox{
		ring:     make([]bufferedMsg, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

func (o *outbox) push(msg bufferedMsg) {
	if msg.retained {
		for i, m := range o.retained {
			if m.topic == msg.topic {
				o.retained = append(o.retained[:i], o.retained[i+1:]...)
				break
			}
		}
		o.retained = append(o.retained, msg)
		return
	}

	if o.count == o.capacity {
		if o.dropped == 0 {
			o.logger.Warn("mqtt outbox full, dropping oldest", "capacity", o.capacity)
		}
		o.dropped++
		o.ring[o.head] = msg
		o.head = (o.head + 1) % o.capacity
		return
	}
	o.ring[o.head] = msg
	o.head = (o.head + 1) % o.capacity
	o.count++
}

// drainAll empties the outbox. Queued messages come first, oldest first,
// followed by the retained messages.
func (o *outbox) drainAll() []bufferedMsg {
	n := o.len()
	if n == 0 {
		return nil
	}

	result := make([]bufferedMsg, 0, n)
	start := (o.head - o.count + o.capacity) % o.capacity
	for i := 0; i < o.count; i++ {
		result = append(result, o.ring[(start+i)%o.capacity])
	}
	result = append(result, o.retained...)

	if o.dropped > 0 {
		o.logger.Warn("mqtt outbox drained after overflow", "dropped", o.dropped)
	}
	o.count = 0
	o.head = 0
	o.dropped = 0
	o.retained = nil
	return result
}

func (o *outbox) len() int {
	return o.count + len(o.retained)
}
