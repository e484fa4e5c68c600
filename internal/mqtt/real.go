package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/climate-sensor/internal/acquire"
)

// Config selects the broker and topics.
type Config struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Station  string
	// BufferSize is the number of messages kept while disconnected.
	BufferSize int
}

// DefaultBufferSize holds a day of ten-minute records.
const DefaultBufferSize = 144

const publishTimeout = 5 * time.Second

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("mqtt: publisher closed")

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed, oldest first, when it
// comes back.
type RealPublisher struct {
	client paho.Client
	logger *slog.Logger
	now    func() time.Time

	readingsTopic string
	systemTopic   string

	mu            sync.Mutex
	buffer        *outbox
	everConnected bool
	closed        bool
}

// NewRealPublisher creates a publisher and connects to cfg.Broker. The
// broker's last will marks the station offline if the process dies.
func NewRealPublisher(cfg Config, logger *slog.Logger) (*RealPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: no broker")
	}
	if cfg.Station == "" {
		cfg.Station = DefaultStation
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "climate-sensor-" + cfg.Station
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	p := newPublisher(cfg.Station, cfg.BufferSize, logger)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(60*time.Second).
		SetKeepAlive(30*time.Second).
		SetBinaryWill(p.systemTopic, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.logger.Warn("mqtt connection lost", "error", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

func newPublisher(station string, bufferSize int, logger *slog.Logger) *RealPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealPublisher{
		logger:        logger,
		now:           time.Now,
		readingsTopic: ReadingsTopic(station),
		systemTopic:   SystemTopic(station),
		buffer:        newOutbox(bufferSize, logger),
	}
}

// Publish sends a record to the readings topic.
func (p *RealPublisher) Publish(rec acquire.Record) error {
	payload, err := FormatPayload(rec)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: records are worth replaying.
	return p.send(bufferedMsg{topic: p.readingsTopic, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the system topic.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(bufferedMsg{topic: p.systemTopic, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

// Buffered returns the number of messages waiting for a reconnect.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker. Buffered messages are dropped.
func (p *RealPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if n := p.buffer.len(); n > 0 {
		p.logger.Warn("mqtt closing with buffered messages", "count", n)
	}
	p.mu.Unlock()

	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

// send publishes msg, or buffers it if the connection is down or the publish
// fails.
func (p *RealPublisher) send(msg bufferedMsg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	if !p.client.IsConnected() {
		p.buffer.push(msg)
		p.logger.Debug("mqtt offline, buffered", "topic", msg.topic, "buffered", p.buffer.len())
		return nil
	}

	if err := p.publish(msg); err != nil {
		p.buffer.push(msg)
		return err
	}
	return nil
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// onConnect replays the buffer and, on reconnects, announces RECONNECTED.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	reconnect := p.everConnected
	p.everConnected = true
	p.logger.Info("mqtt connected", "reconnect", reconnect, "buffered", p.buffer.len())

	if reconnect {
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err == nil {
			if err := p.publish(bufferedMsg{topic: p.systemTopic, payload: payload, qos: 1}); err != nil {
				p.logger.Warn("mqtt reconnect announcement failed", "error", err)
			}
		}
	}

	pending := p.buffer.drainAll()
	for i, msg := range pending {
		if err := p.publish(msg); err != nil {
			p.logger.Warn("mqtt replay failed, rebuffering", "error", err, "remaining", len(pending)-i)
			for _, rest := range pending[i:] {
				p.buffer.push(rest)
			}
			return
		}
	}
	if len(pending) > 0 {
		p.logger.Info("mqtt replayed buffered messages", "count", len(pending))
	}
}
