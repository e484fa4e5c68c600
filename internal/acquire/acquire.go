// Package acquire samples the sensor channels on a fixed interval and averages
// each sensor over a window of samples.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/climate-sensor/internal/dht"
	"github.com/sweeney/climate-sensor/internal/sensor"
)

// Source is one sensor the sampler triggers and reads. *sensor.Channel
// satisfies it.
type Source interface {
	Name() string
	Trigger() error
	Reading() (dht.Reading, bool)
}

// Mean is the average of one sensor over a window. Humidity and Temperature
// are nil when no valid sample was taken in the window.
type Mean struct {
	Name        string
	Humidity    *float64
	Temperature *float64
	Samples     int
}

// Record is one averaged window for every sensor, in source order.
type Record struct {
	Timestamp time.Time
	Sensors   []Mean
}

// Sink receives completed records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Config holds the sampler settings.
type Config struct {
	// Settle is the wait between triggering a sensor and reading it.
	Settle time.Duration
	// MaxStaleness is the oldest reading still counted as a sample.
	MaxStaleness time.Duration
	// MeanCount is the number of samples averaged into one record.
	MeanCount int
}

// Defaults.
const (
	DefaultSettle    = 200 * time.Millisecond
	DefaultMeanCount = 10
)

type window struct {
	humidity    float64
	temperature float64
	samples     int
}

// Sampler triggers every source once per Sample call and emits a Record every
// MeanCount samples. It is not safe for concurrent use.
type Sampler struct {
	sources []Source
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	sums  []window
	taken int
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) { s.logger = l }
}

// WithClock sets the clock used for staleness and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// WithSleep replaces the settle wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sampler) { s.sleep = sleep }
}

// NewSampler creates a Sampler over sources.
func NewSampler(sources []Source, cfg Config, opts ...Option) (*Sampler, error) {
	if len(sources) == 0 {
		return nil, errors.New("acquire: no sources")
	}
	if cfg.MeanCount < 1 {
		return nil, fmt.Errorf("acquire: mean count %d must be at least 1", cfg.MeanCount)
	}
	if cfg.Settle < 0 {
		return nil, fmt.Errorf("acquire: negative settle %v", cfg.Settle)
	}

	s := &Sampler{
		sources: sources,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   Sleep,
		sums:    make([]window, len(sources)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sample triggers and reads every source once. When the window is full it
// returns the averaged Record and starts a new window.
// Returns ctx.Err() if the context is cancelled mid-sample; the partial
// sample is discarded.
func (s *Sampler) Sample(ctx context.Context) (Record, bool, error) {
	for i, src := range s.sources {
		if err := src.Trigger(); err != nil {
			if errors.Is(err, sensor.ErrUnpowered) {
				s.logger.Info("sensor power cycling, using last reading", "sensor", src.Name())
			} else {
				s.logger.Warn("trigger failed", "sensor", src.Name(), "error", err)
			}
		}

		if err := s.sleep(ctx, s.cfg.Settle); err != nil {
			return Record{}, false, err
		}

		r, ok := src.Reading()
		if !ok {
			continue
		}
		if s.cfg.MaxStaleness > 0 && s.now().Sub(r.ValidSince) > s.cfg.MaxStaleness {
			s.logger.Debug("reading too old", "sensor", src.Name(), "valid_since", r.ValidSince)
			continue
		}
		s.sums[i].humidity += r.Humidity()
		s.sums[i].temperature += r.Temperature()
		s.sums[i].samples++
	}

	s.taken++
	if s.taken < s.cfg.MeanCount {
		return Record{}, false, nil
	}

	rec := s.flush()
	return rec, true, nil
}

// Pending returns the number of samples taken in the current window.
func (s *Sampler) Pending() int {
	return s.taken
}

func (s *Sampler) flush() Record {
	rec := Record{
		Timestamp: s.now().Truncate(time.Minute),
		Sensors:   make([]Mean, len(s.sources)),
	}
	for i, src := range s.sources {
		w := s.sums[i]
		m := Mean{Name: src.Name(), Samples: w.samples}
		if w.samples > 0 {
			h := w.humidity / float64(w.samples)
			t := w.temperature / float64(w.samples)
			m.Humidity = &h
			m.Temperature = &t
		}
		rec.Sensors[i] = m
	}

	s.sums = make([]window, len(s.sources))
	s.taken = 0
	return rec
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextBoundary returns the first instant at or after now that is a whole
// multiple of period since the Unix epoch.
func NextBoundary(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	ns := now.UnixNano()
	rem := ns % int64(period)
	if rem == 0 {
		return now
	}
	return time.Unix(0, ns-rem+int64(period)).In(now.Location())
}
