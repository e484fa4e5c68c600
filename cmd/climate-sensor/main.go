// Command climate-sensor samples DHT22 sensors on GPIO, averages the readings
// and writes records to CSV, SQLite, MQTT and ThingSpeak.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/climate-sensor/internal/acquire"
	"github.com/sweeney/climate-sensor/internal/config"
	"github.com/sweeney/climate-sensor/internal/dht"
	"github.com/sweeney/climate-sensor/internal/gpio"
	"github.com/sweeney/climate-sensor/internal/logging"
	"github.com/sweeney/climate-sensor/internal/mqtt"
	"github.com/sweeney/climate-sensor/internal/sensor"
	"github.com/sweeney/climate-sensor/internal/status"
	"github.com/sweeney/climate-sensor/internal/store"
	"github.com/sweeney/climate-sensor/internal/thingspeak"
	"github.com/sweeney/climate-sensor/internal/web"
)

var version = "dev"

const sinkTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		config.PrintUsage(os.Stderr, os.Getenv)
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg, version, "climate-sensor")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	chip, err := gpio.OpenChip(cfg.Chip, logger)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	channels, err := openChannels(chip, cfg.Sensors, logger)
	defer func() {
		for _, ch := range channels {
			if err := ch.Shutdown(); err != nil {
				logger.Warn("sensor shutdown", "sensor", ch.Name(), "error", err)
			}
		}
	}()
	if err != nil {
		return err
	}

	// Print reading mode
	if cfg.PrintReading {
		return printReadings(os.Stdout, channels, cfg.Settle)
	}

	sources := make([]acquire.Source, len(channels))
	states := make([]channelState, len(channels))
	for i, ch := range channels {
		sources[i] = ch
		states[i] = ch
	}
	sampler, err := acquire.NewSampler(sources, acquire.Config{
		Settle:       cfg.Settle,
		MaxStaleness: cfg.Interval,
		MeanCount:    cfg.MeanCount,
	}, acquire.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}

	var sinks []sink
	if cfg.CSVPath != "" {
		sinks = append(sinks, sink{name: "csv", w: store.NewCSV(cfg.CSVPath)})
	}

	var history web.History
	if cfg.SQLitePath != "" {
		db, err := store.OpenSQLite(context.Background(), store.SQLiteConfig{Path: cfg.SQLitePath})
		if err != nil {
			return fmt.Errorf("init sqlite: %w", err)
		}
		defer db.Close()
		sinks = append(sinks, sink{name: "sqlite", w: db})
		history = db
	}

	if cfg.ThingSpeakURL != "" {
		up, err := thingspeak.New(cfg.ThingSpeakURL, cfg.ThingSpeakKey, nil)
		if err != nil {
			return fmt.Errorf("init thingspeak: %w", err)
		}
		sinks = append(sinks, sink{name: "thingspeak", w: up})
	}

	// Initialize MQTT
	var publisher mqtt.Publisher = discardPublisher{}
	var mqttStatus mqtt.ConnectionStatus
	if cfg.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Config{
			Broker:  cfg.Broker,
			Station: cfg.Station,
		}, logger)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher, mqttStatus = p, p
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	names := make([]string, len(cfg.Sensors))
	for i, s := range cfg.Sensors {
		names[i] = s.String()
	}
	tracker := status.NewTracker(time.Now(), status.Config{
		Sensors:     names,
		IntervalMs:  cfg.Interval.Milliseconds(),
		MeanCount:   cfg.MeanCount,
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.Broker,
		Station:     cfg.Station,
		HTTPPort:    cfg.HTTPAddr,
		CSVPath:     cfg.CSVPath,
		SQLitePath:  cfg.SQLitePath,
		ThingSpeak:  cfg.ThingSpeakURL != "",
	})
	tracker.UpdateSensors(sensorStates(states))
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		logger.Warn("failed to publish startup event", "error", err)
	}

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, history, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("http status server listening", "addr", cfg.HTTPAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Records line up with wall-clock multiples of the record period.
	start := acquire.NextBoundary(time.Now(), cfg.Interval*time.Duration(cfg.MeanCount))
	logger.Info("started",
		"sensors", names,
		"interval", cfg.Interval,
		"mean", cfg.MeanCount,
		"first_sample", start.Format(time.RFC3339),
		"broker", cfg.Broker,
		"heartbeat", cfg.Heartbeat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tick := make(chan time.Time, 1)
	go alignedTicker(ctx, start, cfg.Interval, tick)

	return runLoop(sampler, states, sinks, publisher, mqttStatus, tracker, cfg.Heartbeat, logger, time.Now, tick, sigCh)
}

// openChannels opens one sensor channel per spec. On error the channels
// opened so far are returned so the caller can shut them down.
func openChannels(chip *gpio.Chip, specs []config.SensorSpec, logger *slog.Logger) ([]*sensor.Channel, error) {
	var channels []*sensor.Channel
	for _, spec := range specs {
		data, err := chip.DataLine(spec.Data)
		if err != nil {
			return channels, fmt.Errorf("sensor %s: %w", spec.Name, err)
		}
		lines := sensor.Lines{Data: data}
		if spec.LED != gpio.NoLine {
			led, err := chip.Output(spec.LED)
			if err != nil {
				data.Close()
				return channels, fmt.Errorf("sensor %s: %w", spec.Name, err)
			}
			lines.LED = led
		}
		if spec.Power != gpio.NoLine {
			power, err := chip.Output(spec.Power)
			if err != nil {
				data.Close()
				return channels, fmt.Errorf("sensor %s: %w", spec.Name, err)
			}
			lines.Power = power
		}

		ch, err := sensor.Open(spec.Name, lines, sensor.WithLogger(logger))
		if err != nil {
			data.Close()
			return channels, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// alignedTicker sends the first tick at start and then one every interval
// until ctx is done. Ticks the loop is not ready for are dropped.
func alignedTicker(ctx context.Context, start time.Time, interval time.Duration, out chan<- time.Time) {
	if err := acquire.Sleep(ctx, time.Until(start)); err != nil {
		return
	}
	send := func(t time.Time) {
		select {
		case out <- t:
		default:
		}
	}
	send(time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			send(t)
		}
	}
}

// channelState is the read side of a sensor channel.
type channelState interface {
	Name() string
	Reading() (dht.Reading, bool)
	Powered() bool
	MissingStreak() int
	Diagnostics() dht.Counters
}

// sink is a named record destination.
type sink struct {
	name string
	w    acquire.Sink
}

func runLoop(sampler *acquire.Sampler, channels []channelState, sinks []sink, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, logger *slog.Logger, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastHeartbeat := now()
	resets := make(map[string]int, len(channels))
	for _, ch := range channels {
		resets[ch.Name()] = ch.Diagnostics().SensorReset
	}

	for {
		select {
		case s := <-sig:
			logger.Info("shutting down", "signal", s.String())
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				tracker.UpdateSensors(sensorStates(channels))
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				logger.Warn("failed to publish shutdown event", "error", err)
			}
			return nil

		case <-tick:
			rec, ok, err := sampler.Sample(context.Background())
			if err != nil {
				logger.Error("sample", "error", err)
				continue
			}

			// A reset means the channel power cycled a silent sensor.
			for _, ch := range channels {
				n := ch.Diagnostics().SensorReset
				if n > resets[ch.Name()] {
					logger.Warn("sensor reset", "sensor", ch.Name(), "resets", n)
					event := mqtt.SystemEvent{
						Timestamp: now(),
						Event:     "SENSOR_RESET",
						Reason:    ch.Name(),
					}
					if err := publisher.PublishSystem(event); err != nil {
						logger.Warn("sensor reset publish error", "error", err)
					}
				}
				resets[ch.Name()] = n
			}

			if ok {
				writeRecord(rec, sinks, publisher, logger)
				if tracker != nil {
					tracker.RecordWritten(rec)
				}
			}

			// Update status tracker for HTTP consumers
			if tracker != nil {
				tracker.UpdateSensors(sensorStates(channels))
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
			}

			// Check for heartbeat
			t := now()
			if heartbeat > 0 && t.Sub(lastHeartbeat) >= heartbeat {
				lastHeartbeat = t
				hbEvent := mqtt.SystemEvent{
					Timestamp: t,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					snap := tracker.Snapshot()
					hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
					logger.Debug("heartbeat", "uptime", snap.Uptime().Round(time.Second), "records", snap.Records)
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					logger.Warn("heartbeat publish error", "error", err)
				}
			}
		}
	}
}

// writeRecord hands rec to every sink and the publisher. Failures are logged
// and do not stop the remaining writes.
func writeRecord(rec acquire.Record, sinks []sink, publisher mqtt.Publisher, logger *slog.Logger) {
	logger.Info("record", "timestamp", rec.Timestamp.Format(time.RFC3339), "sensors", len(rec.Sensors))
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := s.w.Write(ctx, rec)
		cancel()
		if err != nil {
			logger.Error("write record", "sink", s.name, "error", err)
		}
	}
	if err := publisher.Publish(rec); err != nil {
		logger.Warn("publish error", "error", err)
	}
}

func sensorStates(channels []channelState) []status.SensorState {
	out := make([]status.SensorState, len(channels))
	for i, ch := range channels {
		r, ok := ch.Reading()
		out[i] = status.SensorState{
			Name:          ch.Name(),
			Reading:       r,
			HasReading:    ok,
			Powered:       ch.Powered(),
			MissingStreak: ch.MissingStreak(),
			Counters:      ch.Diagnostics(),
		}
	}
	return out
}

// printReadings triggers every channel until it reports a reading or the
// attempts run out, then prints one line per sensor.
func printReadings(w io.Writer, channels []*sensor.Channel, settle time.Duration) error {
	const attempts = 3
	for _, ch := range channels {
		var (
			r  dht.Reading
			ok bool
		)
		for i := 0; i < attempts && !ok; i++ {
			if i > 0 {
				time.Sleep(sensor.MinInterval)
			}
			if err := ch.Trigger(); err != nil {
				if errors.Is(err, sensor.ErrUnpowered) {
					continue
				}
				return fmt.Errorf("trigger %s: %w", ch.Name(), err)
			}
			time.Sleep(settle)
			r, ok = ch.Reading()
		}
		if !ok {
			d := ch.Diagnostics()
			fmt.Fprintf(w, "%s: no reading (missing=%d short=%d bad_checksum=%d)\n",
				ch.Name(), d.MissingMessage, d.ShortMessage, d.BadChecksum)
			continue
		}
		fmt.Fprintf(w, "%s: humidity=%.1f%% temperature=%.1fC\n", ch.Name(), r.Humidity(), r.Temperature())
	}
	return nil
}

// discardPublisher stands in when no broker is configured.
type discardPublisher struct{}

func (discardPublisher) Publish(acquire.Record) error         { return nil }
func (discardPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }
func (discardPublisher) Close() error                         { return nil }
