// Package config loads daemon settings from command-line flags, with defaults
// taken from the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/climate-sensor/internal/acquire"
	"github.com/sweeney/climate-sensor/internal/gpio"
	"github.com/sweeney/climate-sensor/internal/sensor"
)

// SensorSpec wires one sensor to GPIO line offsets. LED and Power are
// gpio.NoLine when not connected.
type SensorSpec struct {
	Name  string
	Data  int
	LED   int
	Power int
}

// String renders the spec in flag form.
func (s SensorSpec) String() string {
	out := fmt.Sprintf("%s:%d", s.Name, s.Data)
	if s.LED != gpio.NoLine || s.Power != gpio.NoLine {
		out += ":" + lineString(s.LED)
	}
	if s.Power != gpio.NoLine {
		out += ":" + lineString(s.Power)
	}
	return out
}

func lineString(n int) string {
	if n == gpio.NoLine {
		return "-"
	}
	return strconv.Itoa(n)
}

// Config is the daemon configuration.
type Config struct {
	AppEnv   string
	LogLevel slog.Level

	Chip    string
	Sensors []SensorSpec

	Interval  time.Duration
	MeanCount int
	Settle    time.Duration

	CSVPath    string
	SQLitePath string

	Broker    string
	Station   string
	Heartbeat time.Duration

	HTTPAddr string

	ThingSpeakURL string
	ThingSpeakKey string

	// PrintReading triggers every sensor once, prints the result and exits.
	PrintReading bool
}

// Defaults.
const (
	DefaultChip     = "gpiochip0"
	DefaultSensors  = "s1:2:16:8"
	DefaultInterval = 60 * time.Second
	DefaultHTTPAddr = ":8080"
)

// Load parses args (without the program name). Flags not given fall back to
// the environment variable named in their usage, then to the built-in default.
func Load(args []string, getenv func(string) string) (Config, error) {
	return load(args, getenv, io.Discard)
}

// PrintUsage writes the flag help, with defaults resolved from getenv, to w.
func PrintUsage(w io.Writer, getenv func(string) string) {
	_, _ = load([]string{"-h"}, getenv, w)
}

func load(args []string, getenv func(string) string, out io.Writer) (Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{}

	appEnv := env("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}
	cfg.AppEnv = appEnv

	level, err := parseLogLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	interval, err := envDuration(getenv, "INTERVAL", DefaultInterval)
	if err != nil {
		return Config{}, err
	}
	meanCount, err := envInt(getenv, "MEAN_COUNT", acquire.DefaultMeanCount)
	if err != nil {
		return Config{}, err
	}
	heartbeat, err := envDuration(getenv, "HEARTBEAT", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	defaultSensors, err := parseSensorList(env("SENSORS", DefaultSensors))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENSORS: %w", err)
	}

	fs := flag.NewFlagSet("climate-sensor", flag.ContinueOnError)
	fs.SetOutput(out)

	var sensors sensorFlag
	fs.StringVar(&cfg.Chip, "chip", env("GPIO_CHIP", DefaultChip), "GPIO chip (GPIO_CHIP)")
	fs.Var(&sensors, "sensor", "Sensor as name:data[:led[:power]], repeatable; '-' for no line (SENSORS, comma separated)")
	fs.DurationVar(&cfg.Interval, "interval", interval, "Sampling interval, at least 2s (INTERVAL)")
	fs.IntVar(&cfg.MeanCount, "mean", meanCount, "Samples averaged per record (MEAN_COUNT)")
	fs.DurationVar(&cfg.Settle, "settle", acquire.DefaultSettle, "Wait between trigger and read")
	fs.StringVar(&cfg.CSVPath, "csv", env("CSV_PATH", ""), "CSV output file, empty to disable (CSV_PATH)")
	fs.StringVar(&cfg.SQLitePath, "sqlite", env("SQLITE_PATH", ""), "SQLite history database, empty to disable (SQLITE_PATH)")
	fs.StringVar(&cfg.Broker, "broker", env("MQTT_BROKER", ""), "MQTT broker address, empty to disable (MQTT_BROKER)")
	fs.StringVar(&cfg.Station, "station", env("STATION_ID", "home"), "Station name used in MQTT topics (STATION_ID)")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", heartbeat, "Heartbeat interval, 0 to disable (HEARTBEAT)")
	fs.StringVar(&cfg.HTTPAddr, "http", env("HTTP_ADDR", DefaultHTTPAddr), "HTTP status address, empty to disable (HTTP_ADDR)")
	fs.StringVar(&cfg.ThingSpeakURL, "thingspeak-url", env("THINGSPEAK_URL", ""), "ThingSpeak server URL, empty to disable (THINGSPEAK_URL)")
	fs.BoolVar(&cfg.PrintReading, "print", false, "Read every sensor once, print and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg.Sensors = defaultSensors
	if len(sensors) > 0 {
		cfg.Sensors = sensors
	}
	cfg.ThingSpeakKey = env("THINGSPEAK_KEY", "")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings against each other.
func (c Config) Validate() error {
	if c.Chip == "" {
		return errors.New("no GPIO chip")
	}
	if len(c.Sensors) == 0 {
		return errors.New("no sensors")
	}
	if c.Interval < sensor.MinInterval {
		return fmt.Errorf("interval %v below %v hangs the sensor", c.Interval, sensor.MinInterval)
	}
	if c.MeanCount < 1 {
		return fmt.Errorf("mean count %d must be at least 1", c.MeanCount)
	}
	if c.Settle <= 0 {
		return fmt.Errorf("settle %v must be positive", c.Settle)
	}
	if busy := c.Settle * time.Duration(len(c.Sensors)); busy >= c.Interval {
		return fmt.Errorf("settle %v for %d sensors does not fit the interval %v", c.Settle, len(c.Sensors), c.Interval)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("negative heartbeat %v", c.Heartbeat)
	}
	if c.Broker != "" && c.Station == "" {
		return errors.New("MQTT needs a station name")
	}
	if c.ThingSpeakURL != "" && c.ThingSpeakKey == "" {
		return errors.New("THINGSPEAK_URL set without THINGSPEAK_KEY")
	}

	names := map[string]bool{}
	data := map[int]string{}
	outputs := map[int]bool{}
	for _, s := range c.Sensors {
		if names[s.Name] {
			return fmt.Errorf("duplicate sensor name %q", s.Name)
		}
		names[s.Name] = true
		if other, ok := data[s.Data]; ok {
			return fmt.Errorf("sensors %q and %q share data line %d", other, s.Name, s.Data)
		}
		data[s.Data] = s.Name
		for _, o := range []int{s.LED, s.Power} {
			if o != gpio.NoLine {
				outputs[o] = true
			}
		}
	}
	for line, name := range data {
		if outputs[line] {
			return fmt.Errorf("data line %d of sensor %q is also used as an output", line, name)
		}
	}
	return nil
}

// ParseSensor parses "name:data[:led[:power]]". A '-' leaves a line unconnected.
func ParseSensor(s string) (SensorSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 4 {
		return SensorSpec{}, fmt.Errorf("sensor %q: want name:data[:led[:power]]", s)
	}
	spec := SensorSpec{Name: strings.TrimSpace(parts[0]), LED: gpio.NoLine, Power: gpio.NoLine}
	if spec.Name == "" {
		return SensorSpec{}, fmt.Errorf("sensor %q: empty name", s)
	}

	lines := []*int{&spec.Data, &spec.LED, &spec.Power}
	for i, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "-" && i > 0 {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return SensorSpec{}, fmt.Errorf("sensor %q: invalid line %q", s, p)
		}
		*lines[i] = n
	}
	return spec, nil
}

func parseSensorList(s string) ([]SensorSpec, error) {
	var out []SensorSpec
	for _, item := range strings.Split(s, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		spec, err := ParseSensor(item)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// sensorFlag collects repeated -sensor flags.
type sensorFlag []SensorSpec

func (f *sensorFlag) String() string {
	if f == nil {
		return ""
	}
	parts := make([]string, len(*f))
	for i, s := range *f {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func (f *sensorFlag) Set(v string) error {
	spec, err := ParseSensor(v)
	if err != nil {
		return err
	}
	*f = append(*f, spec)
	return nil
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
