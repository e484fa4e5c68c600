package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/climate-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatDuration,
	"age": func(d time.Duration) string {
		if d < 0 {
			return "never"
		}
		return formatDuration(d) + " ago"
	},
	"value": func(v *float64, unit string) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.2f %s", *v, unit)
	},
	"tenths": func(v float64) string {
		return fmt.Sprintf("%.1f", v)
	},
}).Parse(indexHTML))

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="30">
<title>Climate Sensor</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.ok { color: green; }
.warn { color: orange; }
.err { color: red; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Climate Sensor{{if .Config.Station}} ({{.Config.Station}}){{end}}</h1>

<h2>Sensors</h2>
<table>
<tr><th>Sensor</th><th>Humidity</th><th>Temperature</th><th>Updated</th><th>Power</th></tr>
{{range .Sensors}}<tr>
<td>{{.Name}}</td>
{{if .HasReading}}<td>{{tenths .Reading.Humidity}} %RH</td><td>{{tenths .Reading.Temperature}} &deg;C</td>{{else}}<td class="warn">n/a</td><td class="warn">n/a</td>{{end}}
<td>{{age (.Staleness $.Now)}}</td>
<td class="{{if .Powered}}ok{{else}}err{{end}}">{{if .Powered}}on{{else}}cycling{{end}}</td>
</tr>{{else}}<tr><td colspan="5">no sensors</td></tr>{{end}}
</table>

<h2>Diagnostics</h2>
<table>
<tr><th>Sensor</th><th>Bad checksum</th><th>Short</th><th>Missing</th><th>Resets</th><th>Dropped edges</th><th>Streak</th></tr>
{{range .Sensors}}<tr>
<td>{{.Name}}</td>
<td>{{.Counters.BadChecksum}}</td>
<td>{{.Counters.ShortMessage}}</td>
<td>{{.Counters.MissingMessage}}</td>
<td>{{.Counters.SensorReset}}</td>
<td>{{.Counters.DroppedEdges}}</td>
<td>{{.MissingStreak}}</td>
</tr>{{end}}
</table>

<h2>Last Record</h2>
{{with .LastRecord}}<p>{{.Timestamp.UTC.Format "2006-01-02T15:04:05Z"}}</p>
<table>
<tr><th>Sensor</th><th>Humidity</th><th>Temperature</th><th>Samples</th></tr>
{{range .Sensors}}<tr><td>{{.Name}}</td><td>{{value .Humidity "%RH"}}</td><td>{{value .Temperature "C"}}</td><td>{{.Samples}}</td></tr>
{{end}}</table>{{else}}<p>none yet</p>{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
<tr><th>ThingSpeak</th><td>{{if .Config.ThingSpeak}}enabled{{else}}disabled{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Interval</th><td>{{.Config.IntervalMs}}ms</td></tr>
<tr><th>Mean over</th><td>{{.Config.MeanCount}} samples</td></tr>
<tr><th>Records</th><td>{{.Records}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
{{if .Config.CSVPath}}<tr><th>CSV</th><td>{{.Config.CSVPath}}</td></tr>{{end}}
{{if .Config.SQLitePath}}<tr><th>SQLite</th><td>{{.Config.SQLitePath}}</td></tr>{{end}}
</table>

<p><a href="/index.json">JSON</a>{{if .Config.SQLitePath}} | <a href="/history.json">History</a>{{end}}</p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
