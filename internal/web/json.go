package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/climate-sensor/internal/store"
)

// HistoryJSON is the JSON representation of the record history.
type HistoryJSON struct {
	History []HistoryRowJSON `json:"history"`
}

// HistoryRowJSON is one stored sensor mean.
type HistoryRowJSON struct {
	Timestamp   string   `json:"timestamp"`
	Sensor      string   `json:"sensor"`
	Humidity    *float64 `json:"humidity"`
	Temperature *float64 `json:"temperature"`
	Samples     int      `json:"samples"`
}

func formatHistory(rows []store.Row) []byte {
	hj := HistoryJSON{History: make([]HistoryRowJSON, 0, len(rows))}
	for _, r := range rows {
		hj.History = append(hj.History, HistoryRowJSON{
			Timestamp:   r.RecordedAt.UTC().Format(time.RFC3339),
			Sensor:      r.Sensor,
			Humidity:    r.Humidity,
			Temperature: r.Temperature,
			Samples:     r.Samples,
		})
	}

	data, _ := json.MarshalIndent(hj, "", "  ")
	return data
}
