// Package thingspeak uploads averaged records to a ThingSpeak channel.
package thingspeak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/climate-sensor/internal/acquire"
)

// MaxSensors is the number of sensors a channel holds: eight fields, two per
// sensor.
const MaxSensors = 4

// Uploader sends one update per record. Field 2n-1 holds the temperature and
// field 2n the humidity of sensor n.
type Uploader struct {
	endpoint string
	key      string
	client   *http.Client
}

// New returns an Uploader for the server at baseURL (e.g.
// "https://api.thingspeak.com") with the channel write key.
func New(baseURL, key string, client *http.Client) (*Uploader, error) {
	if baseURL == "" {
		return nil, errors.New("thingspeak: no url")
	}
	if key == "" {
		return nil, errors.New("thingspeak: no write key")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("thingspeak: url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Uploader{
		endpoint: strings.TrimRight(baseURL, "/") + "/update.json",
		key:      key,
		client:   client,
	}, nil
}

// Write uploads rec. Sensors beyond MaxSensors and sensors without a valid
// sample are left out.
func (u *Uploader) Write(ctx context.Context, rec acquire.Record) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.endpoint+"?"+Query(u.key, rec).Encode(), nil)
	if err != nil {
		return fmt.Errorf("thingspeak: request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("thingspeak: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("thingspeak: status %d", resp.StatusCode)
	}
	return nil
}

// Query builds the update parameters for rec.
func Query(key string, rec acquire.Record) url.Values {
	q := url.Values{}
	q.Set("api_key", key)
	for i, m := range rec.Sensors {
		if i >= MaxSensors {
			break
		}
		if m.Temperature != nil {
			q.Set(field(2*i+1), strconv.FormatFloat(*m.Temperature, 'f', 2, 64))
		}
		if m.Humidity != nil {
			q.Set(field(2*i+2), strconv.FormatFloat(*m.Humidity, 'f', 2, 64))
		}
	}
	return q
}

func field(n int) string {
	return "field" + strconv.Itoa(n)
}
