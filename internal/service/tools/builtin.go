package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultWeatherURL is the Open-Meteo forecast endpoint.
const DefaultWeatherURL = "https://api.open-meteo.com/v1/forecast"

const weatherTimeout = 12 * time.Second

// WeatherArgs are the arguments of get_weather_from_coords.
type WeatherArgs struct {
	Latitude  float64 `json:"latitude" jsonschema:"latitude in decimal degrees"`
	Longitude float64 `json:"longitude" jsonschema:"longitude in decimal degrees"`
}

// TimeArgs are the arguments of get_current_time.
type TimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA time zone name, for example Europe/Berlin; defaults to UTC"`
}

// WeatherTool fetches current conditions for a coordinate pair.
func WeatherTool(client *http.Client, baseURL string) (Tool, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultWeatherURL
	}
	return NewTool("get_weather_from_coords",
		"Get the current weather for the given coordinates.",
		weatherTimeout,
		func(ctx context.Context, args WeatherArgs) (any, error) {
			if args.Latitude < -90 || args.Latitude > 90 || args.Longitude < -180 || args.Longitude > 180 {
				return nil, fmt.Errorf("coordinates out of range: %v,%v", args.Latitude, args.Longitude)
			}
			return fetchWeather(ctx, client, baseURL, args)
		})
}

func fetchWeather(ctx context.Context, client *http.Client, baseURL string, args WeatherArgs) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("weather url: %w", err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(args.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(args.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m,wind_speed_10m")
	q.Set("hourly", "temperature_2m,relative_humidity_2m,wind_speed_10m")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather service returned %d", resp.StatusCode)
	}

	var payload struct {
		Current json.RawMessage `json:"current"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode weather response: %w", err)
	}
	if len(payload.Current) == 0 {
		return "", fmt.Errorf("weather response has no current conditions")
	}
	return string(payload.Current), nil
}

// TimeTool reports the current time in a time zone using now.
func TimeTool(now func() time.Time) (Tool, error) {
	if now == nil {
		now = time.Now
	}
	return NewTool("get_current_time",
		"Get the current date and time, optionally in a specific time zone.",
		0,
		func(ctx context.Context, args TimeArgs) (any, error) {
			name := strings.TrimSpace(args.Timezone)
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			t := now().In(loc)
			return map[string]string{
				"timezone": name,
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
			}, nil
		})
}

// NewDefaultRegistry registers the built-in tools.
func NewDefaultRegistry(client *http.Client, weatherURL string) (*Registry, error) {
	r := NewRegistry()
	weather, err := WeatherTool(client, weatherURL)
	if err != nil {
		return nil, err
	}
	clock, err := TimeTool(nil)
	if err != nil {
		return nil, err
	}
	for _, t := range []Tool{weather, clock} {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
