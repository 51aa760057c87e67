package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
)

// maxConcurrentFetches bounds the per-location fan-out inside one collect.
const maxConcurrentFetches = 4

// OpenMeteoSource collects current weather for a set of cities from
// Open-Meteo. Cities are geocoded once through Open-Meteo's geocoding API
// and the coordinates cached for the process lifetime.
type OpenMeteoSource struct {
	name       string
	baseURL    string
	geocodeURL string
	cities     []string
	httpCfg    HTTPClientConfig
	circuit    *gobreaker.CircuitBreaker
	logger     *zap.Logger

	mu     sync.Mutex
	coords map[string]coordinates
}

type coordinates struct {
	Lat float64
	Lon float64
}

// NewOpenMeteoSource creates a source for the given city names.
func NewOpenMeteoSource(client *http.Client, cities []string, logger *zap.Logger) *OpenMeteoSource {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openmeteo",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &OpenMeteoSource{
		name:       "openmeteo",
		baseURL:    "https://api.open-meteo.com/v1/forecast",
		geocodeURL: "https://geocoding-api.open-meteo.com/v1/search",
		cities:     cities,
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		circuit: cb,
		logger:  logger.Named("openmeteo"),
		coords:  make(map[string]coordinates),
	}
}

// Name identifies this source.
func (s *OpenMeteoSource) Name() string {
	return s.name
}

// Collect fetches current weather for every configured city with bounded
// concurrency. Partial success is allowed: a failing city is logged and
// skipped, and Collect errors only when no city yields a record.
func (s *OpenMeteoSource) Collect(ctx context.Context) ([]pipeline.RawRecord, error) {
	if len(s.cities) == 0 {
		return nil, eris.New("no cities configured")
	}

	var (
		mu      sync.Mutex
		records []pipeline.RawRecord
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for _, city := range s.cities {
		city := city
		g.Go(func() error {
			rec, err := s.fetchCity(gctx, city)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("city fetch failed", zap.String("city", city), zap.Error(err))
				lastErr = err
				return nil
			}
			records = append(records, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, eris.Wrapf(lastErr, "all %d cities failed", len(s.cities))
	}
	return records, nil
}

func (s *OpenMeteoSource) fetchCity(ctx context.Context, city string) (pipeline.RawRecord, error) {
	loc, err := s.resolve(ctx, city)
	if err != nil {
		return pipeline.RawRecord{}, err
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", loc.Lat))
		values.Set("longitude", fmt.Sprintf("%f", loc.Lon))
		values.Set("current", "temperature_2m,relative_humidity_2m,surface_pressure,precipitation,wind_speed_10m,weather_code")
		return http.NewRequest(http.MethodGet, s.baseURL+"?"+values.Encode(), nil)
	}

	resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, buildRequest)
	if err != nil {
		return pipeline.RawRecord{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Current struct {
			Time             string  `json:"time"`
			Temperature      float64 `json:"temperature_2m"`
			RelativeHumidity float64 `json:"relative_humidity_2m"`
			SurfacePressure  float64 `json:"surface_pressure"`
			Precipitation    float64 `json:"precipitation"`
			WindSpeed        float64 `json:"wind_speed_10m"`
			WeatherCode      int     `json:"weather_code"`
		} `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return pipeline.RawRecord{}, eris.Wrapf(err, "decode response for %s", city)
	}

	observedAt, err := time.Parse("2006-01-02T15:04", payload.Current.Time)
	if err != nil {
		observedAt = time.Now().UTC()
	} else {
		observedAt = observedAt.UTC()
	}

	return pipeline.RawRecord{
		EntityID:   city,
		ObservedAt: observedAt,
		Payload: map[string]any{
			"temp":       payload.Current.Temperature,
			"humidity":   payload.Current.RelativeHumidity,
			"pressure":   payload.Current.SurfacePressure,
			"precip":     payload.Current.Precipitation,
			"wind_speed": payload.Current.WindSpeed,
			"condition":  mapWeatherCode(payload.Current.WeatherCode),
		},
	}, nil
}

// resolve geocodes a city name, caching the result.
func (s *OpenMeteoSource) resolve(ctx context.Context, city string) (coordinates, error) {
	s.mu.Lock()
	if loc, ok := s.coords[city]; ok {
		s.mu.Unlock()
		return loc, nil
	}
	s.mu.Unlock()

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("name", city)
		values.Set("count", "1")
		return http.NewRequest(http.MethodGet, s.geocodeURL+"?"+values.Encode(), nil)
	}

	resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, buildRequest)
	if err != nil {
		return coordinates{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Results []struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return coordinates{}, eris.Wrapf(err, "decode geocoding for %s", city)
	}
	if len(payload.Results) == 0 {
		return coordinates{}, eris.Errorf("no geocoding result for %s", city)
	}

	loc := coordinates{Lat: payload.Results[0].Latitude, Lon: payload.Results[0].Longitude}
	s.mu.Lock()
	s.coords[city] = loc
	s.mu.Unlock()
	return loc, nil
}

// mapWeatherCode maps Open-Meteo weather codes to a coarse condition
// (simplified).
func mapWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear"
	case code >= 1 && code <= 3:
		return "cloudy"
	case code == 45 || code == 48:
		return "mist"
	case (code >= 51 && code <= 67) || (code >= 80 && code <= 82):
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 95:
		return "storm"
	default:
		return "unknown"
	}
}
