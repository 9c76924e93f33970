package weathergate

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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	defaultNWSBaseURL      = "https://api.weather.gov"
	defaultAviationBaseURL = "https://aviationweather.gov/api/data"
	defaultGeocodeBaseURL  = "https://nominatim.openstreetmap.org"

	weatherUserAgent   = "weather-app/1.0"
	weatherHTTPTimeout = 30 * time.Second
)

// WeatherConfig holds configuration for a WeatherService.
type WeatherConfig struct {
	logger          Logger
	httpClient      *http.Client
	nwsBaseURL      string
	aviationBaseURL string
	geocodeBaseURL  string
}

// WeatherOption is a function that modifies WeatherConfig.
type WeatherOption func(*WeatherConfig)

// WithWeatherLogger sets the service's logger.
func WithWeatherLogger(logger Logger) WeatherOption {
	return func(c *WeatherConfig) {
		c.logger = logger
	}
}

// WithWeatherHTTPClient sets the HTTP client used for upstream calls.
func WithWeatherHTTPClient(client *http.Client) WeatherOption {
	return func(c *WeatherConfig) {
		c.httpClient = client
	}
}

// WithNWSBaseURL overrides the National Weather Service endpoint.
func WithNWSBaseURL(baseURL string) WeatherOption {
	return func(c *WeatherConfig) {
		c.nwsBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAviationBaseURL overrides the aviation weather endpoint.
func WithAviationBaseURL(baseURL string) WeatherOption {
	return func(c *WeatherConfig) {
		c.aviationBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithGeocodeBaseURL overrides the geocoding endpoint.
func WithGeocodeBaseURL(baseURL string) WeatherOption {
	return func(c *WeatherConfig) {
		c.geocodeBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WeatherService implements the weather tools: US alerts and forecasts
// from the National Weather Service, geocoding through Nominatim, and
// METAR/TAF aviation reports. Upstream failures degrade into
// human-readable tool results rather than protocol errors.
type WeatherService struct {
	logger          Logger
	client          *http.Client
	nwsBaseURL      string
	aviationBaseURL string
	geocodeBaseURL  string

	// Nominatim's usage policy allows at most one request per second.
	geocodeLimiter *rate.Limiter
}

// NewWeatherService creates a WeatherService with the given options.
func NewWeatherService(opts ...WeatherOption) *WeatherService {
	cfg := &WeatherConfig{
		logger:          NewLogrusLogger(nil),
		httpClient:      &http.Client{Timeout: weatherHTTPTimeout},
		nwsBaseURL:      defaultNWSBaseURL,
		aviationBaseURL: defaultAviationBaseURL,
		geocodeBaseURL:  defaultGeocodeBaseURL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &WeatherService{
		logger:          cfg.logger,
		client:          cfg.httpClient,
		nwsBaseURL:      cfg.nwsBaseURL,
		aviationBaseURL: cfg.aviationBaseURL,
		geocodeBaseURL:  cfg.geocodeBaseURL,
		geocodeLimiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// NewWeatherServer creates a BaseServer with the service's tools, prompts
// and resources registered.
func NewWeatherServer(service *WeatherService, opts ...ServerOption) (*BaseServer, error) {
	base := []ServerOption{
		UseServerInfo("weather", "1.0.0"),
	}
	server, err := NewBaseServer(append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	if err := server.AddTools(service.Tools()...); err != nil {
		return nil, err
	}
	if err := server.AddPrompts(service.Prompts()...); err != nil {
		return nil, err
	}
	if err := server.AddResources(service.Resources()...); err != nil {
		return nil, err
	}
	return server, nil
}

// Tools returns the weather tool set.
func (ws *WeatherService) Tools() []Tool {
	return []Tool{
		{
			Name:        "get_alerts",
			Description: "Get weather alerts for a US state",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"state": {
						"type": "string",
						"description": "Two-letter US state code (e.g. CA, NY)"
					}
				},
				"required": ["state"]
			}`),
			Handler: ws.getAlerts,
		},
		{
			Name:        "get_forecast",
			Description: "Get weather forecast for a location",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"latitude": {
						"type": "number",
						"description": "Latitude of the location"
					},
					"longitude": {
						"type": "number",
						"description": "Longitude of the location"
					}
				},
				"required": ["latitude", "longitude"]
			}`),
			Handler: ws.getForecast,
		},
		{
			Name:        "geocode_location",
			Description: "Convert a location name into latitude and longitude coordinates",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"location": {
						"type": "string",
						"description": "Location name (e.g. \"New York, NY\", \"London, UK\", \"Tokyo, Japan\")"
					}
				},
				"required": ["location"]
			}`),
			Handler: ws.geocodeLocation,
		},
		{
			Name:        "get_aviation_weather",
			Description: "Get METAR and TAF aviation weather data for an airport by ICAO code",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"icao_code": {
						"type": "string",
						"description": "4-letter ICAO airport code (e.g. KORD, EGLL, KJFK)"
					}
				},
				"required": ["icao_code"]
			}`),
			Handler: ws.getAviationWeather,
		},
	}
}

// Prompts returns the service's prompt templates.
func (ws *WeatherService) Prompts() []Prompt {
	return []Prompt{
		{
			Name:        "debug_weather",
			Description: "Helps to debug errors when fetching weather data",
			Arguments: []PromptArgument{
				{
					Name:        "error",
					Description: "The error message encountered",
					Required:    true,
				},
			},
			Messages: []PromptMessage{
				{
					Role: "user",
					Content: PromptContent{
						Type: "text",
						Text: "I'm trying to fetch weather data but encountered this error: {{error}}. How can I resolve this issue? Please provide step-by-step troubleshooting advice.",
					},
				},
			},
		},
	}
}

// Resources returns the service's static resources.
func (ws *WeatherService) Resources() []Resource {
	return []Resource{
		{
			URI:         "weather://sources",
			Name:        "Upstream data sources",
			Description: "Endpoints this service queries for weather data",
			MimeType:    "text/plain",
			TextContent: fmt.Sprintf("NWS: %s\nAviation: %s\nGeocoding: %s\n",
				ws.nwsBaseURL, ws.aviationBaseURL, ws.geocodeBaseURL),
		},
	}
}

func textResult(text string) CallToolResult {
	return CallToolResult{
		Content: []ToolResultContent{{Type: "text", Text: text}},
	}
}

// fetchJSON performs a GET and decodes the JSON response into out.
func (ws *WeatherService) fetchJSON(ctx context.Context, requestURL, accept string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", weatherUserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, requestURL)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchNWS queries the NWS API, which expects the geo+json accept header.
func (ws *WeatherService) fetchNWS(ctx context.Context, requestURL string, out interface{}) error {
	return ws.fetchJSON(ctx, requestURL, "application/geo+json", out)
}

// fetchText performs a GET and returns the raw response body.
func (ws *WeatherService) fetchText(ctx context.Context, requestURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", weatherUserAgent)

	resp, err := ws.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, requestURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type alertFeature struct {
	Properties struct {
		Event       string `json:"event"`
		AreaDesc    string `json:"areaDesc"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
		Instruction string `json:"instruction"`
	} `json:"properties"`
}

type alertsResponse struct {
	Features []alertFeature `json:"features"`
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func formatAlert(feature alertFeature) string {
	props := feature.Properties
	return fmt.Sprintf("Event: %s\nArea: %s\nSeverity: %s\nDescription: %s\nInstructions: %s",
		orDefault(props.Event, "Unknown"),
		orDefault(props.AreaDesc, "Unknown"),
		orDefault(props.Severity, "Unknown"),
		orDefault(props.Description, "No description available"),
		orDefault(props.Instruction, "No specific instructions provided"),
	)
}

func (ws *WeatherService) getAlerts(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	ctx, span := StartSpan(ctx, "WeatherService.getAlerts")
	defer span.End()

	var args struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}

	span.SetAttributes(attribute.String("state", args.State))

	requestURL := fmt.Sprintf("%s/alerts/active/area/%s", ws.nwsBaseURL, url.PathEscape(args.State))

	var data alertsResponse
	if err := ws.fetchNWS(ctx, requestURL, &data); err != nil {
		ws.logger.WithFields(map[string]interface{}{
			"state": args.State,
		}).WithErr(err).Warn("Failed to fetch alerts")
		span.SetStatus(codes.Error, "alerts fetch failed")
		return textResult("Unable to fetch alerts or no alerts found."), nil
	}

	if len(data.Features) == 0 {
		return textResult("No active alerts for this state."), nil
	}

	alerts := make([]string, 0, len(data.Features))
	for _, feature := range data.Features {
		alerts = append(alerts, formatAlert(feature))
	}
	return textResult(strings.Join(alerts, "\n---\n")), nil
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []forecastPeriod `json:"periods"`
	} `json:"properties"`
}

type forecastPeriod struct {
	Name             string  `json:"name"`
	Temperature      float64 `json:"temperature"`
	TemperatureUnit  string  `json:"temperatureUnit"`
	WindSpeed        string  `json:"windSpeed"`
	WindDirection    string  `json:"windDirection"`
	DetailedForecast string  `json:"detailedForecast"`
}

func (ws *WeatherService) getForecast(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	ctx, span := StartSpan(ctx, "WeatherService.getForecast")
	defer span.End()

	var args struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}

	span.SetAttributes(
		attribute.Float64("latitude", args.Latitude),
		attribute.Float64("longitude", args.Longitude),
	)

	pointsURL := fmt.Sprintf("%s/points/%g,%g", ws.nwsBaseURL, args.Latitude, args.Longitude)

	var points pointsResponse
	if err := ws.fetchNWS(ctx, pointsURL, &points); err != nil || points.Properties.Forecast == "" {
		ws.logger.WithFields(map[string]interface{}{
			"latitude":  args.Latitude,
			"longitude": args.Longitude,
		}).Warn("Failed to resolve forecast grid")
		span.SetStatus(codes.Error, "points fetch failed")
		return textResult("Unable to fetch forecast data for this location."), nil
	}

	var forecast forecastResponse
	if err := ws.fetchNWS(ctx, points.Properties.Forecast, &forecast); err != nil {
		span.SetStatus(codes.Error, "forecast fetch failed")
		return textResult("Unable to fetch detailed forecast."), nil
	}

	periods := forecast.Properties.Periods
	if len(periods) > 5 {
		periods = periods[:5]
	}

	blocks := make([]string, 0, len(periods))
	for _, period := range periods {
		blocks = append(blocks, fmt.Sprintf("%s:\nTemperature: %g°%s\nWind: %s %s\nForecast: %s",
			period.Name,
			period.Temperature, period.TemperatureUnit,
			period.WindSpeed, period.WindDirection,
			period.DetailedForecast,
		))
	}
	return textResult(strings.Join(blocks, "\n---\n")), nil
}

type geocodeResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (ws *WeatherService) geocodeLocation(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	ctx, span := StartSpan(ctx, "WeatherService.geocodeLocation")
	defer span.End()

	var args struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}

	location := strings.TrimSpace(args.Location)
	if location == "" {
		return textResult("Please provide a valid location name."), nil
	}

	span.SetAttributes(attribute.String("location", location))

	if err := ws.geocodeLimiter.Wait(ctx); err != nil {
		return CallToolResult{}, err
	}

	requestURL := fmt.Sprintf("%s/search?q=%s&format=json&limit=1",
		ws.geocodeBaseURL, url.QueryEscape(location))

	var results []geocodeResult
	if err := ws.fetchJSON(ctx, requestURL, "", &results); err != nil || len(results) == 0 {
		span.SetStatus(codes.Error, "geocode failed")
		return textResult(fmt.Sprintf(
			"Unable to find coordinates for '%s'. Please try a more specific location name.", location)), nil
	}

	latitude, latErr := strconv.ParseFloat(results[0].Lat, 64)
	longitude, lonErr := strconv.ParseFloat(results[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		return textResult(fmt.Sprintf(
			"Unable to find coordinates for '%s'. Please try a more specific location name.", location)), nil
	}

	displayName := results[0].DisplayName
	if displayName == "" {
		displayName = location
	}

	return textResult(fmt.Sprintf("Location: %s\nLatitude: %g\nLongitude: %g\nCoordinates: %g, %g",
		displayName, latitude, longitude, latitude, longitude)), nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

func (ws *WeatherService) getAviationWeather(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	ctx, span := StartSpan(ctx, "WeatherService.getAviationWeather")
	defer span.End()

	var args struct {
		ICAOCode string `json:"icao_code"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}

	icao := strings.ToUpper(strings.TrimSpace(args.ICAOCode))
	if len(icao) != 4 || !isAlpha(icao) {
		return textResult("Invalid ICAO code. Please provide a 4-letter airport code (e.g., KORD, EGLL, KJFK)."), nil
	}

	span.SetAttributes(attribute.String("icao", icao))

	metarURL := fmt.Sprintf("%s/metar?ids=%s&format=raw", ws.aviationBaseURL, icao)
	metar, metarErr := ws.fetchText(ctx, metarURL)
	metarOK := metarErr == nil && strings.TrimSpace(metar) != ""

	tafURL := fmt.Sprintf("%s/taf?ids=%s&format=raw", ws.aviationBaseURL, icao)
	taf, tafErr := ws.fetchText(ctx, tafURL)
	tafOK := tafErr == nil && strings.TrimSpace(taf) != ""

	if !metarOK && !tafOK {
		span.SetStatus(codes.Error, "aviation fetch failed")
		return textResult(fmt.Sprintf(
			"Unable to fetch aviation weather data for %s. Please check the ICAO code and try again.", icao)), nil
	}

	var parts []string
	if metarOK {
		parts = append(parts, fmt.Sprintf("METAR for %s:", icao), strings.TrimSpace(metar))
	} else {
		parts = append(parts, fmt.Sprintf("METAR for %s: No current METAR data available", icao))
	}
	if tafOK {
		parts = append(parts, fmt.Sprintf("\nTAF for %s:", icao), strings.TrimSpace(taf))
	} else {
		parts = append(parts, fmt.Sprintf("\nTAF for %s: No current TAF data available", icao))
	}

	return textResult(strings.Join(parts, "\n")), nil
}
