package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/tools"
)

const geocodeEndpoint = "https://geocoding-api.open-meteo.com/v1/search"

// Location answers search_location invocations by geocoding a free-form
// query. The response carries a _mapDisplayData payload which the relay
// splits out into a map_display_update client event.
type Location struct {
	HTTPClient *http.Client
	Endpoint   string
}

func (l *Location) Name() string { return "search_location" }

func (l *Location) RequiresIdentity() bool { return false }

func (l *Location) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "search_location",
		Description: "Looks up a place by name and returns its coordinates and region.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": {
					Type:        genai.TypeString,
					Description: "Place name to search for, such as a city or landmark.",
				},
			},
			Required: []string{"query"},
		},
	}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
		Admin1    string  `json:"admin1"`
	} `json:"results"`
}

func (l *Location) Execute(ctx context.Context, args map[string]any, caller tools.Caller) (map[string]any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	endpoint := l.Endpoint
	if endpoint == "" {
		endpoint = geocodeEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse geocode endpoint: %w", err)
	}
	q := u.Query()
	q.Set("name", query)
	q.Set("count", "5")
	u.RawQuery = q.Encode()

	client := l.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode request: status %d", resp.StatusCode)
	}

	var decoded geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return map[string]any{"found": false, "query": query}, nil
	}

	places := make([]map[string]any, 0, len(decoded.Results))
	markers := make([]map[string]any, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		places = append(places, map[string]any{
			"name":      r.Name,
			"latitude":  r.Latitude,
			"longitude": r.Longitude,
			"country":   r.Country,
			"region":    r.Admin1,
		})
		markers = append(markers, map[string]any{
			"label": r.Name,
			"lat":   r.Latitude,
			"lng":   r.Longitude,
		})
	}
	return map[string]any{
		"found":  true,
		"query":  query,
		"places": places,
		"_mapDisplayData": map[string]any{
			"center":  markers[0],
			"markers": markers,
		},
	}, nil
}
