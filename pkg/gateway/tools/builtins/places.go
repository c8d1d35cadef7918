package builtins

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/tools"
	"github.com/apsara-ai/apsara/pkg/kv"
)

type savedPlace struct {
	Name      string    `msgpack:"name"`
	Latitude  float64   `msgpack:"lat"`
	Longitude float64   `msgpack:"lng"`
	Note      string    `msgpack:"note"`
	SavedAt   time.Time `msgpack:"saved_at"`
}

func placeKey(identity, name string) kv.Key {
	return kv.Key{"places", identity, name}
}

// SavePlace persists a named place for the calling identity. Identity-bound;
// unauthorized callers never see its declaration.
type SavePlace struct {
	Store kv.Store
}

func (s *SavePlace) Name() string { return "save_place" }

func (s *SavePlace) RequiresIdentity() bool { return true }

func (s *SavePlace) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "save_place",
		Description: "Saves a named place with coordinates to the user's place list.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"name":      {Type: genai.TypeString, Description: "Short name for the place."},
				"latitude":  {Type: genai.TypeNumber},
				"longitude": {Type: genai.TypeNumber},
				"note":      {Type: genai.TypeString, Description: "Optional note about the place."},
			},
			Required: []string{"name", "latitude", "longitude"},
		},
	}
}

func (s *SavePlace) Execute(ctx context.Context, args map[string]any, caller tools.Caller) (map[string]any, error) {
	if !caller.Authorized || caller.Identity == "" {
		return nil, fmt.Errorf("save_place requires an authorized caller")
	}
	name, _ := args["name"].(string)
	lat, latOK := args["latitude"].(float64)
	lng, lngOK := args["longitude"].(float64)
	if name == "" || !latOK || !lngOK {
		return nil, fmt.Errorf("name, latitude and longitude are required")
	}
	note, _ := args["note"].(string)

	encoded, err := msgpack.Marshal(savedPlace{
		Name:      name,
		Latitude:  lat,
		Longitude: lng,
		Note:      note,
		SavedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode place: %w", err)
	}
	if err := s.Store.Set(ctx, placeKey(caller.Identity, name), encoded); err != nil {
		return nil, fmt.Errorf("store place: %w", err)
	}
	return map[string]any{"saved": true, "name": name}, nil
}

// ListPlaces returns every place the calling identity has saved.
type ListPlaces struct {
	Store kv.Store
}

func (l *ListPlaces) Name() string { return "list_places" }

func (l *ListPlaces) RequiresIdentity() bool { return true }

func (l *ListPlaces) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "list_places",
		Description: "Lists the places the user has previously saved.",
		Parameters:  &genai.Schema{Type: genai.TypeObject},
	}
}

func (l *ListPlaces) Execute(ctx context.Context, args map[string]any, caller tools.Caller) (map[string]any, error) {
	if !caller.Authorized || caller.Identity == "" {
		return nil, fmt.Errorf("list_places requires an authorized caller")
	}
	places := make([]map[string]any, 0)
	markers := make([]map[string]any, 0)
	for entry, err := range l.Store.List(ctx, kv.Key{"places", caller.Identity}) {
		if err != nil {
			return nil, fmt.Errorf("list places: %w", err)
		}
		var p savedPlace
		if err := msgpack.Unmarshal(entry.Value, &p); err != nil {
			continue
		}
		places = append(places, map[string]any{
			"name":      p.Name,
			"latitude":  p.Latitude,
			"longitude": p.Longitude,
			"note":      p.Note,
			"saved_at":  p.SavedAt.Format(time.RFC3339),
		})
		markers = append(markers, map[string]any{"label": p.Name, "lat": p.Latitude, "lng": p.Longitude})
	}
	result := map[string]any{"count": len(places), "places": places}
	if len(markers) > 0 {
		result["_mapDisplayData"] = map[string]any{"center": markers[0], "markers": markers}
	}
	return result, nil
}
