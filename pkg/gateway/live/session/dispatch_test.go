package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/tools"
)

type fakeHandler struct {
	name     string
	identity bool
	result   map[string]any
	err      error
	delay    time.Duration
}

func (h *fakeHandler) Name() string           { return h.name }
func (h *fakeHandler) RequiresIdentity() bool { return h.identity }

func (h *fakeHandler) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: h.name}
}

func (h *fakeHandler) Execute(ctx context.Context, args map[string]any, caller tools.Caller) (map[string]any, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.result, h.err
}

type eventSink struct {
	mu     sync.Mutex
	events []map[string]any
}

func (s *eventSink) emit(payload []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, decoded)
	return nil
}

func (s *eventSink) byEvent(name string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, evt := range s.events {
		if evt["event"] == name {
			out = append(out, evt)
		}
	}
	return out
}

func newTestDispatcher(handlers ...tools.Handler) *dispatcher {
	return &dispatcher{
		registry: tools.NewRegistry(handlers...),
		caller:   tools.Caller{Authorized: true, Identity: "k-test"},
		timeout:  time.Second,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := newTestDispatcher(&fakeHandler{name: "current_time", result: map[string]any{"iso": "now"}})
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{
		{ID: "c1", Name: "current_time"},
	}, sink.emit)

	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	if responses[0].ID != "c1" || responses[0].Response["iso"] != "now" {
		t.Fatalf("response = %+v", responses[0])
	}
	if len(sink.byEvent("tool_call_started")) != 1 || len(sink.byEvent("tool_call_result")) != 1 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher()
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{
		{ID: "c1", Name: "teleport"},
	}, sink.emit)

	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	msg, _ := responses[0].Response["error"].(string)
	if !strings.Contains(msg, "unknown tool") {
		t.Fatalf("error = %q", msg)
	}
	if len(sink.byEvent("tool_call_error")) != 1 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	d := newTestDispatcher(&fakeHandler{name: "flaky", err: errors.New("backend down")})
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{{ID: "c1", Name: "flaky"}}, sink.emit)
	if responses[0].Response["error"] != "backend down" {
		t.Fatalf("response = %+v", responses[0].Response)
	}
	if len(sink.byEvent("tool_call_error")) != 1 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestDispatchIdentityBoundRejectsAnonymous(t *testing.T) {
	d := newTestDispatcher(&fakeHandler{name: "save_place", identity: true, result: map[string]any{"saved": true}})
	d.caller = tools.Caller{}
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{{ID: "c1", Name: "save_place"}}, sink.emit)
	msg, _ := responses[0].Response["error"].(string)
	if !strings.Contains(msg, "authorized") {
		t.Fatalf("error = %q", msg)
	}
	if len(sink.byEvent("tool_call_started")) != 0 {
		t.Fatal("rejected call should not report started")
	}
}

func TestDispatchStripsImageData(t *testing.T) {
	d := newTestDispatcher(&fakeHandler{name: "draw", result: map[string]any{
		"imageData":     []byte{0x89, 0x50},
		"imageMimeType": "image/png",
		"caption":       "a cat",
	}})
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{{ID: "c1", Name: "draw"}}, sink.emit)
	resp := responses[0].Response
	if _, ok := resp["imageData"]; ok {
		t.Fatal("imageData should be stripped from the upstream response")
	}
	if resp["imageStatus"] != imageSentStatus {
		t.Fatalf("imageStatus = %v", resp["imageStatus"])
	}
	if resp["caption"] != "a cat" {
		t.Fatal("unrelated keys should survive")
	}
	if len(sink.byEvent("imageGenerated")) != 1 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestDispatchImageEdited(t *testing.T) {
	d := newTestDispatcher(&fakeHandler{name: "edit", result: map[string]any{
		"imageData":   []byte{0x01},
		"imageEdited": true,
	}})
	sink := &eventSink{}

	d.run(context.Background(), []*genai.FunctionCall{{ID: "c1", Name: "edit"}}, sink.emit)
	if len(sink.byEvent("imageEdited")) != 1 || len(sink.byEvent("imageGenerated")) != 0 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestDispatchSplitsMapDisplayData(t *testing.T) {
	d := newTestDispatcher(&fakeHandler{name: "search_location", result: map[string]any{
		"found":           true,
		"_mapDisplayData": map[string]any{"markers": []any{}},
	}})
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{{ID: "c1", Name: "search_location"}}, sink.emit)
	if _, ok := responses[0].Response["_mapDisplayData"]; ok {
		t.Fatal("_mapDisplayData should not go upstream")
	}
	if len(sink.byEvent("map_display_update")) != 1 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestDispatchBatchKeepsOrder(t *testing.T) {
	d := newTestDispatcher(
		&fakeHandler{name: "slow", result: map[string]any{"n": 1}, delay: 50 * time.Millisecond},
		&fakeHandler{name: "fast", result: map[string]any{"n": 2}},
	)
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "fast"},
	}, sink.emit)

	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	if responses[0].ID != "c1" || responses[1].ID != "c2" {
		t.Fatalf("order = %s, %s", responses[0].ID, responses[1].ID)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := newTestDispatcher(&fakeHandler{name: "stuck", delay: time.Minute})
	d.timeout = 20 * time.Millisecond
	sink := &eventSink{}

	responses := d.run(context.Background(), []*genai.FunctionCall{{ID: "c1", Name: "stuck"}}, sink.emit)
	msg, _ := responses[0].Response["error"].(string)
	if !strings.Contains(msg, "context deadline exceeded") {
		t.Fatalf("error = %q", msg)
	}
}
