package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// Relay-originated events use an "event" discriminator. Upstream-originated
// messages keep their upstream envelope key so clients written against the
// upstream schema keep working.
const (
	EventBackendConnected = "backend_connected"

	EventConnected       = "connected"
	EventError           = "error"
	EventClosed          = "closed"
	EventToolCallStarted = "tool_call_started"
	EventToolCallResult  = "tool_call_result"
	EventToolCallError   = "tool_call_error"
	EventMapDisplay      = "map_display_update"
	EventImageGenerated  = "imageGenerated"
	EventImageEdited     = "imageEdited"
)

func marshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable through tool results carrying unmarshalable
		// values; surface it as an error event rather than dropping.
		raw, _ = json.Marshal(map[string]string{
			"event":   EventError,
			"message": fmt.Sprintf("encode event: %v", err),
		})
	}
	return raw
}

// BackendConnected acknowledges the upgrade before the upstream session is
// dialed, so clients can distinguish "gateway reached" from "model reached".
func BackendConnected(sessionID string) []byte {
	return marshal(map[string]any{
		"event":     EventBackendConnected,
		"sessionId": sessionID,
	})
}

func Connected(sessionID string, resumed bool) []byte {
	return marshal(map[string]any{
		"event":     EventConnected,
		"sessionId": sessionID,
		"resumed":   resumed,
	})
}

func ErrorEvent(message string) []byte {
	return marshal(map[string]any{"event": EventError, "message": message})
}

// Closed carries the close code and reason supplied by the upstream, or a
// relay-chosen code when the relay itself ends the session.
func Closed(code int, reason string) []byte {
	return marshal(map[string]any{"event": EventClosed, "code": code, "reason": reason})
}

// ServerContent wraps an upstream content message verbatim.
func ServerContent(content *genai.LiveServerContent) []byte {
	return marshal(map[string]any{"serverContent": content})
}

// Invocation is one function call requested by the upstream model.
type Invocation struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolCall announces a batch of upstream function calls before dispatch.
func ToolCall(calls []Invocation) []byte {
	return marshal(map[string]any{
		"toolCall": map[string]any{"functionCalls": calls},
	})
}

func ToolCallStarted(id, name string) []byte {
	return marshal(map[string]any{"event": EventToolCallStarted, "id": id, "name": name})
}

func ToolCallResult(id, name string, result map[string]any) []byte {
	return marshal(map[string]any{
		"event": EventToolCallResult, "id": id, "name": name, "result": result,
	})
}

func ToolCallError(id, name, message string) []byte {
	return marshal(map[string]any{
		"event": EventToolCallError, "id": id, "name": name, "message": message,
	})
}

func MapDisplayUpdate(data any) []byte {
	return marshal(map[string]any{"event": EventMapDisplay, "data": data})
}

func ImageGenerated(mimeType string, data []byte) []byte {
	return imageEvent(EventImageGenerated, mimeType, data)
}

func ImageEdited(mimeType string, data []byte) []byte {
	return imageEvent(EventImageEdited, mimeType, data)
}

func imageEvent(event, mimeType string, data []byte) []byte {
	return marshal(map[string]any{
		"event": event,
		"image": map[string]any{"mimeType": mimeType, "data": data},
	})
}

func SessionResumptionUpdate(newHandle string, resumable bool) []byte {
	return marshal(map[string]any{
		"sessionResumptionUpdate": map[string]any{
			"newHandle": newHandle,
			"resumable": resumable,
		},
	})
}

// GoAway carries the remaining lifetime of the upstream connection as a
// duration string, e.g. "30s".
func GoAway(timeLeft time.Duration) []byte {
	return marshal(map[string]any{
		"goAway": map[string]any{"timeLeft": timeLeft.String()},
	})
}

func UsageMetadata(input, output, total int32) []byte {
	return marshal(map[string]any{
		"usageMetadata": map[string]any{
			"inputTokenCount":  input,
			"outputTokenCount": output,
			"totalTokenCount":  total,
		},
	})
}
