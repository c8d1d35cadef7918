package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/live/protocol"
	"github.com/apsara-ai/apsara/pkg/gateway/tools"
)

// Result keys handlers use to address the client instead of the model.
// They are stripped from the upstream response so image bytes and UI
// payloads never round-trip through the model context.
const (
	resultKeyImageData = "imageData"
	resultKeyImageMIME = "imageMimeType"
	resultKeyImageEdit = "imageEdited"
	resultKeyMapData   = "_mapDisplayData"

	imageSentStatus = "image generated and delivered to the user"
)

// dispatcher executes a batch of upstream function calls. Invocations run
// concurrently, each under its own timeout; the batch produces exactly one
// response per call, sent upstream together.
type dispatcher struct {
	registry *tools.Registry
	caller   tools.Caller
	timeout  time.Duration
	logger   *slog.Logger
}

// run executes calls and returns one FunctionResponse per call, ID matched
// and in the original order. emit delivers progress events to the client
// and must be safe for concurrent use.
func (d *dispatcher) run(ctx context.Context, calls []*genai.FunctionCall, emit func([]byte) error) []*genai.FunctionResponse {
	responses := make([]*genai.FunctionResponse, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call *genai.FunctionCall) {
			defer wg.Done()
			responses[i] = d.runOne(ctx, call, emit)
		}(i, call)
	}
	wg.Wait()

	return responses
}

func (d *dispatcher) runOne(ctx context.Context, call *genai.FunctionCall, emit func([]byte) error) *genai.FunctionResponse {
	handler, ok := d.registry.Lookup(call.Name)
	if !ok {
		d.logger.Warn("upstream requested unknown tool", "tool", call.Name)
		_ = emit(protocol.ToolCallError(call.ID, call.Name, "unknown tool"))
		return errorResponse(call, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if handler.RequiresIdentity() && !d.caller.Authorized {
		_ = emit(protocol.ToolCallError(call.ID, call.Name, "not authorized"))
		return errorResponse(call, fmt.Sprintf("tool %q requires an authorized caller", call.Name))
	}

	_ = emit(protocol.ToolCallStarted(call.ID, call.Name))

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := handler.Execute(execCtx, call.Args, d.caller)
	if err != nil {
		d.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		_ = emit(protocol.ToolCallError(call.ID, call.Name, err.Error()))
		return errorResponse(call, err.Error())
	}

	result = d.extractClientPayloads(call, result, emit)

	_ = emit(protocol.ToolCallResult(call.ID, call.Name, result))
	return &genai.FunctionResponse{ID: call.ID, Name: call.Name, Response: result}
}

// extractClientPayloads pulls client-directed data out of a tool result.
// Image bytes become imageGenerated/imageEdited events and are replaced
// with a status string upstream; map display data becomes a
// map_display_update event.
func (d *dispatcher) extractClientPayloads(call *genai.FunctionCall, result map[string]any, emit func([]byte) error) map[string]any {
	if result == nil {
		return map[string]any{}
	}

	if raw, ok := result[resultKeyImageData]; ok {
		delete(result, resultKeyImageData)
		mime, _ := result[resultKeyImageMIME].(string)
		delete(result, resultKeyImageMIME)
		if mime == "" {
			mime = "image/png"
		}
		edited, _ := result[resultKeyImageEdit].(bool)
		delete(result, resultKeyImageEdit)

		if data, ok := raw.([]byte); ok && len(data) > 0 {
			if edited {
				_ = emit(protocol.ImageEdited(mime, data))
			} else {
				_ = emit(protocol.ImageGenerated(mime, data))
			}
			result["imageStatus"] = imageSentStatus
		}
	}

	if data, ok := result[resultKeyMapData]; ok {
		delete(result, resultKeyMapData)
		_ = emit(protocol.MapDisplayUpdate(data))
	}

	return result
}

func errorResponse(call *genai.FunctionCall, message string) *genai.FunctionResponse {
	return &genai.FunctionResponse{
		ID:       call.ID,
		Name:     call.Name,
		Response: map[string]any{"error": message},
	}
}
