package live

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// serverEnvelope mirrors the relay's outbound frame. Exactly one of the
// discriminators is set per message.
type serverEnvelope struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Resumed   bool            `json:"resumed"`
	Message   string          `json:"message"`
	Code      int             `json:"code"`
	Reason    string          `json:"reason"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Result    map[string]any  `json:"result"`
	Data      json.RawMessage `json:"data"`
	Image     *wireImage      `json:"image"`

	ServerContent *wireServerContent `json:"serverContent"`
	ToolCall      *wireToolCall      `json:"toolCall"`
	Resumption    *wireResumption    `json:"sessionResumptionUpdate"`
	GoAway        *wireGoAway        `json:"goAway"`
	Usage         *wireUsage         `json:"usageMetadata"`
}

type wireImage struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireServerContent struct {
	ModelTurn           *wireContent       `json:"modelTurn"`
	Interrupted         bool               `json:"interrupted"`
	TurnComplete        bool               `json:"turnComplete"`
	InputTranscription  *wireTranscription `json:"inputTranscription"`
	OutputTranscription *wireTranscription `json:"outputTranscription"`
}

type wireContent struct {
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string     `json:"text"`
	InlineData *wireImage `json:"inlineData"`
}

type wireTranscription struct {
	Text string `json:"text"`
}

type wireToolCall struct {
	FunctionCalls []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"functionCalls"`
}

type wireResumption struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

type wireGoAway struct {
	TimeLeft string `json:"timeLeft"`
}

type wireUsage struct {
	InputTokenCount  int64 `json:"inputTokenCount"`
	OutputTokenCount int64 `json:"outputTokenCount"`
	TotalTokenCount  int64 `json:"totalTokenCount"`
}

// decodeServerEvents turns one relay frame into zero or more events. A
// serverContent frame can carry a model part, transcriptions and turn flags
// at once, so the return is a slice.
func decodeServerEvents(data []byte) []Event {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return []Event{UnknownEvent{Raw: append(json.RawMessage(nil), data...)}}
	}

	switch env.Event {
	case "backend_connected":
		return []Event{BackendConnectedEvent{SessionID: env.SessionID}}
	case "connected":
		return []Event{ConnectedEvent{SessionID: env.SessionID, Resumed: env.Resumed}}
	case "error":
		return []Event{ErrorEvent{Message: env.Message}}
	case "closed":
		return []Event{ClosedEvent{Code: env.Code, Reason: env.Reason}}
	case "tool_call_started":
		return []Event{ToolCallStartedEvent{ID: env.ID, Name: env.Name}}
	case "tool_call_result":
		return []Event{ToolCallResultEvent{ID: env.ID, Name: env.Name, Result: env.Result}}
	case "tool_call_error":
		return []Event{ToolCallErrorEvent{ID: env.ID, Name: env.Name, Message: env.Message}}
	case "map_display_update":
		return []Event{MapDisplayEvent{Data: env.Data}}
	case "imageGenerated", "imageEdited":
		if env.Image == nil {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(env.Image.Data)
		if err != nil {
			return []Event{UnknownEvent{Raw: append(json.RawMessage(nil), data...)}}
		}
		return []Event{ImageEvent{
			Edited:   env.Event == "imageEdited",
			MIMEType: env.Image.MIMEType,
			Data:     raw,
		}}
	}

	switch {
	case env.ServerContent != nil:
		return decodeServerContent(env.ServerContent)
	case env.ToolCall != nil:
		names := make([]string, 0, len(env.ToolCall.FunctionCalls))
		for _, fc := range env.ToolCall.FunctionCalls {
			names = append(names, fc.Name)
		}
		return []Event{ToolCallEvent{Names: names}}
	case env.Resumption != nil:
		return []Event{ResumptionEvent{
			NewHandle: env.Resumption.NewHandle,
			Resumable: env.Resumption.Resumable,
		}}
	case env.GoAway != nil:
		left, err := time.ParseDuration(env.GoAway.TimeLeft)
		if err != nil {
			left = 0
		}
		return []Event{GoAwayEvent{TimeLeft: left}}
	case env.Usage != nil:
		return []Event{UsageEvent{
			Input:  env.Usage.InputTokenCount,
			Output: env.Usage.OutputTokenCount,
			Total:  env.Usage.TotalTokenCount,
		}}
	}

	return []Event{UnknownEvent{Raw: append(json.RawMessage(nil), data...)}}
}

func decodeServerContent(sc *wireServerContent) []Event {
	var events []Event
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			switch {
			case part.InlineData != nil:
				raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					continue
				}
				events = append(events, AudioChunkEvent{
					MIMEType: part.InlineData.MIMEType,
					Data:     raw,
				})
			case part.Text != "":
				events = append(events, TextDeltaEvent{Text: part.Text})
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, InputTranscriptEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, OutputTranscriptEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		events = append(events, InterruptedEvent{})
	}
	if sc.TurnComplete {
		events = append(events, TurnCompleteEvent{})
	}
	return events
}
