// Package live is the terminal client for the relay: it negotiates a live
// session over the websocket query parameters, decodes server events into a
// tagged union, and drives the capture and playback pipelines.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Options describe one session request. Zero values fall back to the
// relay's defaults, so only the knobs the user touched go on the wire.
type Options struct {
	// URL is the relay's live endpoint, e.g. ws://localhost:9000/v1/live.
	URL         string
	AccessToken string

	Model             string
	Modalities        string // "", "AUDIO" or "VIDEO"
	Voice             string
	SystemInstruction string

	SlidingWindowDisabled bool
	SlidingWindowTokens   int
	TranscriptionDisabled bool
	MediaResolution       string

	ResumeHandle string
	SavedSession string

	DisableVAD            bool
	EnableAffectiveDialog bool
	ProactiveAudio        bool
	NativeAudio           bool
}

func (o Options) queryValues() url.Values {
	q := url.Values{}
	if o.AccessToken != "" {
		q.Set("access_token", o.AccessToken)
	}
	if o.Model != "" {
		q.Set("model", o.Model)
	}
	if o.Modalities != "" {
		q.Set("modalities", o.Modalities)
	}
	if o.Voice != "" {
		q.Set("voice", o.Voice)
	}
	if o.SystemInstruction != "" {
		q.Set("systemInstruction", o.SystemInstruction)
	}
	if o.SlidingWindowDisabled {
		q.Set("slidingWindowEnabled", "false")
	}
	if o.SlidingWindowTokens > 0 {
		q.Set("slidingWindowTokens", strconv.Itoa(o.SlidingWindowTokens))
	}
	if o.TranscriptionDisabled {
		q.Set("transcriptionEnabled", "false")
	}
	if o.MediaResolution != "" {
		q.Set("mediaResolution", o.MediaResolution)
	}
	if o.ResumeHandle != "" {
		q.Set("resumeHandle", o.ResumeHandle)
	}
	if o.SavedSession != "" {
		q.Set("savedSession", o.SavedSession)
	}
	if o.DisableVAD {
		q.Set("disablevad", "true")
	}
	if o.EnableAffectiveDialog {
		q.Set("enableAffectiveDialog", "true")
	}
	if o.ProactiveAudio {
		q.Set("proactiveAudio", "true")
	}
	if o.NativeAudio {
		q.Set("nativeAudio", "true")
	}
	return q
}

// Event is one decoded server message.
type Event interface{ liveEventType() string }

type BackendConnectedEvent struct{ SessionID string }

func (BackendConnectedEvent) liveEventType() string { return "backend_connected" }

type ConnectedEvent struct {
	SessionID string
	Resumed   bool
}

func (ConnectedEvent) liveEventType() string { return "connected" }

type ErrorEvent struct{ Message string }

func (ErrorEvent) liveEventType() string { return "error" }

// ClosedEvent carries the close code and reason the relay forwarded from
// the upstream.
type ClosedEvent struct {
	Code   int
	Reason string
}

func (ClosedEvent) liveEventType() string { return "closed" }

// AudioChunkEvent carries one chunk of assistant PCM (24 kHz mono s16le).
type AudioChunkEvent struct {
	MIMEType string
	Data     []byte
}

func (AudioChunkEvent) liveEventType() string { return "audio_chunk" }

type TextDeltaEvent struct{ Text string }

func (TextDeltaEvent) liveEventType() string { return "text_delta" }

type InputTranscriptEvent struct{ Text string }

func (InputTranscriptEvent) liveEventType() string { return "input_transcript" }

type OutputTranscriptEvent struct{ Text string }

func (OutputTranscriptEvent) liveEventType() string { return "output_transcript" }

// InterruptedEvent means the model's turn was cut off; queued playback for
// the turn must be flushed.
type InterruptedEvent struct{}

func (InterruptedEvent) liveEventType() string { return "interrupted" }

type TurnCompleteEvent struct{}

func (TurnCompleteEvent) liveEventType() string { return "turn_complete" }

type ToolCallEvent struct{ Names []string }

func (ToolCallEvent) liveEventType() string { return "tool_call" }

type ToolCallStartedEvent struct{ ID, Name string }

func (ToolCallStartedEvent) liveEventType() string { return "tool_call_started" }

type ToolCallResultEvent struct {
	ID     string
	Name   string
	Result map[string]any
}

func (ToolCallResultEvent) liveEventType() string { return "tool_call_result" }

type ToolCallErrorEvent struct{ ID, Name, Message string }

func (ToolCallErrorEvent) liveEventType() string { return "tool_call_error" }

type MapDisplayEvent struct{ Data json.RawMessage }

func (MapDisplayEvent) liveEventType() string { return "map_display_update" }

type ImageEvent struct {
	Edited   bool
	MIMEType string
	Data     []byte
}

func (ImageEvent) liveEventType() string { return "image" }

type ResumptionEvent struct {
	NewHandle string
	Resumable bool
}

func (ResumptionEvent) liveEventType() string { return "resumption" }

type GoAwayEvent struct{ TimeLeft time.Duration }

func (GoAwayEvent) liveEventType() string { return "go_away" }

type UsageEvent struct{ Input, Output, Total int64 }

func (UsageEvent) liveEventType() string { return "usage" }

type UnknownEvent struct{ Raw json.RawMessage }

func (UnknownEvent) liveEventType() string { return "unknown" }

// Session is one open websocket to the relay.
type Session struct {
	conn *websocket.Conn

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial connects to the relay and starts the event reader.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	u.RawQuery = opts.queryValues().Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// SendText submits a typed user turn.
func (s *Session) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("text must not be empty")
	}
	return s.sendJSON(map[string]any{"type": "text", "text": text})
}

// SendAudio ships one microphone PCM frame as a raw binary message.
func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.sendBinary(pcm)
}

// SendVideoChunk ships one camera JPEG frame.
func (s *Session) SendVideoChunk(jpeg []byte) error {
	return s.sendChunk("video_chunk", jpeg)
}

// SendScreenChunk ships one screen-capture JPEG frame.
func (s *Session) SendScreenChunk(jpeg []byte) error {
	return s.sendChunk("screen_chunk", jpeg)
}

func (s *Session) sendChunk(frameType string, jpeg []byte) error {
	if len(jpeg) == 0 {
		return fmt.Errorf("%s must not be empty", frameType)
	}
	return s.sendJSON(map[string]any{
		"type": frameType,
		"chunk": map[string]any{
			"mimeType": "image/jpeg",
			"data":     base64.StdEncoding.EncodeToString(jpeg),
		},
	})
}

func (s *Session) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("live session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) sendBinary(data []byte) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("live session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close shuts the websocket down and waits for the reader to drain.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error, if any, once the reader exits.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load() {
				return
			}
			s.setErr(err)
			return
		}
		for _, evt := range decodeServerEvents(data) {
			select {
			case s.events <- evt:
			default:
				// A stalled consumer must not wedge the reader; drop.
			}
		}
	}
}
