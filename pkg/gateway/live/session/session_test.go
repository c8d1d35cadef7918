package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/live/params"
	"github.com/apsara-ai/apsara/pkg/gateway/live/resume"
	"github.com/apsara-ai/apsara/pkg/gateway/tools"
	"github.com/apsara-ai/apsara/pkg/gateway/upstream"
	"github.com/apsara-ai/apsara/pkg/kv"
)

type clientFrame struct {
	messageType int
	data        []byte
}

type fakeClientConn struct {
	fakeWSWriter
	frames chan clientFrame
}

func newFakeClientConn() *fakeClientConn {
	return &fakeClientConn{frames: make(chan clientFrame, 16)}
}

func (c *fakeClientConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-c.frames
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	}
	return frame.messageType, frame.data, nil
}

func (c *fakeClientConn) SetReadLimit(int64)                {}
func (c *fakeClientConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeClientConn) SetPongHandler(func(string) error) {}

type mediaItem struct {
	mimeType string
	data     []byte
}

type fakeUpstreamConn struct {
	// sendDelay widens each send so overlapping calls are observable.
	sendDelay  time.Duration
	inFlight   atomic.Int32
	overlapped atomic.Bool

	mu            sync.Mutex
	texts         []string
	audio         [][]byte
	media         []mediaItem
	toolResponses [][]*genai.FunctionResponse
	closed        bool
}

// enter tracks concurrent senders before mu can serialize them. The real
// SDK session panics when two writes overlap.
func (c *fakeUpstreamConn) enter() {
	if c.inFlight.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	if c.sendDelay > 0 {
		time.Sleep(c.sendDelay)
	}
}

func (c *fakeUpstreamConn) exit() { c.inFlight.Add(-1) }

func (c *fakeUpstreamConn) SendText(ctx context.Context, text string) error {
	c.enter()
	defer c.exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeUpstreamConn) SendAudio(ctx context.Context, pcm []byte) error {
	c.enter()
	defer c.exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeUpstreamConn) SendMedia(ctx context.Context, mimeType string, data []byte) error {
	c.enter()
	defer c.exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, mediaItem{mimeType: mimeType, data: data})
	return nil
}

func (c *fakeUpstreamConn) SendToolResponses(ctx context.Context, responses []*genai.FunctionResponse) error {
	c.enter()
	defer c.exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolResponses = append(c.toolResponses, responses)
	return nil
}

func (c *fakeUpstreamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	conn    *fakeUpstreamConn
	cb      upstream.Callbacks
	openErr error
	// holdOpen keeps the fake from acknowledging setup; the test fires
	// OnOpen itself.
	holdOpen bool
}

func (o *fakeOpener) Open(ctx context.Context, model string, config *genai.LiveConnectConfig, cb upstream.Callbacks) (upstream.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	o.cb = cb
	// The real adapter fires OnOpen when the upstream acknowledges setup.
	if !o.holdOpen && cb.OnOpen != nil {
		cb.OnOpen()
	}
	return o.conn, nil
}

func (o *fakeOpener) callbacks() upstream.Callbacks {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cb
}

type sessionHarness struct {
	client  *fakeClientConn
	opener  *fakeOpener
	manager *resume.Manager
	state   *resume.State
	done    chan error
}

func startSession(t *testing.T, registry *tools.Registry, openErr error) *sessionHarness {
	t.Helper()
	return startSessionWith(t, registry, openErr, false)
}

func startSessionWith(t *testing.T, registry *tools.Registry, openErr error, holdOpen bool) *sessionHarness {
	t.Helper()

	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := resume.NewManager(store, 20*time.Second, logger)
	state := manager.Track("owner-1", resume.Record{SessionID: "sess-1", Model: params.DefaultModel})

	h := &sessionHarness{
		client:  newFakeClientConn(),
		opener:  &fakeOpener{conn: &fakeUpstreamConn{}, openErr: openErr, holdOpen: holdOpen},
		manager: manager,
		state:   state,
		done:    make(chan error, 1),
	}

	cfg := params.Resolve(nil, logger)
	s, err := New(Dependencies{
		Conn:      h.client,
		Logger:    logger,
		Upstream:  h.opener,
		Params:    cfg,
		Tools:     registry,
		Caller:    tools.Caller{Authorized: true, Identity: "owner-1"},
		Resume:    state,
		SessionID: "sess-1",
		RequestID: "req-1",
		Config: Config{
			PingInterval:      time.Hour,
			WriteTimeout:      time.Second,
			ToolTimeout:       time.Second,
			OutboundQueueSize: 64,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { h.done <- s.Run() }()
	return h
}

func (h *sessionHarness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *sessionHarness) clientSaw(substr string) bool {
	for _, w := range h.client.snapshot() {
		if strings.Contains(w.data, substr) {
			return true
		}
	}
	return false
}

func (h *sessionHarness) finish(t *testing.T) error {
	t.Helper()
	close(h.client.frames)
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

func TestSessionRelaysTextAndContent(t *testing.T) {
	h := startSession(t, nil, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	h.client.frames <- clientFrame{websocket.TextMessage, []byte(`{"type":"text","text":"hello"}`)}
	h.waitFor(t, "upstream text", func() bool {
		h.opener.conn.mu.Lock()
		defer h.opener.conn.mu.Unlock()
		return len(h.opener.conn.texts) == 1 && h.opener.conn.texts[0] == "hello"
	})

	h.opener.callbacks().OnContent(&genai.LiveServerContent{TurnComplete: true})
	h.waitFor(t, "serverContent frame", func() bool { return h.clientSaw(`"serverContent"`) })

	if err := h.finish(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.opener.conn.closed {
		t.Fatal("upstream should be closed on teardown")
	}
}

func TestSessionBinaryFramesAreAudio(t *testing.T) {
	h := startSession(t, nil, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	pcm := []byte{0x00, 0x01, 0x02, 0x03}
	h.client.frames <- clientFrame{websocket.BinaryMessage, pcm}
	h.waitFor(t, "upstream audio", func() bool {
		h.opener.conn.mu.Lock()
		defer h.opener.conn.mu.Unlock()
		return len(h.opener.conn.audio) == 1
	})

	// JSON-looking binary with an unknown type must be dropped, not fed to
	// the model as audio.
	h.client.frames <- clientFrame{websocket.BinaryMessage, []byte(`{"type":"mystery"}`)}
	h.client.frames <- clientFrame{websocket.BinaryMessage, pcm}
	h.waitFor(t, "second audio frame", func() bool {
		h.opener.conn.mu.Lock()
		defer h.opener.conn.mu.Unlock()
		return len(h.opener.conn.audio) == 2
	})

	_ = h.finish(t)
}

func TestSessionVideoChunksForwarded(t *testing.T) {
	h := startSession(t, nil, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	h.client.frames <- clientFrame{websocket.TextMessage,
		[]byte(`{"type":"video_chunk","chunk":{"mimeType":"image/jpeg","data":"AAEC"}}`)}
	h.waitFor(t, "upstream media", func() bool {
		h.opener.conn.mu.Lock()
		defer h.opener.conn.mu.Unlock()
		return len(h.opener.conn.media) == 1 && h.opener.conn.media[0].mimeType == "image/jpeg"
	})

	_ = h.finish(t)
}

func TestSessionGoAwaySavesResumableHandle(t *testing.T) {
	h := startSession(t, nil, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	cb := h.opener.callbacks()
	cb.OnResumption("handle-1", true)
	h.waitFor(t, "resumption frame", func() bool { return h.clientSaw(`"sessionResumptionUpdate"`) })

	cb.OnGoAway(10 * time.Second)
	h.waitFor(t, "goAway frame", func() bool { return h.clientSaw(`"goAway"`) })
	h.waitFor(t, "saved record", func() bool {
		records, err := h.manager.List(context.Background(), "owner-1")
		return err == nil && len(records) == 1
	})

	records, _ := h.manager.List(context.Background(), "owner-1")
	if records[0].Handle != "handle-1" || records[0].Reason != resume.ReasonEndingSoon {
		t.Fatalf("record = %+v", records[0])
	}

	_ = h.finish(t)
}

func TestSessionClientDropSavesHandle(t *testing.T) {
	h := startSession(t, nil, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	h.opener.callbacks().OnResumption("handle-2", true)
	h.waitFor(t, "resumption frame", func() bool { return h.clientSaw(`"sessionResumptionUpdate"`) })

	if err := h.finish(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	records, err := h.manager.List(context.Background(), "owner-1")
	if err != nil || len(records) != 1 {
		t.Fatalf("records = %v, %v", records, err)
	}
	if records[0].Reason != resume.ReasonClientDrop {
		t.Fatalf("reason = %q", records[0].Reason)
	}
}

func TestSessionToolCallRoundTrip(t *testing.T) {
	registry := tools.NewRegistry(&fakeHandler{name: "current_time", result: map[string]any{"iso": "now"}})
	h := startSession(t, registry, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	h.opener.callbacks().OnToolCall([]*genai.FunctionCall{{ID: "c1", Name: "current_time"}})

	h.waitFor(t, "tool announcement", func() bool { return h.clientSaw(`"toolCall"`) })
	h.waitFor(t, "tool result event", func() bool { return h.clientSaw(`"event":"tool_call_result"`) })
	h.waitFor(t, "upstream tool responses", func() bool {
		h.opener.conn.mu.Lock()
		defer h.opener.conn.mu.Unlock()
		return len(h.opener.conn.toolResponses) == 1
	})

	h.opener.conn.mu.Lock()
	batch := h.opener.conn.toolResponses[0]
	h.opener.conn.mu.Unlock()
	if len(batch) != 1 || batch[0].ID != "c1" || batch[0].Response["iso"] != "now" {
		t.Fatalf("batch = %+v", batch)
	}

	_ = h.finish(t)
}

func TestSessionUpstreamCloseEndsRun(t *testing.T) {
	h := startSession(t, nil, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	h.opener.callbacks().OnClose(websocket.CloseGoingAway, "server shutting down")

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit on upstream close")
	}
	if !h.clientSaw(`"event":"closed"`) {
		t.Fatal("client never saw the closed event")
	}
	if !h.clientSaw(`"code":1001`) || !h.clientSaw(`"reason":"server shutting down"`) {
		t.Fatalf("upstream code and reason not relayed: %+v", h.client.snapshot())
	}
}

func TestSessionConnectFailure(t *testing.T) {
	h := startSession(t, nil, errors.New("quota exceeded"))

	select {
	case err := <-h.done:
		if err == nil {
			t.Fatal("Run should surface the connect error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit on connect failure")
	}
	if !h.clientSaw(`"event":"error"`) || !h.clientSaw(`"event":"closed"`) {
		t.Fatalf("writes = %+v", h.client.snapshot())
	}
	if !h.clientSaw(`"code":1013`) {
		t.Fatalf("connect failure should close with 1013: %+v", h.client.snapshot())
	}
}

func TestSessionConnectedWaitsForUpstreamReady(t *testing.T) {
	h := startSessionWith(t, nil, nil, true)

	var cb upstream.Callbacks
	h.waitFor(t, "upstream open", func() bool {
		cb = h.opener.callbacks()
		return cb.OnOpen != nil
	})
	time.Sleep(50 * time.Millisecond)
	if h.clientSaw(`"event":"connected"`) {
		t.Fatal("connected fired before the upstream acknowledged setup")
	}

	cb.OnOpen()
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	_ = h.finish(t)
}

func TestSessionMalformedControlFramesDropped(t *testing.T) {
	h := startSession(t, nil, nil)
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	// Recognized control frames with unusable contents must be dropped,
	// never fed to the model as PCM.
	h.client.frames <- clientFrame{websocket.BinaryMessage, []byte(`{"type":"video_chunk","chunk":{"data":"!!not-base64!!"}}`)}
	h.client.frames <- clientFrame{websocket.BinaryMessage, []byte(`{"type":"screen_chunk"}`)}
	h.client.frames <- clientFrame{websocket.BinaryMessage, []byte(`{"type":"text","text":""}`)}
	h.client.frames <- clientFrame{websocket.BinaryMessage, []byte{0x10, 0x20, 0x30}}
	h.waitFor(t, "real audio frame", func() bool {
		h.opener.conn.mu.Lock()
		defer h.opener.conn.mu.Unlock()
		return len(h.opener.conn.audio) == 1
	})

	h.opener.conn.mu.Lock()
	audio, media, texts := len(h.opener.conn.audio), len(h.opener.conn.media), len(h.opener.conn.texts)
	h.opener.conn.mu.Unlock()
	if audio != 1 || media != 0 || texts != 0 {
		t.Fatalf("audio=%d media=%d texts=%d, want only the raw PCM frame", audio, media, texts)
	}

	_ = h.finish(t)
}

func TestSessionUpstreamSendsNeverOverlap(t *testing.T) {
	registry := tools.NewRegistry(&fakeHandler{name: "current_time", result: map[string]any{"iso": "now"}})
	h := startSession(t, registry, nil)
	h.opener.conn.sendDelay = 2 * time.Millisecond
	h.waitFor(t, "connected event", func() bool { return h.clientSaw(`"event":"connected"`) })

	// A tool round trip racing a stream of audio frames: the responses and
	// the audio must still reach the upstream one send at a time.
	h.opener.callbacks().OnToolCall([]*genai.FunctionCall{{ID: "c1", Name: "current_time"}})
	pcm := []byte{0x00, 0x01, 0x02, 0x03}
	for i := 0; i < 30; i++ {
		h.client.frames <- clientFrame{websocket.BinaryMessage, pcm}
	}

	h.waitFor(t, "all upstream sends", func() bool {
		h.opener.conn.mu.Lock()
		defer h.opener.conn.mu.Unlock()
		return len(h.opener.conn.audio) == 30 && len(h.opener.conn.toolResponses) == 1
	})
	if h.opener.conn.overlapped.Load() {
		t.Fatal("upstream sends overlapped")
	}

	_ = h.finish(t)
}
