// Package session runs one live relay session: a client websocket on one
// side, an upstream model session on the other, and the event loop that
// moves traffic between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/live/params"
	"github.com/apsara-ai/apsara/pkg/gateway/live/protocol"
	"github.com/apsara-ai/apsara/pkg/gateway/live/resume"
	"github.com/apsara-ai/apsara/pkg/gateway/tools"
	"github.com/apsara-ai/apsara/pkg/gateway/upstream"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("live outbound backpressure")

type wsConn interface {
	wsWriter
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	MaxMessageBytes   int64
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	ToolTimeout       time.Duration
	OutboundQueueSize int
}

type Dependencies struct {
	Conn      wsConn
	Logger    *slog.Logger
	Upstream  upstream.Opener
	Params    *params.SessionConfig
	Declared  []*genai.Tool
	Tools     *tools.Registry
	Caller    tools.Caller
	Resume    *resume.State
	SessionID string
	RequestID string
	Resumed   bool
	Config    Config
}

// upstreamEvent is one decoded upstream callback, funneled onto a channel
// so the main loop stays single-threaded.
type upstreamEvent struct {
	opened     bool
	content    *genai.LiveServerContent
	calls      []*genai.FunctionCall
	resumption *resumptionUpdate
	goAway     *time.Duration
	usage      *usageUpdate
	err        error
	closed     *upstreamClose
}

type upstreamClose struct {
	code   int
	reason string
}

type resumptionUpdate struct {
	handle    string
	resumable bool
}

type usageUpdate struct {
	input, output, total int32
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type LiveSession struct {
	conn      wsConn
	logger    *slog.Logger
	opener    upstream.Opener
	params    *params.SessionConfig
	declared  []*genai.Tool
	dispatch  *dispatcher
	resume    *resume.State
	sessionID string
	requestID string
	resumed   bool
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	toolResponses    chan []*genai.FunctionResponse

	lastSendErrLog time.Time
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream opener is required")
	}
	if deps.Params == nil {
		return nil, fmt.Errorf("session params are required")
	}
	if deps.Resume == nil {
		return nil, fmt.Errorf("resume state is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.ToolTimeout <= 0 {
		deps.Config.ToolTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		opener:           deps.Upstream,
		params:           deps.Params,
		declared:         deps.Declared,
		resume:           deps.Resume,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		resumed:          deps.Resumed,
		cfg:              deps.Config,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		toolResponses:    make(chan []*genai.FunctionResponse, 4),
	}
	s.dispatch = &dispatcher{
		registry: deps.Tools,
		caller:   deps.Caller,
		timeout:  deps.Config.ToolTimeout,
		logger:   deps.Logger,
	}
	return s, nil
}

// Cancel tears the session down. Safe to call from any goroutine.
func (s *LiveSession) Cancel() {
	s.cancel()
}

// SendGoAway tells the client this gateway instance is going away. Used by
// the shutdown path via the session tracker.
func (s *LiveSession) SendGoAway(timeLeft time.Duration) error {
	return s.enqueuePriority(outboundFrame{textPayload: protocol.GoAway(timeLeft)})
}

func (s *LiveSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func(err error) error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return err
	}

	upstreamCh := make(chan upstreamEvent, 64)
	push := func(evt upstreamEvent) {
		select {
		case upstreamCh <- evt:
		case <-s.ctx.Done():
		}
	}

	connectCfg := upstream.BuildConnectConfig(s.params, s.declared)
	conn, err := s.opener.Open(s.ctx, s.params.Model, connectCfg, upstream.Callbacks{
		OnOpen:     func() { push(upstreamEvent{opened: true}) },
		OnContent:  func(c *genai.LiveServerContent) { push(upstreamEvent{content: c}) },
		OnToolCall: func(calls []*genai.FunctionCall) { push(upstreamEvent{calls: calls}) },
		OnResumption: func(handle string, resumable bool) {
			push(upstreamEvent{resumption: &resumptionUpdate{handle: handle, resumable: resumable}})
		},
		OnGoAway: func(timeLeft time.Duration) { push(upstreamEvent{goAway: &timeLeft}) },
		OnUsage: func(input, output, total int32) {
			push(upstreamEvent{usage: &usageUpdate{input: input, output: output, total: total}})
		},
		OnError: func(err error) { push(upstreamEvent{err: err}) },
		OnClose: func(code int, reason string) {
			push(upstreamEvent{closed: &upstreamClose{code: code, reason: reason}})
		},
	})
	if err != nil {
		s.logger.Error("upstream connect failed",
			"session_id", s.sessionID, "request_id", s.requestID, "model", s.params.Model, "error", err)
		_ = s.enqueuePriority(outboundFrame{textPayload: protocol.ErrorEvent("upstream connection failed")})
		_ = s.enqueuePriority(outboundFrame{textPayload: protocol.Closed(websocket.CloseTryAgainLater, "upstream unavailable")})
		return flushAndClose(err)
	}
	defer conn.Close()

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	for {
		select {
		case <-s.ctx.Done():
			s.saveForResume(resume.ReasonClientDrop)
			return nil
		case err := <-writerErrCh:
			s.saveForResume(resume.ReasonClientDrop)
			return err
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				s.saveForResume(resume.ReasonClientDrop)
				return nil
			}
			if err := s.handleClientFrame(conn, frame); err != nil {
				return err
			}
		case responses := <-s.toolResponses:
			if err := conn.SendToolResponses(s.ctx, responses); err != nil {
				s.logger.Error("sending tool responses failed", "session_id", s.sessionID, "error", err)
				_ = s.enqueuePriority(outboundFrame{textPayload: protocol.ErrorEvent("tool response delivery failed")})
			}
		case evt := <-upstreamCh:
			done, err := s.handleUpstreamEvent(conn, evt)
			if err != nil {
				return err
			}
			if done {
				return flushAndClose(nil)
			}
		}
	}
}

// handleClientFrame routes one inbound websocket frame. Binary frames are
// microphone audio unless they decode to a known control frame; text frames
// must be control frames and are dropped otherwise.
func (s *LiveSession) handleClientFrame(conn upstream.Conn, frame inboundFrame) error {
	switch frame.messageType {
	case websocket.BinaryMessage:
		msg, err := protocol.DecodeClient(frame.data)
		if err != nil {
			if errors.Is(err, protocol.ErrNotControl) {
				// Not a control frame: raw PCM from the microphone.
				s.forward(conn.SendAudio(s.ctx, frame.data), "audio")
				return nil
			}
			// Recognizably a control frame but unusable. Dropping it beats
			// feeding JSON to the model as audio.
			s.logger.Warn("dropping unusable control frame", "session_id", s.sessionID, "error", err)
			return nil
		}
		return s.handleControl(conn, msg)
	case websocket.TextMessage:
		msg, err := protocol.DecodeClient(frame.data)
		if err != nil {
			s.logger.Warn("dropping undecodable text frame", "session_id", s.sessionID, "error", err)
			return nil
		}
		return s.handleControl(conn, msg)
	}
	return nil
}

func (s *LiveSession) handleControl(conn upstream.Conn, msg *protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.TypeText:
		s.forward(conn.SendText(s.ctx, msg.Text), "text")
	case protocol.TypeVideoChunk, protocol.TypeScreenChunk:
		s.forward(conn.SendMedia(s.ctx, msg.Chunk.MIMEType, msg.Chunk.Data), msg.Type)
	}
	return nil
}

// forward logs upstream send failures, throttled to one line per second.
// Realtime input is best effort; a failed frame never ends the session.
func (s *LiveSession) forward(err error, kind string) {
	if err == nil {
		return
	}
	now := time.Now()
	if now.Sub(s.lastSendErrLog) >= time.Second {
		s.lastSendErrLog = now
		s.logger.Warn("upstream send failed", "session_id", s.sessionID, "kind", kind, "error", err)
	}
}

func (s *LiveSession) handleUpstreamEvent(conn upstream.Conn, evt upstreamEvent) (done bool, err error) {
	switch {
	case evt.opened:
		// The upstream has acknowledged setup; only now is the session
		// ready for input.
		if err := s.enqueuePriority(outboundFrame{textPayload: protocol.Connected(s.sessionID, s.resumed)}); err != nil {
			return false, err
		}
	case evt.content != nil:
		if err := s.sendNormal(protocol.ServerContent(evt.content)); err != nil {
			return false, s.onSendErr(err)
		}
	case len(evt.calls) > 0:
		if err := s.handleToolCalls(evt.calls); err != nil {
			return false, err
		}
	case evt.resumption != nil:
		s.resume.Update(evt.resumption.handle, evt.resumption.resumable)
		if err := s.sendNormal(protocol.SessionResumptionUpdate(evt.resumption.handle, evt.resumption.resumable)); err != nil {
			return false, s.onSendErr(err)
		}
	case evt.goAway != nil:
		timeLeft := *evt.goAway
		if err := s.enqueuePriority(outboundFrame{textPayload: protocol.GoAway(timeLeft)}); err != nil {
			return false, err
		}
		if s.resume.EndingSoon(timeLeft) {
			s.saveForResume(resume.ReasonEndingSoon)
		}
	case evt.usage != nil:
		if err := s.sendNormal(protocol.UsageMetadata(evt.usage.input, evt.usage.output, evt.usage.total)); err != nil {
			return false, s.onSendErr(err)
		}
	case evt.err != nil:
		s.logger.Error("upstream error", "session_id", s.sessionID, "error", evt.err)
		_ = s.enqueuePriority(outboundFrame{textPayload: protocol.ErrorEvent("upstream session error")})
	case evt.closed != nil:
		s.saveForResume(resume.ReasonClientDrop)
		_ = s.enqueuePriority(outboundFrame{textPayload: protocol.Closed(evt.closed.code, evt.closed.reason)})
		return true, nil
	}
	return false, nil
}

func (s *LiveSession) handleToolCalls(calls []*genai.FunctionCall) error {
	announce := make([]protocol.Invocation, 0, len(calls))
	for _, call := range calls {
		announce = append(announce, protocol.Invocation{ID: call.ID, Name: call.Name, Args: call.Args})
	}
	if err := s.sendNormal(protocol.ToolCall(announce)); err != nil {
		return s.onSendErr(err)
	}

	// Dispatch off the relay loop so a slow tool never stalls audio. The
	// responses come back through the loop: every upstream send must stay
	// on the loop goroutine.
	go func() {
		responses := s.dispatch.run(s.ctx, calls, s.sendNormal)
		if len(responses) == 0 {
			return
		}
		select {
		case s.toolResponses <- responses:
		case <-s.ctx.Done():
		}
	}()
	return nil
}

// saveForResume persists the newest resumable handle. The underlying state
// is one-shot, so calling this from several paths is fine.
func (s *LiveSession) saveForResume(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.resume.Save(ctx, reason); err != nil {
		s.logger.Warn("saving resumable session failed", "session_id", s.sessionID, "error", err)
	}
}

func (s *LiveSession) onSendErr(err error) error {
	if errors.Is(err, errBackpressure) {
		s.logger.Warn("dropping outbound frame under backpressure", "session_id", s.sessionID)
		return nil
	}
	return err
}

func (s *LiveSession) sendNormal(payload []byte) error {
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}
