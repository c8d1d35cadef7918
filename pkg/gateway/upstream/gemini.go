package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

const (
	pcmMIMEType = "audio/pcm;rate=16000"
)

// Gemini opens live sessions against the Gemini API.
type Gemini struct {
	client         *genai.Client
	logger         *slog.Logger
	connectTimeout time.Duration
}

func NewGemini(ctx context.Context, apiKey string, connectTimeout time.Duration, logger *slog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, logger: logger, connectTimeout: connectTimeout}, nil
}

func (g *Gemini) Open(ctx context.Context, model string, config *genai.LiveConnectConfig, cb Callbacks) (Conn, error) {
	connectCtx, cancel := context.WithTimeout(ctx, g.connectTimeout)
	defer cancel()

	session, err := g.client.Live.Connect(connectCtx, model, config)
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}

	conn := &geminiConn{session: session}
	// Connect only writes the setup message; the session is ready when the
	// server acknowledges it, so OnOpen fires from the receive loop.
	go g.receiveLoop(session, cb)
	return conn, nil
}

func (g *Gemini) receiveLoop(session *genai.Session, cb Callbacks) {
	opened := false
	for {
		msg, err := session.Receive()
		if err != nil {
			code, reason := closeInfo(err)
			g.logger.Debug("upstream receive loop exited", "code", code, "reason", reason)
			if !isNormalClosure(err) && cb.OnError != nil {
				cb.OnError(err)
			}
			if cb.OnClose != nil {
				cb.OnClose(code, reason)
			}
			return
		}
		if msg != nil && msg.SetupComplete != nil && !opened {
			opened = true
			if cb.OnOpen != nil {
				cb.OnOpen()
			}
		}
		dispatch(msg, cb)
	}
}

// dispatch fans one upstream message out to the matching callback. A single
// message can carry several envelopes; each is delivered independently.
func dispatch(msg *genai.LiveServerMessage, cb Callbacks) {
	if msg == nil {
		return
	}
	if msg.ServerContent != nil && cb.OnContent != nil {
		cb.OnContent(msg.ServerContent)
	}
	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 && cb.OnToolCall != nil {
		cb.OnToolCall(msg.ToolCall.FunctionCalls)
	}
	if msg.SessionResumptionUpdate != nil && cb.OnResumption != nil {
		u := msg.SessionResumptionUpdate
		cb.OnResumption(u.NewHandle, u.Resumable)
	}
	if msg.GoAway != nil && cb.OnGoAway != nil {
		cb.OnGoAway(msg.GoAway.TimeLeft)
	}
	if msg.UsageMetadata != nil && cb.OnUsage != nil {
		u := msg.UsageMetadata
		cb.OnUsage(u.PromptTokenCount, u.ResponseTokenCount, u.TotalTokenCount)
	}
}

func isNormalClosure(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}

// closeInfo extracts the close code and reason from a receive error. Codes
// and close-frame text from the upstream pass through untouched.
func closeInfo(err error) (code int, reason string) {
	if errors.Is(err, io.EOF) {
		return websocket.CloseNormalClosure, "upstream closed"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return closeErr.Code, closeErr.Text
		}
		return closeErr.Code, "upstream closed"
	}
	return websocket.CloseAbnormalClosure, fmt.Sprintf("upstream receive failed: %v", err)
}

type geminiConn struct {
	session *genai.Session
}

func (c *geminiConn) SendText(ctx context.Context, text string) error {
	return c.session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{
			genai.NewContentFromText(text, genai.RoleUser),
		},
	})
}

func (c *geminiConn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: pcmMIMEType, Data: pcm},
	})
}

func (c *geminiConn) SendMedia(ctx context.Context, mimeType string, data []byte) error {
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Video: &genai.Blob{MIMEType: mimeType, Data: data},
	})
}

func (c *geminiConn) SendToolResponses(ctx context.Context, responses []*genai.FunctionResponse) error {
	return c.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: responses,
	})
}

func (c *geminiConn) Close() error {
	return c.session.Close()
}
