// Package upstream adapts the Gemini Live API behind a narrow interface the
// relay can drive and tests can fake. The relay never touches the genai
// session directly; it sends through Conn and receives through Callbacks.
package upstream

import (
	"context"
	"time"

	"google.golang.org/genai"
)

// Callbacks receives decoded upstream traffic. All callbacks fire from the
// adapter's single receive goroutine, so handlers run one at a time. Nil
// callbacks are skipped.
type Callbacks struct {
	// OnOpen fires once, after the upstream setup handshake completes.
	OnOpen func()
	// OnContent delivers a model content message verbatim.
	OnContent func(*genai.LiveServerContent)
	// OnToolCall delivers a batch of function invocations.
	OnToolCall func([]*genai.FunctionCall)
	// OnResumption delivers a refreshed resumption handle.
	OnResumption func(newHandle string, resumable bool)
	// OnGoAway warns that the upstream will close in timeLeft.
	OnGoAway func(timeLeft time.Duration)
	// OnUsage delivers cumulative token counts.
	OnUsage func(input, output, total int32)
	// OnError reports a receive failure. OnClose follows.
	OnError func(error)
	// OnClose fires exactly once when the receive loop exits, carrying
	// the upstream close code and reason.
	OnClose func(code int, reason string)
}

// Conn is an open upstream session. The SDK session underneath tolerates no
// concurrent writes, so callers must issue all sends from one goroutine; the
// relay routes every send through its event loop.
type Conn interface {
	SendText(ctx context.Context, text string) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendMedia(ctx context.Context, mimeType string, data []byte) error
	SendToolResponses(ctx context.Context, responses []*genai.FunctionResponse) error
	Close() error
}

// Opener establishes upstream sessions.
type Opener interface {
	Open(ctx context.Context, model string, config *genai.LiveConnectConfig, cb Callbacks) (Conn, error)
}
