package live

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// FrameSource produces one compressed frame per call. Implementations own
// the underlying device and must release it in Close.
type FrameSource interface {
	Grab(ctx context.Context) ([]byte, error)
	Close() error
}

// FrameSender ships one JPEG frame to the relay.
type FrameSender func(jpeg []byte) error

type captureState int

const (
	captureIdle captureState = iota
	captureRequesting
	captureActive
	captureStopping
)

func (s captureState) String() string {
	switch s {
	case captureIdle:
		return "idle"
	case captureRequesting:
		return "requesting"
	case captureActive:
		return "active"
	case captureStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// FrameLoop drives one video or screen capture source on a timed loop.
// All state changes go through Start and Stop; the loop itself only reads.
type FrameLoop struct {
	Kind     string // "video" or "screen", used in logs
	Interval time.Duration
	Open     func(ctx context.Context) (FrameSource, error)
	Send     FrameSender
	Logger   *slog.Logger

	mu     sync.Mutex
	state  captureState
	source FrameSource
	stop   chan struct{}
	done   chan struct{}
}

// Start opens the device and begins the frame loop. Starting an already
// running loop is an error; starting mid-stop waits for no one and fails.
func (l *FrameLoop) Start(ctx context.Context) error {
	if l.Open == nil || l.Send == nil {
		return fmt.Errorf("frame loop requires Open and Send")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := l.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	l.mu.Lock()
	if l.state != captureIdle {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%s capture is %s, not idle", l.Kind, state)
	}
	l.state = captureRequesting
	l.mu.Unlock()

	source, err := l.Open(ctx)
	if err != nil {
		l.mu.Lock()
		l.state = captureIdle
		l.mu.Unlock()
		return fmt.Errorf("open %s source: %w", l.Kind, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	l.mu.Lock()
	l.state = captureActive
	l.source = source
	l.stop = stop
	l.done = done
	l.mu.Unlock()

	go l.run(source, stop, done, interval, logger)
	return nil
}

// Stop tears the loop down and releases the device. Safe to call at any
// time, including twice or before Start.
func (l *FrameLoop) Stop() {
	l.mu.Lock()
	if l.state != captureActive {
		l.mu.Unlock()
		return
	}
	l.state = captureStopping
	stop := l.stop
	done := l.done
	source := l.source
	l.mu.Unlock()

	close(stop)
	<-done
	if source != nil {
		_ = source.Close()
	}

	l.mu.Lock()
	l.state = captureIdle
	l.source = nil
	l.stop = nil
	l.done = nil
	l.mu.Unlock()
}

// Active reports whether the loop is currently sending frames.
func (l *FrameLoop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == captureActive
}

func (l *FrameLoop) run(source FrameSource, stop, done chan struct{}, interval time.Duration, logger *slog.Logger) {
	defer close(done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		frame, err := source.Grab(ctx)
		cancel()
		switch {
		case err != nil:
			logger.Warn("frame grab failed", "kind", l.Kind, "error", err)
		case len(frame) > 0:
			if err := l.Send(frame); err != nil {
				logger.Warn("frame send failed", "kind", l.Kind, "error", err)
			}
		}

		// Reschedule only while still active; a stop between ticks ends
		// the loop here instead of racing the timer.
		select {
		case <-stop:
			return
		default:
			timer.Reset(interval)
		}
	}
}

// FFmpegFrameSource grabs single JPEG frames by running ffmpeg per tick.
// It holds no device between grabs, so Close has nothing to release.
type FFmpegFrameSource struct {
	Args []string
}

// CameraFrameArgs returns per-platform ffmpeg arguments for one webcam frame.
func CameraFrameArgs(goos string) []string {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-framerate", "30", "-i", "0"}
	default:
		input = []string{"-f", "v4l2", "-i", "/dev/video0"}
	}
	return append(input, "-frames:v", "1", "-f", "image2", "-c:v", "mjpeg", "pipe:1")
}

// ScreenFrameArgs returns per-platform ffmpeg arguments for one screen frame.
func ScreenFrameArgs(goos string) []string {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-framerate", "30", "-i", "1"}
	default:
		input = []string{"-f", "x11grab", "-i", ":0.0"}
	}
	return append(input, "-frames:v", "1", "-f", "image2", "-c:v", "mjpeg", "pipe:1")
}

func (s *FFmpegFrameSource) Grab(ctx context.Context) ([]byte, error) {
	args := append([]string{"-hide_banner", "-loglevel", "error"}, s.Args...)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("ffmpeg frame grab: %s", msg)
		}
		return nil, fmt.Errorf("ffmpeg frame grab: %w", err)
	}
	return out.Bytes(), nil
}

func (s *FFmpegFrameSource) Close() error { return nil }
