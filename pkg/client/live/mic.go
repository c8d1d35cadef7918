package live

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
)

// micChunkBytes is 100ms of 16 kHz mono s16le PCM.
const micChunkBytes = 3200

// micFFmpegArgs returns per-platform ffmpeg arguments that capture the
// default microphone as 16 kHz mono s16le PCM on stdout.
func micFFmpegArgs(goos string) []string {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":0"}
	default:
		input = []string{"-f", "pulse", "-i", "default"}
	}
	return append(input, "-ac", "1", "-ar", "16000", "-f", "s16le", "-")
}

// MicCapture streams microphone PCM to a sender via an ffmpeg child
// process. The state machine matches the frame loops: idle until Start,
// active while the reader pumps, idle again after Stop.
type MicCapture struct {
	Send   func(pcm []byte) error
	Logger *slog.Logger

	mu    sync.Mutex
	state captureState
	cmd   *exec.Cmd
	done  chan struct{}
}

func (m *MicCapture) Start() error {
	if m.Send == nil {
		return fmt.Errorf("mic capture requires Send")
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m.mu.Lock()
	if m.state != captureIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("mic capture is %s, not idle", state)
	}
	m.state = captureRequesting
	m.mu.Unlock()

	args := append([]string{"-hide_banner", "-loglevel", "error"}, micFFmpegArgs(runtime.GOOS)...)
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		m.mu.Lock()
		m.state = captureIdle
		m.mu.Unlock()
		return fmt.Errorf("start microphone capture: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.state = captureActive
	m.cmd = cmd
	m.done = done
	m.mu.Unlock()

	go m.pump(stdout, done, logger)
	return nil
}

// Stop kills ffmpeg and waits for the reader to drain. No-op when idle.
func (m *MicCapture) Stop() {
	m.mu.Lock()
	if m.state != captureActive {
		m.mu.Unlock()
		return
	}
	m.state = captureStopping
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	_ = cmd.Process.Kill()
	<-done
	_ = cmd.Wait()

	m.mu.Lock()
	m.state = captureIdle
	m.cmd = nil
	m.done = nil
	m.mu.Unlock()
}

func (m *MicCapture) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == captureActive
}

func (m *MicCapture) pump(stdout io.Reader, done chan struct{}, logger *slog.Logger) {
	defer close(done)
	if logger == nil {
		logger = slog.Default()
	}

	buf := make([]byte, micChunkBytes)
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := m.Send(chunk); sendErr != nil {
				logger.Warn("mic send failed", "error", sendErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn("mic capture ended", "error", err)
			}
			return
		}
	}
}
