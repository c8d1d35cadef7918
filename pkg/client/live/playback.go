package live

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// playbackChunkBytes is 20ms of 24 kHz mono s16le PCM, the drain size per
// tick.
const playbackChunkBytes = 960

// AudioSink is where decoded assistant PCM goes. Restart discards whatever
// the sink has buffered internally; a flush is only silent if the sink's
// own pipeline is cleared too.
type AudioSink interface {
	EnsureRunning() error
	Write(pcm []byte) (int, error)
	Restart() error
	Close() error
}

// Playback drains a strict FIFO of assistant audio into a sink, one chunk
// per tick, so an interruption can cut output within a tick.
type Playback struct {
	sink   AudioSink
	logger *slog.Logger

	mu    sync.Mutex
	queue bytes.Buffer

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewPlayback(sink AudioSink, logger *slog.Logger) *Playback {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Playback{
		sink:   sink,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.drainLoop()
	return p
}

// Enqueue appends one assistant audio chunk to the FIFO.
func (p *Playback) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	p.queue.Write(pcm)
	p.mu.Unlock()
}

// Flush discards all queued audio and restarts the sink so nothing already
// handed to it plays out. Used on upstream interruption.
func (p *Playback) Flush() {
	p.mu.Lock()
	p.queue.Reset()
	p.mu.Unlock()
	if err := p.sink.Restart(); err != nil {
		p.logger.Warn("audio sink restart failed", "error", err)
	}
}

// Pending reports the number of queued, not yet drained bytes.
func (p *Playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Close stops the drain loop and closes the sink.
func (p *Playback) Close() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	if err := p.sink.Close(); err != nil {
		p.logger.Warn("audio sink close failed", "error", err)
	}
}

func (p *Playback) drainLoop() {
	defer close(p.done)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.drainOne()
		}
	}
}

func (p *Playback) drainOne() {
	p.mu.Lock()
	if p.queue.Len() == 0 {
		p.mu.Unlock()
		return
	}
	chunk := p.queue.Next(playbackChunkBytes)
	out := make([]byte, len(chunk))
	copy(out, chunk)
	p.mu.Unlock()

	if err := p.sink.EnsureRunning(); err != nil {
		p.logger.Warn("audio sink unavailable", "error", err)
		return
	}
	if _, err := p.sink.Write(out); err != nil {
		p.logger.Warn("audio sink write failed", "error", err)
	}
}

// FFplaySink plays 24 kHz mono s16le PCM through an ffplay child process.
type FFplaySink struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func ffplayArgs() []string {
	return []string{
		"-nodisp", "-autoexit", "-loglevel", "error",
		"-f", "s16le", "-ar", "24000", "-ch_layout", "mono",
		"-i", "pipe:0",
	}
}

func (s *FFplaySink) EnsureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *FFplaySink) startLocked() error {
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command("ffplay", ffplayArgs()...)
	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		return fmt.Errorf("start audio player: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *FFplaySink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return 0, fmt.Errorf("audio player is not running")
	}
	return s.stdin.Write(pcm)
}

// Restart kills the player so its internally buffered audio is dropped; the
// next write starts a fresh process.
func (s *FFplaySink) Restart() error {
	s.mu.Lock()
	s.stopLocked()
	err := s.startLocked()
	s.mu.Unlock()
	return err
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *FFplaySink) stopLocked() {
	if s.cmd == nil {
		return
	}
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
}
