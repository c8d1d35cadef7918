package live

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	written  bytes.Buffer
	restarts int
	closed   bool
}

func (s *fakeSink) EnsureRunning() error { return nil }

func (s *fakeSink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(pcm)
}

func (s *fakeSink) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	s.written.Reset()
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) writtenLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Len()
}

func TestPlaybackDrainsInOrder(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	pb := NewPlayback(sink, nil)
	defer pb.Close()

	first := bytes.Repeat([]byte{1}, playbackChunkBytes)
	second := bytes.Repeat([]byte{2}, playbackChunkBytes)
	pb.Enqueue(first)
	pb.Enqueue(second)

	deadline := time.Now().Add(2 * time.Second)
	for sink.writtenLen() < len(first)+len(second) {
		if time.Now().After(deadline) {
			t.Fatalf("only %d bytes drained", sink.writtenLen())
		}
		time.Sleep(10 * time.Millisecond)
	}

	sink.mu.Lock()
	drained := sink.written.Bytes()
	sink.mu.Unlock()
	if drained[0] != 1 || drained[len(drained)-1] != 2 {
		t.Fatal("chunks drained out of order")
	}
	if pb.Pending() != 0 {
		t.Fatalf("pending = %d after drain", pb.Pending())
	}
}

func TestPlaybackFlushDropsQueue(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	pb := NewPlayback(sink, nil)
	defer pb.Close()

	pb.Enqueue(bytes.Repeat([]byte{1}, 10*playbackChunkBytes))
	pb.Flush()

	if pb.Pending() != 0 {
		t.Fatalf("pending = %d after flush", pb.Pending())
	}
	sink.mu.Lock()
	restarts := sink.restarts
	sink.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("sink restarted %d times, want 1", restarts)
	}
}

func TestPlaybackCloseStopsDrainAndSink(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	pb := NewPlayback(sink, nil)
	pb.Close()

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Fatal("sink not closed")
	}
}

func TestPlaybackEnqueueEmptyIsNoop(t *testing.T) {
	t.Parallel()

	pb := NewPlayback(&fakeSink{}, nil)
	defer pb.Close()

	pb.Enqueue(nil)
	if pb.Pending() != 0 {
		t.Fatalf("pending = %d", pb.Pending())
	}
}
