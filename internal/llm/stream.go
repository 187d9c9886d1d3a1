package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const doneSentinel = "[DONE]"

// idleTimer cancels a request when no bytes arrive for the configured duration.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimer(timeout time.Duration, cancel context.CancelFunc) *idleTimer {
	t := &idleTimer{timeout: timeout}
	t.timer = time.AfterFunc(timeout, func() {
		t.expired.Store(true)
		cancel()
	})
	return t
}

func (t *idleTimer) reset() {
	if !t.expired.Load() {
		t.timer.Reset(t.timeout)
	}
}

func (t *idleTimer) stop()       { t.timer.Stop() }
func (t *idleTimer) fired() bool { return t.expired.Load() }

// sseStream decodes `data: {...}` lines into chunks.
type sseStream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	idle    *idleTimer
	cancel  context.CancelFunc
	current StreamChunk
	err     error
	done    bool
	once    sync.Once
}

func newSSEStream(body io.ReadCloser, idle *idleTimer, cancel context.CancelFunc) *sseStream {
	return &sseStream{
		body:   body,
		reader: bufio.NewReaderSize(body, 64<<10),
		idle:   idle,
		cancel: cancel,
	}
}

func (s *sseStream) Next() bool {
	if s.done {
		return false
	}
	for {
		line, readErr := s.reader.ReadString('\n')
		if line != "" {
			s.idle.reset()
			if payload, ok := dataPayload(line); ok {
				if payload == doneSentinel {
					s.finish(nil)
					return false
				}
				var chunk StreamChunk
				// malformed lines are skipped
				if err := json.Unmarshal([]byte(payload), &chunk); err == nil {
					if chunk.Error != nil {
						s.finish(&UpstreamError{Op: "stream", Body: chunk.Error.Message})
						return false
					}
					s.current = chunk
					return true
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.finish(nil)
			} else if s.idle.fired() {
				s.finish(&UpstreamError{Op: "stream", Err: ErrTimeout})
			} else {
				s.finish(&UpstreamError{Op: "stream", Err: readErr})
			}
			return false
		}
	}
}

func (s *sseStream) Chunk() StreamChunk { return s.current }

func (s *sseStream) Err() error { return s.err }

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.idle.stop()
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) finish(err error) {
	s.done = true
	s.err = err
	s.current = StreamChunk{}
	_ = s.Close()
}

func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
