// ABOUTME: Scripted mock provider for tests
// ABOUTME: Records calls, replays canned replies, and tracks concurrent usage

package provider

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock is a scripted Provider for tests. Replies are consumed in order; once
// exhausted the last one repeats. The zero value replies with a fixed string.
type Mock struct {
	mu        sync.Mutex
	replies   []string
	err       error
	delay     time.Duration
	calls     []Request
	active    int
	maxActive int
}

// NewMock creates a mock that replays the given replies.
func NewMock(replies ...string) *Mock {
	return &Mock{replies: replies}
}

// Fail makes every subsequent call return err.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes each call take at least d, to widen concurrency windows.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many requests have been made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MaxActive reports the highest number of overlapping calls observed.
func (m *Mock) MaxActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

func (m *Mock) begin(req Request) (reply string, delay time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	m.calls = append(m.calls, req)

	if m.err != nil {
		return "", m.delay, m.err
	}
	switch {
	case len(m.replies) == 0:
		reply = "mock reply"
	case len(m.calls) <= len(m.replies):
		reply = m.replies[len(m.calls)-1]
	default:
		reply = m.replies[len(m.replies)-1]
	}
	return reply, m.delay, nil
}

func (m *Mock) end() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

// Complete implements Provider.
func (m *Mock) Complete(ctx context.Context, req Request) (*Result, error) {
	reply, delay, err := m.begin(req)
	defer m.end()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Result{Text: reply, Usage: &Usage{InputTokens: 1, OutputTokens: 1}}, nil
}

// Stream implements Provider. The reply is split on spaces so tests see
// multiple fragments.
func (m *Mock) Stream(ctx context.Context, req Request) (*FragmentStream, error) {
	reply, delay, err := m.begin(req)
	if err != nil {
		m.end()
		return nil, err
	}

	stream := newFragmentStream()
	go func() {
		defer m.end()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				stream.finish(ctx.Err())
				return
			}
		}
		words := strings.SplitAfter(reply, " ")
		for _, word := range words {
			if err := stream.emit(ctx, word); err != nil {
				stream.finish(err)
				return
			}
		}
		stream.finish(nil)
	}()
	return stream, nil
}
