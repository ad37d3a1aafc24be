package robot

import (
	"context"
	"errors"
	"sync"

	"github.com/chaz8081/birdbridge/internal/domain"
	"github.com/chaz8081/birdbridge/internal/notify"
)

var errRadio = errors.New("radio rejected write")

// mockLink records writes. failOn lists zero-based write indexes that fail.
type mockLink struct {
	mu        sync.Mutex
	writes    [][]byte
	failOn    map[int]bool
	response  []byte
	respErr   error
	connected bool
	closed    int
	stale     []byte // unsolicited RX data returned by Drain
}

func newMockLink() *mockLink {
	return &mockLink{connected: true, failOn: map[int]bool{}}
}

func (l *mockLink) WriteBytes(_ context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := len(l.writes)
	l.writes = append(l.writes, append([]byte(nil), payload...))
	if l.failOn[idx] {
		return errors.Join(domain.ErrTransport, errRadio)
	}
	return nil
}

func (l *mockLink) WriteBytesWithResponse(ctx context.Context, payload []byte) ([]byte, error) {
	if err := l.WriteBytes(ctx, payload); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.response, l.respErr
}

func (l *mockLink) Drain() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.stale
	l.stale = nil
	return out
}

func (l *mockLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *mockLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.closed++
	return nil
}

func (l *mockLink) written() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.writes))
	for i, w := range l.writes {
		out[i] = string(w)
	}
	return out
}

// eventRecorder captures events synchronously.
type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Notify(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
