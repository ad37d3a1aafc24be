package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/time/rate"

	"github.com/chaz8081/birdbridge/internal/domain"
)

// UARTSettings names the GATT service and characteristics that carry a
// byte-stream link. TX is written by the bridge; RX notifies the bridge.
type UARTSettings struct {
	ServiceUUID  string
	TxCharUUID   string
	RxCharUUID   string
	RxConfigUUID string
}

// Validate checks that every UUID is present and well formed.
func (s UARTSettings) Validate() error {
	fields := []struct{ name, value string }{
		{"service", s.ServiceUUID},
		{"tx", s.TxCharUUID},
		{"rx", s.RxCharUUID},
		{"rx config", s.RxConfigUUID},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("ble: %s UUID is empty: %w", f.name, domain.ErrInvalidInput)
		}
		if _, err := uuid.Parse(f.value); err != nil {
			return fmt.Errorf("ble: %s UUID %q: %w", f.name, f.value, domain.ErrInvalidInput)
		}
	}
	return nil
}

// UARTOptions configures link behavior.
type UARTOptions struct {
	ResponseTimeout time.Duration // how long WriteBytesWithResponse waits
	WriteRate       float64       // writes per second; <= 0 disables pacing
	WriteBurst      int
	BufferSize      int // bytes of unsolicited RX data retained
	MaxWrite        int // largest single TX write; longer payloads are split
}

// DefaultUARTOptions returns sensible defaults.
func DefaultUARTOptions() UARTOptions {
	return UARTOptions{
		ResponseTimeout: 2 * time.Second,
		WriteRate:       50,
		WriteBurst:      4,
		BufferSize:      1024,
		MaxWrite:        DefaultMaxWrite,
	}
}

// UART is an open byte-stream link to one peripheral. Request/response
// exchanges are serialized; plain writes may interleave with them.
type UART struct {
	settings UARTSettings
	conn     Connection
	tx       Characteristic
	opts     UARTOptions
	limiter  *rate.Limiter
	logger   *slog.Logger

	// exchange serializes WriteBytesWithResponse so each notification is
	// matched to exactly one waiter.
	exchange sync.Mutex

	mu      sync.Mutex
	pending chan []byte // non-nil while an exchange awaits its response
	onLost  []func()

	rx        *ringbuffer.RingBuffer
	closed    chan struct{}
	closeOnce sync.Once
}

// OpenUART resolves the TX and RX characteristics on conn and subscribes to
// RX notifications. On failure the caller still owns conn.
func OpenUART(conn Connection, settings UARTSettings, opts UARTOptions, logger *slog.Logger) (*UART, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultUARTOptions()
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = defaults.ResponseTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = 1
	}
	if opts.MaxWrite <= 0 {
		opts.MaxWrite = defaults.MaxWrite
	}
	if logger == nil {
		logger = slog.Default()
	}

	tx, err := conn.DiscoverCharacteristic(settings.ServiceUUID, settings.TxCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover TX characteristic: %w: %w", domain.ErrTransport, err)
	}
	rxChar, err := conn.DiscoverCharacteristic(settings.ServiceUUID, settings.RxCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover RX characteristic: %w: %w", domain.ErrTransport, err)
	}

	limit := rate.Inf
	if opts.WriteRate > 0 {
		limit = rate.Limit(opts.WriteRate)
	}

	u := &UART{
		settings: settings,
		conn:     conn,
		tx:       tx,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.WriteBurst),
		logger:   logger,
		rx:       ringbuffer.New(opts.BufferSize),
		closed:   make(chan struct{}),
	}

	if err := rxChar.Subscribe(u.onNotify); err != nil {
		return nil, fmt.Errorf("ble: subscribe to RX: %w: %w", domain.ErrTransport, err)
	}
	conn.OnDisconnect(u.linkLost)

	return u, nil
}

// Settings returns the UUIDs this link was opened with.
func (u *UART) Settings() UARTSettings { return u.settings }

// IsConnected reports whether the link is still open.
func (u *UART) IsConnected() bool {
	select {
	case <-u.closed:
		return false
	default:
		return true
	}
}

// OnLinkLost registers fn to run once if the peripheral drops the link.
// It is not called for an explicit Disconnect.
func (u *UART) OnLinkLost(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onLost = append(u.onLost, fn)
}

// WriteBytes sends payload on TX without waiting for a reply. Payloads longer
// than the write limit go out as consecutive paced writes.
func (u *UART) WriteBytes(ctx context.Context, payload []byte) error {
	if !u.IsConnected() {
		return fmt.Errorf("ble: write: %w", domain.ErrDisconnected)
	}
	for _, chunk := range splitPayload(payload, u.opts.MaxWrite) {
		if err := u.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ble: write pacing: %w", err)
		}
		if err := u.tx.Write(chunk); err != nil {
			return fmt.Errorf("ble: write %d bytes: %w: %w", len(chunk), domain.ErrTransport, err)
		}
	}
	return nil
}

// WriteBytesWithResponse sends payload and returns the next RX notification.
// It fails with domain.ErrTimeout if nothing arrives within the response
// timeout and with domain.ErrDisconnected if the link closes while waiting.
func (u *UART) WriteBytesWithResponse(ctx context.Context, payload []byte) ([]byte, error) {
	u.exchange.Lock()
	defer u.exchange.Unlock()

	ch := make(chan []byte, 1)
	u.mu.Lock()
	u.pending = ch
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		if u.pending == ch {
			u.pending = nil
		}
		u.mu.Unlock()
	}()

	if err := u.WriteBytes(ctx, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(u.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-u.closed:
		return nil, fmt.Errorf("ble: awaiting response: %w", domain.ErrDisconnected)
	case <-timer.C:
		u.logger.Warn("[BLE] response timeout", "timeout", u.opts.ResponseTimeout)
		return nil, fmt.Errorf("ble: no response after %s: %w", u.opts.ResponseTimeout, domain.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain returns and clears all unsolicited RX bytes: notifications that
// arrived while no exchange was waiting.
func (u *UART) Drain() []byte {
	n := u.rx.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	n, _ = u.rx.Read(buf)
	return buf[:n]
}

// Disconnect closes the link. Any exchange in flight fails with
// domain.ErrDisconnected. Calling it more than once is harmless.
func (u *UART) Disconnect() error {
	if !u.markClosed() {
		return nil
	}
	if err := u.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w: %w", domain.ErrTransport, err)
	}
	return nil
}

// markClosed reports whether this call performed the close.
func (u *UART) markClosed() bool {
	closed := false
	u.closeOnce.Do(func() {
		close(u.closed)
		closed = true
	})
	return closed
}

func (u *UART) linkLost() {
	if !u.markClosed() {
		return
	}
	u.logger.Warn("[BLE] peripheral dropped the link", "service", u.settings.ServiceUUID)

	u.mu.Lock()
	callbacks := append([]func(){}, u.onLost...)
	u.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (u *UART) onNotify(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	u.mu.Lock()
	ch := u.pending
	u.pending = nil
	u.mu.Unlock()

	if ch != nil {
		ch <- cp
		return
	}

	if n, err := u.rx.Write(cp); err != nil {
		u.logger.Debug("[BLE] RX buffer full, dropping data", "dropped", len(cp)-n, "error", err)
	}
}
