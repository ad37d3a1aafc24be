// Package handler implements the per-family request operations: discovery,
// connection bookkeeping and command dispatch to connected robots.
package handler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/domain"
	"github.com/chaz8081/birdbridge/internal/notify"
	"github.com/chaz8081/birdbridge/internal/robot"
	"github.com/chaz8081/birdbridge/internal/tracer"
)

// StopDiscoverMessage is the body returned by StopDiscover.
const StopDiscoverMessage = "Bluetooth discovery stopped."

// Status is the aggregate state of a family's connected devices.
type Status string

const (
	SomeDisconnected Status = "0"
	AllOk            Status = "1"
	NoDevices        Status = "2"
)

// Radio is the part of the scan/connection manager a handler uses.
type Radio interface {
	StartScan(filter ble.ScanFilter, d time.Duration) bool
	StopScan()
	ListFamily(family string) []ble.Peripheral
	SetPendingConnect(family string, ids []string)
	PendingConnect(family string) []string
	RegisterAutoConnect(family string, fn ble.AutoConnectFunc)
	Connect(ctx context.Context, id string, settings ble.UARTSettings) (robot.Link, error)
}

// Robot adapters drain stale RX data through this before each poll.
var _ interface{ Drain() []byte } = (*ble.UART)(nil)

// managerRadio narrows (*ble.Manager).Connect to return a robot.Link.
type managerRadio struct{ *ble.Manager }

func (r managerRadio) Connect(ctx context.Context, id string, settings ble.UARTSettings) (robot.Link, error) {
	u, err := r.Manager.Connect(ctx, id, settings)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// FromManager adapts a *ble.Manager to Radio.
func FromManager(m *ble.Manager) Radio { return managerRadio{m} }

// Options configures a Handler.
type Options struct {
	Sink         notify.Sink
	Logger       *slog.Logger
	Breaker      BreakerConfig
	ScanDuration time.Duration // <= 0 uses the radio's default
}

// Handler serves one robot family. Its device registry is guarded by a single
// lock; device I/O always happens outside it.
type Handler struct {
	family Family
	radio  Radio
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]*device
	closed  bool

	// connecting serializes Connect and Disconnect per id.
	connecting keyedLock
}

// New creates a handler and registers it for auto-connects on radio.
func New(family Family, radio Radio, opts Options) *Handler {
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		family:     family,
		radio:      radio,
		opts:       opts,
		logger:     opts.Logger.With("family", family.Name),
		devices:    make(map[string]*device),
		connecting: keyedLock{held: make(map[string]*idLock)},
	}
	radio.RegisterAutoConnect(family.Name, func(ctx context.Context, id string) {
		if err := h.Connect(ctx, id); err != nil {
			h.logger.Warn("[handler] auto-connect failed", "id", id, "error", err)
		}
	})
	return h
}

// Family returns the family this handler serves.
func (h *Handler) Family() Family { return h.family }

// Discover starts a scan if none is running and returns the current snapshot
// of sighted robots as a JSON array. The snapshot may be stale relative to
// the scan just started.
func (h *Handler) Discover(ctx context.Context) (string, error) {
	filter := ble.ScanFilter{Family: h.family.Name, ServiceUUID: h.family.ServiceUUID()}
	if h.radio.StartScan(filter, h.opts.ScanDuration) {
		h.logger.Debug("[handler] discovery started")
	}

	payload, err := ble.MarshalPeripherals(h.radio.ListFamily(h.family.Name))
	if err != nil {
		return "", domain.WrapOp("handler.Discover", err)
	}
	h.opts.Sink.Notify(ctx, notify.New(notify.KindDiscovered, h.family.Name, notify.Encode(payload)))
	return payload, nil
}

// StopDiscover stops scanning, which also forgets every unconnected sighting.
func (h *Handler) StopDiscover(ctx context.Context) string {
	h.radio.StopScan()
	h.opts.Sink.Notify(ctx, notify.New(notify.KindStopDiscover, h.family.Name, ""))
	return StopDiscoverMessage
}

// Connect opens a link to id and registers the robot. An existing entry for
// id is disconnected and removed first, so a failed reconnect leaves id
// absent from the registry. Concurrent Connect and Disconnect calls for the
// same id run one at a time.
func (h *Handler) Connect(ctx context.Context, id string) (err error) {
	if id == "" {
		return domain.NewError("handler.Connect", domain.ErrInvalidInput, "missing id")
	}
	ctx, span := tracer.StartDeviceSpan(ctx, "connect", h.family.Name, id)
	defer func() { tracer.End(span, err) }()

	unlock, err := h.connecting.lock(ctx, id)
	if err != nil {
		return domain.NewError("handler.Connect", domain.ErrUnavailable, err.Error())
	}
	defer unlock()

	if old := h.remove(id); old != nil {
		h.logger.Info("[handler] replacing existing connection", "id", id)
		if err := old.robot.Disconnect(); err != nil {
			h.logger.Warn("[handler] closing superseded connection", "id", id, "error", err)
		}
	}

	link, err := h.radio.Connect(ctx, id, h.family.Settings)
	if err != nil {
		h.logger.Warn("[handler] connect failed", "id", id, "error", err)
		return err
	}

	r := h.family.New(link, robot.Options{Family: h.family.Name, Logger: h.logger, Sink: h.opts.Sink})
	dev := newDevice(h.family.Name, id, r, h.opts.Breaker, h.logger)

	if l, ok := link.(interface{ OnLinkLost(func()) }); ok {
		l.OnLinkLost(func() {
			h.logger.Warn("[handler] device dropped", "id", id)
			h.opts.Sink.Notify(context.Background(), notify.New(notify.KindDeviceDisconnected, h.family.Name, notify.Encode(id)))
		})
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = r.Disconnect()
		return domain.NewError("handler.Connect", domain.ErrUnavailable, "handler closed")
	}
	h.devices[id] = dev
	h.mu.Unlock()

	h.logger.Info("[handler] connected", "id", id)
	return nil
}

// AutoConnect asks the radio to connect each id as soon as it is sighted and
// starts a scan if none is running.
func (h *Handler) AutoConnect(ctx context.Context, ids []string) (string, error) {
	var wanted []string
	for _, id := range ids {
		if id != "" {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return "", domain.NewError("handler.AutoConnect", domain.ErrInvalidInput, "no ids")
	}
	h.radio.SetPendingConnect(h.family.Name, wanted)
	return h.Discover(ctx)
}

// Disconnect closes and forgets id. It is a no-op if id is not registered.
// A Disconnect that arrives while id is connecting waits for it to finish.
func (h *Handler) Disconnect(ctx context.Context, id string) (string, error) {
	unlock, err := h.connecting.lock(ctx, id)
	if err != nil {
		return "", domain.NewError("handler.Disconnect", domain.ErrUnavailable, err.Error())
	}
	defer unlock()

	if dev := h.remove(id); dev != nil {
		h.logger.Info("[handler] disconnecting", "id", id)
		if err := dev.robot.Disconnect(); err != nil {
			return "", domain.WrapOp("handler.Disconnect", err)
		}
	}
	return h.family.DisconnectMessage, nil
}

// TotalStatus reports NoDevices for an empty registry, AllOk if every
// device's link is up and SomeDisconnected otherwise.
func (h *Handler) TotalStatus() Status {
	h.mu.Lock()
	devs := make([]*device, 0, len(h.devices))
	for _, d := range h.devices {
		devs = append(devs, d)
	}
	h.mu.Unlock()

	if len(devs) == 0 {
		return NoDevices
	}
	for _, d := range devs {
		if !d.robot.IsConnected() {
			return SomeDisconnected
		}
	}
	return AllOk
}

// Output drives an output on id and returns the family's success body.
func (h *Handler) Output(ctx context.Context, id string, out robot.Output) (_ string, _ robot.OutputResult, err error) {
	ctx, span := tracer.StartDeviceSpan(ctx, "out", h.family.Name, id)
	defer func() { tracer.End(span, err) }()

	dev, err := h.lookup("handler.Output", id)
	if err != nil {
		return "", robot.OutputResult{}, err
	}
	res, err := dev.setOutput(ctx, out)
	if err != nil {
		return "", res, err
	}
	return h.family.OutMessage, res, nil
}

// Sensor reads a sensor on id.
func (h *Handler) Sensor(ctx context.Context, id string, sensor robot.Sensor, port string) (_ string, err error) {
	ctx, span := tracer.StartDeviceSpan(ctx, "in", h.family.Name, id)
	defer func() { tracer.End(span, err) }()

	dev, err := h.lookup("handler.Sensor", id)
	if err != nil {
		return "", err
	}
	return dev.readSensor(ctx, sensor, port)
}

// Rename forwards a rename request to id. Current firmware ignores it.
func (h *Handler) Rename(ctx context.Context, id, name string) error {
	dev, err := h.lookup("handler.Rename", id)
	if err != nil {
		return err
	}
	return dev.robot.Rename(ctx, name)
}

// DeviceStatus describes one registered robot.
type DeviceStatus struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Breaker   string `json:"breaker"`
}

// Devices returns the registered robots ordered by id.
func (h *Handler) Devices() []DeviceStatus {
	h.mu.Lock()
	devs := make([]*device, 0, len(h.devices))
	for _, d := range h.devices {
		devs = append(devs, d)
	}
	h.mu.Unlock()

	out := make([]DeviceStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceStatus{
			ID:        d.id,
			Connected: d.robot.IsConnected(),
			Breaker:   d.state().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the auto-connect ids that have not been sighted yet.
func (h *Handler) Pending() []string {
	return h.radio.PendingConnect(h.family.Name)
}

// Close disconnects every registered device. Connects that finish afterwards
// are closed instead of registered.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	devs := h.devices
	h.devices = make(map[string]*device)
	h.mu.Unlock()

	for id, d := range devs {
		if err := d.robot.Disconnect(); err != nil {
			h.logger.Warn("[handler] disconnect on close", "id", id, "error", err)
		}
	}
}

func (h *Handler) lookup(op, id string) (*device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[id]
	if !ok {
		return nil, domain.NewError(op, domain.ErrNotFound, id)
	}
	return dev, nil
}

func (h *Handler) remove(id string) *device {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[id]
	if !ok {
		return nil
	}
	delete(h.devices, id)
	return dev
}
