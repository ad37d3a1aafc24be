package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/birdbridge/internal/domain"
	"github.com/chaz8081/birdbridge/internal/naming"
	"github.com/chaz8081/birdbridge/internal/notify"
	"github.com/chaz8081/birdbridge/internal/worker"
)

// DefaultScanDuration is how long a scan runs before it stops by itself.
const DefaultScanDuration = 5 * time.Second

// Peripheral is a robot seen during scanning.
type Peripheral struct {
	ID             string    `json:"id"`   // radio address
	Name           string    `json:"name"` // display name derived from ID
	AdvertisedName string    `json:"advertisedName,omitempty"`
	Family         string    `json:"family"`
	RSSI           int       `json:"rssi"`
	LastSeen       time.Time `json:"lastSeen"`
	Handle         any       `json:"-"`
}

// ScanFilter selects which advertisements a scan reports.
type ScanFilter struct {
	Family      string
	ServiceUUID string
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	ScanDuration time.Duration
	UART         UARTOptions
}

// AutoConnectFunc connects a sighted peripheral on behalf of a family.
type AutoConnectFunc func(ctx context.Context, id string)

type scanSession struct {
	filter ScanFilter
	cancel context.CancelFunc
	timer  *time.Timer
}

// Manager owns the radio. At most one scan runs at a time; sightings are kept
// in a registry until the next StopScan.
type Manager struct {
	adapter Adapter
	sink    notify.Sink
	pool    *worker.Pool
	opts    ManagerOptions
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	// Lock order: scanMu before mu.
	scanMu sync.Mutex
	scan   *scanSession

	mu          sync.Mutex
	peripherals map[string]Peripheral

	hooksMu sync.Mutex
	pending map[string]map[string]struct{} // family -> ids to connect when sighted
	hooks   map[string]AutoConnectFunc
}

// NewManager creates a Manager. sink and logger may be nil.
func NewManager(adapter Adapter, sink notify.Sink, pool *worker.Pool, opts ManagerOptions, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pool == nil {
		pool = worker.New(4, logger)
	}
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = DefaultScanDuration
	}
	return &Manager{
		adapter:     adapter,
		sink:        sink,
		pool:        pool,
		opts:        opts,
		logger:      logger,
		peripherals: make(map[string]Peripheral),
		pending:     make(map[string]map[string]struct{}),
		hooks:       make(map[string]AutoConnectFunc),
	}
}

func (m *Manager) enable() error {
	m.enableOnce.Do(func() {
		if err := m.adapter.Enable(); err != nil {
			m.enableErr = fmt.Errorf("ble: enable adapter: %w: %w", domain.ErrTransport, err)
		}
	})
	return m.enableErr
}

// StartScan begins a scan for filter that stops itself after d (or the
// configured duration when d <= 0). It returns false without side effects if
// a scan is already running, and false if the radio could not be started.
func (m *Manager) StartScan(filter ScanFilter, d time.Duration) bool {
	if d <= 0 {
		d = m.opts.ScanDuration
	}
	if err := m.enable(); err != nil {
		m.logger.Error("[BLE] cannot scan", "error", err)
		return false
	}

	m.scanMu.Lock()
	if m.scan != nil {
		m.scanMu.Unlock()
		m.logger.Debug("[BLE] scan already running", "family", filter.Family)
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &scanSession{filter: filter, cancel: cancel}
	s.timer = time.AfterFunc(d, func() { m.expire(s) })
	m.scan = s
	m.scanMu.Unlock()

	if !m.pool.TryGo(func() { m.runScan(ctx, s) }) {
		m.scanMu.Lock()
		if m.scan == s {
			m.scan = nil
		}
		m.scanMu.Unlock()
		s.timer.Stop()
		cancel()
		m.logger.Warn("[BLE] no worker free for scan", "family", filter.Family)
		return false
	}

	m.logger.Info("[BLE] scanning", "family", filter.Family, "duration", d)
	return true
}

func (m *Manager) runScan(ctx context.Context, s *scanSession) {
	err := m.adapter.Scan(ctx, s.filter.ServiceUUID, func(ad Advertisement) {
		m.onPeripheralSighted(s, ad)
	})
	if err != nil {
		m.logger.Error("[BLE] scan failed", "family", s.filter.Family, "error", err)
	}
}

// expire ends s when its duration elapses. The timeout event is emitted only
// if s is still the active scan, so it fires at most once per scan.
func (m *Manager) expire(s *scanSession) {
	m.scanMu.Lock()
	if m.scan != s {
		m.scanMu.Unlock()
		return
	}
	m.scan = nil
	m.scanMu.Unlock()

	s.cancel()
	m.logger.Info("[BLE] scan timed out", "family", s.filter.Family)
	m.sink.Notify(context.Background(), notify.New(notify.KindDiscoverTimeout, s.filter.Family, ""))
}

// StopScan ends any running scan and clears the registry. It does not emit a
// timeout event.
func (m *Manager) StopScan() {
	m.scanMu.Lock()
	s := m.scan
	m.scan = nil
	m.mu.Lock()
	clear(m.peripherals)
	m.mu.Unlock()
	m.scanMu.Unlock()

	if s != nil {
		s.timer.Stop()
		s.cancel()
		m.logger.Info("[BLE] scan stopped", "family", s.filter.Family)
	}
}

// Close stops scanning and waits for background work to finish.
func (m *Manager) Close() {
	m.StopScan()
	m.pool.Wait()
}

// Scanning reports whether a scan is running.
func (m *Manager) Scanning() bool {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	return m.scan != nil
}

// ActiveFamily returns the family of the running scan, or "".
func (m *Manager) ActiveFamily() string {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	if m.scan == nil {
		return ""
	}
	return m.scan.filter.Family
}

func (m *Manager) onPeripheralSighted(s *scanSession, ad Advertisement) {
	if ad.Address == "" {
		return
	}
	family := s.filter.Family

	m.scanMu.Lock()
	if m.scan != s {
		m.scanMu.Unlock()
		return
	}
	m.mu.Lock()
	p, seen := m.peripherals[ad.Address]
	p.ID = ad.Address
	p.Name = naming.Generate(ad.Address)
	if ad.LocalName != "" {
		p.AdvertisedName = ad.LocalName
	}
	p.Family = family
	p.RSSI = ad.RSSI
	p.LastSeen = time.Now()
	p.Handle = ad.Handle
	m.peripherals[p.ID] = p
	list := m.familyLocked(family)
	m.mu.Unlock()
	m.scanMu.Unlock()

	if !seen {
		m.logger.Debug("[BLE] peripheral sighted", "family", family, "id", p.ID, "name", p.Name, "rssi", p.RSSI)
	}

	m.maybeAutoConnect(family, p.ID)

	payload, err := MarshalPeripherals(list)
	if err != nil {
		m.logger.Error("[BLE] encode peripheral list", "error", err)
		return
	}
	m.sink.Notify(context.Background(), notify.New(notify.KindDiscovered, family, notify.Encode(payload)))
}

func (m *Manager) maybeAutoConnect(family, id string) {
	m.hooksMu.Lock()
	_, want := m.pending[family][id]
	hook := m.hooks[family]
	if want && hook != nil {
		delete(m.pending[family], id)
	}
	m.hooksMu.Unlock()

	if !want || hook == nil {
		return
	}

	scheduled := m.pool.TryGo(func() {
		m.logger.Info("[BLE] auto-connecting", "family", family, "id", id)
		hook(context.Background(), id)
	})
	if !scheduled {
		// Put it back so the next sighting retries.
		m.hooksMu.Lock()
		if m.pending[family] == nil {
			m.pending[family] = make(map[string]struct{})
		}
		m.pending[family][id] = struct{}{}
		m.hooksMu.Unlock()
		m.logger.Warn("[BLE] no worker free for auto-connect", "family", family, "id", id)
	}
}

// SetPendingConnect replaces the set of ids that family wants connected as
// soon as they are sighted. Each id is connected at most once.
func (m *Manager) SetPendingConnect(family string, ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	m.hooksMu.Lock()
	m.pending[family] = set
	m.hooksMu.Unlock()
}

// PendingConnect returns the ids family is still waiting to sight.
func (m *Manager) PendingConnect(family string) []string {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	ids := make([]string, 0, len(m.pending[family]))
	for id := range m.pending[family] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterAutoConnect sets the function that connects sighted pending ids
// for family.
func (m *Manager) RegisterAutoConnect(family string, fn AutoConnectFunc) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks[family] = fn
}

// Lookup returns the registry record for id.
func (m *Manager) Lookup(id string) (Peripheral, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peripherals[id]
	return p, ok
}

// ListPeripherals returns every sighted peripheral ordered by ID.
func (m *Manager) ListPeripherals() []Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Peripheral, 0, len(m.peripherals))
	for _, p := range m.peripherals {
		list = append(list, p)
	}
	sortPeripherals(list)
	return list
}

// ListFamily returns the sighted peripherals of one family ordered by ID.
func (m *Manager) ListFamily(family string) []Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.familyLocked(family)
}

func (m *Manager) familyLocked(family string) []Peripheral {
	list := make([]Peripheral, 0, len(m.peripherals))
	for _, p := range m.peripherals {
		if p.Family == family {
			list = append(list, p)
		}
	}
	sortPeripherals(list)
	return list
}

// Connect opens a UART link to a sighted peripheral.
func (m *Manager) Connect(ctx context.Context, id string, settings UARTSettings) (*UART, error) {
	p, ok := m.Lookup(id)
	if !ok {
		return nil, domain.NewError("ble.Connect", domain.ErrNotFound, id)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := m.enable(); err != nil {
		return nil, err
	}

	m.logger.Info("[BLE] connecting", "id", id, "name", p.Name)
	conn, err := m.adapter.Connect(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w: %w", id, domain.ErrTransport, err)
	}

	uart, err := OpenUART(conn, settings, m.opts.UART, m.logger.With("id", id))
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	m.logger.Info("[BLE] connected", "id", id, "name", p.Name)
	return uart, nil
}

// MarshalPeripherals renders peripherals as the JSON array the UI expects:
// [{"id":"...","name":"..."}].
func MarshalPeripherals(list []Peripheral) (string, error) {
	type entry struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	entries := make([]entry, len(list))
	for i, p := range list {
		entries[i] = entry{ID: p.ID, Name: p.Name}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sortPeripherals(list []Peripheral) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
