package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/birdbridge/internal/domain"
	"github.com/chaz8081/birdbridge/internal/notify"
	"github.com/chaz8081/birdbridge/internal/worker"
)

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(_ context.Context, e notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofKind(k notify.Kind) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, e := range s.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *mockAdapter, *recordingSink) {
	t.Helper()
	adapter := newMockAdapter()
	sink := &recordingSink{}
	m := NewManager(adapter, sink, worker.New(4, nil), ManagerOptions{ScanDuration: time.Minute}, nil)
	t.Cleanup(m.Close)
	return m, adapter, sink
}

var hummingbirdFilter = ScanFilter{Family: "hummingbird", ServiceUUID: testService}

func TestManagerSecondStartScanIsNoop(t *testing.T) {
	m, adapter, _ := newTestManager(t)

	require.True(t, m.StartScan(hummingbirdFilter, 0))
	adapter.waitScanning(t)

	assert.False(t, m.StartScan(ScanFilter{Family: "flutter", ServiceUUID: testService}, 0))
	assert.True(t, m.Scanning())
	assert.Equal(t, "hummingbird", m.ActiveFamily())
	assert.Equal(t, 1, adapter.scanCount())
}

func TestManagerRepeatedSightingUpserts(t *testing.T) {
	m, adapter, sink := newTestManager(t)

	require.True(t, m.StartScan(hummingbirdFilter, 0))
	adapter.waitScanning(t)

	adapter.emit(Advertisement{Address: "AA:BB", LocalName: "HB1", RSSI: -70})
	adapter.emit(Advertisement{Address: "AA:BB", LocalName: "HB1", RSSI: -50})

	list := m.ListPeripherals()
	require.Len(t, list, 1)
	assert.Equal(t, "AA:BB", list[0].ID)
	assert.Equal(t, -50, list[0].RSSI)
	assert.Equal(t, "HB1", list[0].AdvertisedName)
	assert.Equal(t, "hummingbird", list[0].Family)
	assert.NotEmpty(t, list[0].Name)

	discovered := sink.ofKind(notify.KindDiscovered)
	require.Len(t, discovered, 2)
	payload, err := notify.Decode(discovered[1].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"AA:BB","name":"`+list[0].Name+`"}]`, payload)
}

func TestManagerStopScanClearsRegistry(t *testing.T) {
	m, adapter, sink := newTestManager(t)

	require.True(t, m.StartScan(hummingbirdFilter, 0))
	adapter.waitScanning(t)
	adapter.emit(Advertisement{Address: "AA:BB"})
	adapter.emit(Advertisement{Address: "CC:DD"})
	require.Len(t, m.ListPeripherals(), 2)

	m.StopScan()

	assert.Empty(t, m.ListPeripherals())
	assert.False(t, m.Scanning())
	assert.Empty(t, sink.ofKind(notify.KindDiscoverTimeout))

	// Late callbacks from the cancelled scan are ignored.
	adapter.emit(Advertisement{Address: "EE:FF"})
	assert.Empty(t, m.ListPeripherals())
}

func TestManagerScanTimeoutEmittedOnce(t *testing.T) {
	m, adapter, sink := newTestManager(t)

	require.True(t, m.StartScan(hummingbirdFilter, 30*time.Millisecond))
	adapter.waitScanning(t)

	require.Eventually(t, func() bool {
		return len(sink.ofKind(notify.KindDiscoverTimeout)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, m.Scanning())
	m.StopScan()
	time.Sleep(50 * time.Millisecond)

	timeouts := sink.ofKind(notify.KindDiscoverTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "hummingbird", timeouts[0].Family)
}

func TestManagerScanCanRestartAfterTimeout(t *testing.T) {
	m, adapter, _ := newTestManager(t)

	require.True(t, m.StartScan(hummingbirdFilter, 20*time.Millisecond))
	adapter.waitScanning(t)
	require.Eventually(t, func() bool { return !m.Scanning() }, time.Second, 5*time.Millisecond)

	assert.True(t, m.StartScan(hummingbirdFilter, 0))
}

func TestManagerListFamily(t *testing.T) {
	m, adapter, _ := newTestManager(t)

	require.True(t, m.StartScan(hummingbirdFilter, 0))
	adapter.waitScanning(t)
	adapter.emit(Advertisement{Address: "BB"})
	adapter.emit(Advertisement{Address: "AA"})

	list := m.ListFamily("hummingbird")
	require.Len(t, list, 2)
	assert.Equal(t, "AA", list[0].ID)
	assert.Empty(t, m.ListFamily("flutter"))
}

func TestManagerAutoConnectConsumesPendingID(t *testing.T) {
	m, adapter, _ := newTestManager(t)

	var mu sync.Mutex
	var connected []string
	done := make(chan struct{}, 4)
	m.RegisterAutoConnect("hummingbird", func(_ context.Context, id string) {
		mu.Lock()
		connected = append(connected, id)
		mu.Unlock()
		done <- struct{}{}
	})
	m.SetPendingConnect("hummingbird", []string{"AA:BB", "CC:DD"})

	require.True(t, m.StartScan(hummingbirdFilter, 0))
	adapter.waitScanning(t)
	adapter.emit(Advertisement{Address: "AA:BB"})
	adapter.emit(Advertisement{Address: "AA:BB"})
	adapter.emit(Advertisement{Address: "11:22"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("auto-connect hook not called")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"AA:BB"}, connected)
	mu.Unlock()
	assert.Equal(t, []string{"CC:DD"}, m.PendingConnect("hummingbird"))
}

func TestManagerConnect(t *testing.T) {
	m, adapter, _ := newTestManager(t)

	require.True(t, m.StartScan(hummingbirdFilter, 0))
	adapter.waitScanning(t)
	adapter.emit(Advertisement{Address: "AA:BB"})

	uart, err := m.Connect(context.Background(), "AA:BB", testSettings)
	require.NoError(t, err)
	assert.True(t, uart.IsConnected())
	assert.NotNil(t, adapter.latestConnection())
}

func TestManagerConnectUnknownID(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Connect(context.Background(), "nope", testSettings)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, m.ListPeripherals())
}

func TestManagerConnectTransportFailure(t *testing.T) {
	m, adapter, _ := newTestManager(t)
	adapter.connectErr = errors.New("timeout")

	require.True(t, m.StartScan(hummingbirdFilter, 0))
	adapter.waitScanning(t)
	adapter.emit(Advertisement{Address: "AA:BB"})

	_, err := m.Connect(context.Background(), "AA:BB", testSettings)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestMarshalPeripherals(t *testing.T) {
	out, err := MarshalPeripherals([]Peripheral{{ID: "AA", Name: "Brave Owl", RSSI: -40}})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"AA","name":"Brave Owl"}]`, out)

	empty, err := MarshalPeripherals(nil)
	require.NoError(t, err)
	assert.Equal(t, `[]`, empty)
}

func TestManagerConcurrentStartScanRunsOneScan(t *testing.T) {
	m, adapter, _ := newTestManager(t)

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			family := "hummingbird"
			if i%2 == 1 {
				family = "flutter"
			}
			if m.StartScan(ScanFilter{Family: family, ServiceUUID: testService}, 0) {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	adapter.waitScanning(t)

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, adapter.scanCount())
	assert.True(t, m.Scanning())
}

func TestManagerTimeoutRacingStopFiresAtMostOnce(t *testing.T) {
	for range 5 {
		m, adapter, sink := newTestManager(t)

		require.True(t, m.StartScan(hummingbirdFilter, 10*time.Millisecond))
		adapter.waitScanning(t)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(10 * time.Millisecond)
				m.StopScan()
			}()
		}
		wg.Wait()
		time.Sleep(30 * time.Millisecond)

		assert.LessOrEqual(t, len(sink.ofKind(notify.KindDiscoverTimeout)), 1)
		assert.False(t, m.Scanning())
	}
}
