package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	testService  = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	testTxChar   = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	testRxChar   = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	testRxConfig = ClientConfigUUID
)

var testSettings = UARTSettings{
	ServiceUUID:  testService,
	TxCharUUID:   testTxChar,
	RxCharUUID:   testRxChar,
	RxConfigUUID: testRxConfig,
}

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	writeErr error
	onWrite  func(data []byte) // runs after a successful write, outside the lock
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	txChar       *mockCharacteristic
	rxChar       *mockCharacteristic
	disconnectCb func()
	disconnects  int
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		txChar: &mockCharacteristic{},
		rxChar: &mockCharacteristic{},
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	switch charUUID {
	case testTxChar:
		return c.txChar, nil
	case testRxChar:
		return c.rxChar, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockAdapter simulates the BLE adapter. Scan blocks until its context is
// cancelled; tests feed advertisements through emit.
type mockAdapter struct {
	mu         sync.Mutex
	onResult   func(Advertisement)
	scans      int
	scanning   chan struct{} // receives once per Scan call
	connectErr error
	connection *mockConnection // most recent connection for test assertions
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{scanning: make(chan struct{}, 8)}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(ctx context.Context, _ string, onResult func(Advertisement)) error {
	a.mu.Lock()
	a.onResult = onResult
	a.scans++
	a.mu.Unlock()
	a.scanning <- struct{}{}

	<-ctx.Done()

	a.mu.Lock()
	a.onResult = nil
	a.mu.Unlock()
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, _ Peripheral) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newMockConnection()
	a.connection = conn
	return conn, nil
}

// emit delivers an advertisement to the running scan, if any.
func (a *mockAdapter) emit(ad Advertisement) {
	a.mu.Lock()
	cb := a.onResult
	a.mu.Unlock()
	if cb != nil {
		cb(ad)
	}
}

// waitScanning blocks until Scan has been called.
func (a *mockAdapter) waitScanning(t *testing.T) {
	t.Helper()
	select {
	case <-a.scanning:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter Scan was never called")
	}
}

func (a *mockAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
