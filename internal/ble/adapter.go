// Package ble discovers robot peripherals over Bluetooth Low Energy and opens
// UART-style byte-stream links to them. It owns the process-wide radio: only
// the Manager starts and stops scans.
package ble

import "context"

// ClientConfigUUID is the standard Client Characteristic Configuration
// descriptor used to enable RX notifications. It is the same on every family.
const ClientConfigUUID = "00002902-0000-1000-8000-00805f9b34fb"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Advertisement is a single scan result.
type Advertisement struct {
	Address   string
	LocalName string
	RSSI      int
	// Handle is the platform's opaque reference, passed back to Connect.
	Handle any
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports peripherals advertising serviceUUID to onResult until ctx
	// is cancelled. onResult may be called repeatedly for the same address.
	Scan(ctx context.Context, serviceUUID string, onResult func(Advertisement)) error
	// Connect establishes a connection to a previously sighted peripheral.
	Connect(ctx context.Context, p Peripheral) (Connection, error)
}
