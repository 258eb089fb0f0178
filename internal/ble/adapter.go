// Package ble implements the device discovery and image-transfer
// protocol engine for gicisky e-ink tags: scanning and identifier
// matching, the connection lifecycle, and the notification-driven
// chunked transfer state machine.
package ble

import "context"

// VendorServicePrefix identifies the tag's proprietary GATT service.
// The firmware exposes its command/image characteristics under a
// service whose 128-bit UUID begins with 0000f.
const VendorServicePrefix = "0000f"

// vendorNameTokens is the fixed allow-list of advertised name families
// recognized as compatible tags when no identifier is configured.
var vendorNameTokens = []string{"PICKSMART", "GICISKY", "ESL", "EINK"}

// Advertisement is one observed BLE advertisement.
type Advertisement struct {
	Address   string
	LocalName string
	RSSI      int16
}

// Characteristic is a writable/notifying GATT endpoint.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notification delivery.
	Unsubscribe() error
}

// CharacteristicRef pairs a discovered characteristic with its UUID so
// the session can order the vendor characteristics by their 16-bit id.
type CharacteristicRef struct {
	UUID string
	Char Characteristic
}

// Connection is an active link to a peripheral.
type Connection interface {
	// DiscoverByPrefix returns the characteristics of every service
	// whose UUID starts with the given prefix (lower-case hex).
	DiscoverByPrefix(servicePrefix string) ([]CharacteristicRef, error)
	// Disconnect terminates the connection. Safe to call more than once.
	Disconnect() error
	// OnDisconnect registers a callback fired when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the radio so the locator and session are testable
// without hardware. The process-wide radio is effectively single-owner:
// callers must finish one session's teardown before starting another.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan streams advertisements to found until found returns true
	// (stop) or ctx is done. Duplicate advertisements may repeat.
	Scan(ctx context.Context, found func(adv Advertisement) (stop bool)) error
	// Connect establishes a connection to the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
