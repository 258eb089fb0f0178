package ble

import (
	"context"
	"sync"
	"testing"
)

// mockCharacteristic records writes, supports notifications, and lets
// a test hook react to each write the way real firmware would.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	onWrite  func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
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

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

// SimulateNotification delivers a notification to the subscriber.
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

// mockConnection simulates an active link exposing a fixed set of
// vendor characteristics.
type mockConnection struct {
	mu           sync.Mutex
	refs         []CharacteristicRef
	discoverErr  error
	disconnectCb func()
	disconnects  int
}

func (c *mockConnection) DiscoverByPrefix(string) ([]CharacteristicRef, error) {
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return c.refs, nil
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

// SimulateDisconnect fires the link-drop callback.
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

// mockAdapter replays a fixed list of advertisements and hands out a
// preset connection.
type mockAdapter struct {
	advertisements []Advertisement
	connection     *mockConnection
	connectErr     error

	mu        sync.Mutex
	delivered int
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(ctx context.Context, found func(Advertisement) bool) error {
	for _, adv := range a.advertisements {
		if ctx.Err() != nil {
			return nil
		}
		a.mu.Lock()
		a.delivered++
		a.mu.Unlock()
		if found(adv) {
			return nil
		}
	}
	// Real scans keep running until stopped; wait out the deadline so
	// pattern matches accumulate the way they would on a live radio.
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(context.Context, string) (Connection, error) {
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return a.connection, nil
}

func (a *mockAdapter) deliveredCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delivered
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
