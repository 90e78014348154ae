package central

import "github.com/srg/blecentral/internal/transport"

// Event is the closed set of lifecycle events published on the manager's bus.
//
// Ordering contract: every WillConnectEvent is followed by exactly one of
// DidConnectEvent or DidDisconnectEvent for the same device; every
// WillDisconnectEvent is followed by exactly one DidDisconnectEvent.
type Event interface {
	lifecycleEvent()
}

// StateChangedEvent reports a controller availability transition.
type StateChangedEvent struct {
	State transport.State
}

// ScanStartedEvent reports that advertisement discovery began.
type ScanStartedEvent struct{}

// ScanStoppedEvent reports that advertisement discovery stopped. Emitted on
// every StopScan call, active scan or not.
type ScanStoppedEvent struct{}

// DeviceDiscoveredEvent reports a new or updated entry in the discovered
// device table.
type DeviceDiscoveredEvent struct {
	ID string
}

// DeviceListInvalidatedEvent reports a bulk removal of non-connected devices
// via RefreshPeripherals.
type DeviceListInvalidatedEvent struct{}

// WillConnectEvent reports a connection attempt starting.
type WillConnectEvent struct {
	ID string
}

// DidConnectEvent reports a connection being established.
type DidConnectEvent struct {
	ID string
}

// WillDisconnectEvent reports a deliberate teardown starting.
type WillDisconnectEvent struct {
	ID string
}

// DidDisconnectEvent reports a connection attempt or established connection
// being torn down.
type DidDisconnectEvent struct {
	ID string
}

func (StateChangedEvent) lifecycleEvent()          {}
func (ScanStartedEvent) lifecycleEvent()           {}
func (ScanStoppedEvent) lifecycleEvent()           {}
func (DeviceDiscoveredEvent) lifecycleEvent()      {}
func (DeviceListInvalidatedEvent) lifecycleEvent() {}
func (WillConnectEvent) lifecycleEvent()           {}
func (DidConnectEvent) lifecycleEvent()            {}
func (WillDisconnectEvent) lifecycleEvent()        {}
func (DidDisconnectEvent) lifecycleEvent()         {}
