// Package central manages discovery, connection, and serialized command
// execution against BLE peripherals over an asynchronous, callback-completed
// transport.
//
// The Manager owns the transport's controller handle, the discovered-device
// table, scan state, and per-connection timeout timers; every discovered
// device carries a Peripheral that imposes total ordering on the commands
// issued against its connection. Lifecycle transitions are republished as
// ordered events on the manager's bus.
package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/eventbus"
	"github.com/srg/blecentral/internal/transport"
)

// Manager gates all transport operations on the controller reaching a known
// availability state, tracks discovered devices, and manages connection
// timeout timers.
type Manager struct {
	central  transport.Central
	bus      *eventbus.Bus[Event]
	logger   *logrus.Logger
	newTimer TimerFactory

	// ready is closed on the first known controller state report. Gated
	// calls block on it once; afterwards it is a no-op.
	ready chan struct{}

	mu              sync.RWMutex
	devices         map[string]*Device
	scanRequested   bool
	scanActive      bool
	scanFilter      []string
	allowDuplicates bool

	// timers holds the pending connection timeout timer per device
	// identifier. Single writer per identifier; overwritten or cleared on
	// use.
	timers *hashmap.Map[string, Timer]
}

// NewManager creates a manager bound to the given transport central and
// registers itself as the central's event sink. The manager is explicitly
// owned by the caller; there is no process-wide instance.
func NewManager(central transport.Central, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}

	m := &Manager{
		central:  central,
		bus:      eventbus.New[Event](),
		logger:   logger,
		newTimer: afterFunc,
		ready:    make(chan struct{}),
		devices:  make(map[string]*Device),
		timers:   hashmap.New[string, Timer](),
	}
	central.SetHandler(m.handleCentralEvent)
	return m
}

// Events returns a new subscription to the manager's lifecycle event bus.
func (m *Manager) Events() *eventbus.Subscription[Event] {
	return m.bus.Subscribe()
}

// WaitReady blocks until the controller has reported its first known
// availability state, or the context is cancelled.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitReady is the internal startup gate: it blocks only before the first
// known state report and is free afterwards.
func (m *Manager) waitReady() {
	<-m.ready
}

// ----------------------------
// Scanning
// ----------------------------

// StartScan records the desired filter and starts advertisement discovery if
// the controller is powered on. With the controller in an unavailable
// terminal state the call is a no-op. If the controller is merely not yet
// powered on (e.g. resetting), the scan auto-starts on the transition to
// powered-on.
func (m *Manager) StartScan(filter []string, allowDuplicates bool) {
	m.waitReady()

	state := m.central.State()
	if !state.Available() {
		m.logger.WithField("state", state.String()).Warn("Cannot start scan: controller unavailable")
		return
	}

	normalized := transport.NormalizeUUIDs(filter)

	m.mu.Lock()
	m.scanFilter = normalized
	m.allowDuplicates = allowDuplicates
	m.scanRequested = true
	// Re-read under the lock: a power-on delivered after the first read was
	// handled while the request was not yet recorded, so it is ours to act on.
	state = m.central.State()
	start := state == transport.StatePoweredOn
	if start {
		m.scanActive = true
	}
	m.mu.Unlock()

	if !start {
		m.logger.WithField("state", state.String()).Info("Scan requested, waiting for controller power-on")
		return
	}

	if err := m.central.Scan(normalized, allowDuplicates); err != nil {
		m.mu.Lock()
		m.scanActive = false
		m.mu.Unlock()
		m.logger.WithField("error", err).Error("Failed to start scan")
		return
	}

	m.logger.WithField("filter", normalized).Info("Scan started")
	m.bus.Publish(ScanStartedEvent{})
}

// StopScan stops advertisement discovery. Idempotent; a scan-stopped event is
// emitted even when no scan was active.
func (m *Manager) StopScan() {
	m.mu.Lock()
	m.scanRequested = false
	m.scanActive = false
	m.mu.Unlock()

	if err := m.central.StopScan(); err != nil {
		m.logger.WithField("error", err).Warn("Failed to stop scan")
	}
	m.bus.Publish(ScanStoppedEvent{})
}

// RefreshPeripherals stops the scan, evicts every discovered device that is
// not connected or connecting, emits a device-list-invalidated event, and
// restarts scanning with the previously active filter.
func (m *Manager) RefreshPeripherals() {
	m.waitReady()

	m.mu.Lock()
	filter := m.scanFilter
	allowDuplicates := m.allowDuplicates
	m.scanActive = false
	for id, d := range m.devices {
		if d.State() == StateDisconnected {
			delete(m.devices, id)
		}
	}
	m.mu.Unlock()

	if err := m.central.StopScan(); err != nil {
		m.logger.WithField("error", err).Warn("Failed to stop scan during refresh")
	}

	m.logger.Info("Discovered device list invalidated")
	m.bus.Publish(DeviceListInvalidatedEvent{})

	m.StartScan(filter, allowDuplicates)
}

// ----------------------------
// Device table
// ----------------------------

// Devices returns a snapshot of the discovered-device table.
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// Device looks up a discovered device by identifier.
func (m *Manager) Device(id string) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// ----------------------------
// Connection lifecycle
// ----------------------------

// Connect starts a connection attempt to a previously discovered device. A
// positive timeout arms a single-fire timer that cancels the attempt if the
// transport has not reported a connection by then.
func (m *Manager) Connect(id string, timeout time.Duration, flags transport.ConnectFlags) error {
	m.waitReady()

	m.mu.RLock()
	d, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	d.setState(StateConnecting)
	m.logger.WithField("device", id).Info("Connecting to device...")
	m.bus.Publish(WillConnectEvent{ID: id})

	if err := m.central.Connect(id, flags); err != nil {
		d.setState(StateDisconnected)
		m.bus.Publish(DidDisconnectEvent{ID: id})
		return fmt.Errorf("failed to connect to device %q: %w", id, err)
	}

	if timeout > 0 {
		if old, ok := m.timers.Get(id); ok {
			old.Stop()
		}
		m.timers.Set(id, m.newTimer(timeout, func() {
			m.connectTimedOut(id)
		}))
	}
	return nil
}

// Disconnect tears down a connection or pending attempt. The transport
// delivers the resulting disconnect event; if it has no record of the device,
// a did-disconnect event is synthesized so the will/did contract holds.
func (m *Manager) Disconnect(id string) {
	m.logger.WithField("device", id).Info("Disconnecting device...")
	m.bus.Publish(WillDisconnectEvent{ID: id})

	if err := m.central.CancelConnect(id); err != nil {
		m.logger.WithFields(logrus.Fields{
			"device": id,
			"error":  err,
		}).Warn("Failed to cancel connection")
	}

	m.mu.RLock()
	_, known := m.devices[id]
	m.mu.RUnlock()
	if !known {
		m.bus.Publish(DidDisconnectEvent{ID: id})
	}
}

// connectTimedOut fires when a connection attempt exceeds its deadline. The
// transport never delivers a disconnect for a device it has no record of, so
// that case synthesizes the did-disconnect directly.
func (m *Manager) connectTimedOut(id string) {
	m.timers.Del(id)

	m.logger.WithField("device", id).Warn("Connection attempt timed out")
	m.bus.Publish(WillDisconnectEvent{ID: id})

	if err := m.central.CancelConnect(id); err != nil {
		m.logger.WithFields(logrus.Fields{
			"device": id,
			"error":  err,
		}).Warn("Failed to cancel timed-out connection")
	}

	m.mu.RLock()
	_, known := m.devices[id]
	m.mu.RUnlock()
	if !known {
		m.bus.Publish(DidDisconnectEvent{ID: id})
	}
}

// ReconnectKnown attempts to reconnect devices by identifier: first via the
// transport's known-peripherals retrieval, falling back to connected
// peripherals matching the given services. Every match is synthesized as a
// fresh discovery and connected through the normal connect path. Returns the
// number of matches.
func (m *Manager) ReconnectKnown(ids []string, services []string, timeout time.Duration, flags transport.ConnectFlags) int {
	m.waitReady()

	matches := m.central.RetrieveKnown(ids)
	if len(matches) == 0 {
		matches = m.central.RetrieveConnected(transport.NormalizeUUIDs(services))
	}

	for _, disc := range matches {
		m.handleDiscovered(transport.Discovered{Discovery: disc})
		if err := m.Connect(disc.ID, timeout, flags); err != nil {
			m.logger.WithFields(logrus.Fields{
				"device": disc.ID,
				"error":  err,
			}).Warn("Reconnect attempt failed")
		}
	}
	return len(matches)
}

// ----------------------------
// Transport event reconciliation
// ----------------------------

// handleCentralEvent is the single sink for controller-level transport
// events; the transport delivers them serially.
func (m *Manager) handleCentralEvent(ev transport.CentralEvent) {
	switch e := ev.(type) {
	case transport.StateChanged:
		m.handleStateChanged(e)
	case transport.Discovered:
		m.handleDiscovered(e)
	case transport.Connected:
		m.handleConnected(e)
	case transport.ConnectFailed:
		m.handleConnectFailed(e)
	case transport.Disconnected:
		m.handleDisconnected(e)
	}
}

func (m *Manager) handleStateChanged(e transport.StateChanged) {
	m.logger.WithField("state", e.State.String()).Info("Controller state changed")

	if e.State.Known() {
		m.releaseReady()
	}
	m.bus.Publish(StateChangedEvent{State: e.State})

	// A scan requested while the controller was not yet powered on
	// auto-starts once it is.
	m.mu.Lock()
	var filter []string
	var allowDuplicates bool
	start := false
	if e.State == transport.StatePoweredOn {
		if m.scanRequested && !m.scanActive {
			m.scanActive = true
			filter = m.scanFilter
			allowDuplicates = m.allowDuplicates
			start = true
		}
	} else {
		// The transport stops scanning implicitly when the controller
		// leaves powered-on.
		m.scanActive = false
	}
	m.mu.Unlock()

	if start {
		if err := m.central.Scan(filter, allowDuplicates); err != nil {
			m.mu.Lock()
			m.scanActive = false
			m.mu.Unlock()
			m.logger.WithField("error", err).Error("Failed to auto-start scan")
			return
		}
		m.logger.WithField("filter", filter).Info("Scan auto-started on power-on")
		m.bus.Publish(ScanStartedEvent{})
	}
}

func (m *Manager) releaseReady() {
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

// handleDiscovered inserts a new device or merges the advertisement into the
// existing record, then emits a discovery event.
func (m *Manager) handleDiscovered(e transport.Discovered) {
	id := e.Discovery.ID

	m.mu.Lock()
	d, known := m.devices[id]
	if known {
		d.update(e.Discovery.Adv)
	} else {
		peripheral := newPeripheral(id, e.Discovery.Link, m.logger, m.newTimer)
		d = newDevice(e.Discovery, peripheral)
		m.devices[id] = d
	}
	m.mu.Unlock()

	if !known {
		m.logger.WithFields(logrus.Fields{
			"device": id,
			"name":   d.Name(),
			"rssi":   d.RSSI(),
		}).Info("Discovered new device")
	}
	m.bus.Publish(DeviceDiscoveredEvent{ID: id})
}

func (m *Manager) handleConnected(e transport.Connected) {
	m.clearTimer(e.ID)

	m.mu.RLock()
	d, ok := m.devices[e.ID]
	m.mu.RUnlock()
	if !ok {
		m.logger.WithField("device", e.ID).Warn("Connect reported for unknown device")
		return
	}

	d.setState(StateConnected)
	m.logger.WithField("device", e.ID).Info("Device connected")
	m.bus.Publish(DidConnectEvent{ID: e.ID})
}

// handleConnectFailed completes a failed attempt. The device stays in the
// discovered table; only actual disconnects remove it.
func (m *Manager) handleConnectFailed(e transport.ConnectFailed) {
	m.clearTimer(e.ID)

	m.mu.RLock()
	d, ok := m.devices[e.ID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	d.Peripheral().handleDisconnected()
	d.setState(StateDisconnected)
	m.logger.WithFields(logrus.Fields{
		"device": e.ID,
		"error":  e.Err,
	}).Warn("Connection attempt failed")
	m.bus.Publish(DidDisconnectEvent{ID: e.ID})
}

// handleDisconnected completes a teardown. The did-disconnect event is
// published before the device leaves the table so observers can still query
// its state while handling the event.
func (m *Manager) handleDisconnected(e transport.Disconnected) {
	m.clearTimer(e.ID)

	m.mu.RLock()
	d, ok := m.devices[e.ID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	d.Peripheral().handleDisconnected()
	d.setState(StateDisconnected)
	m.logger.WithFields(logrus.Fields{
		"device": e.ID,
		"error":  e.Err,
	}).Info("Device disconnected")
	m.bus.Publish(DidDisconnectEvent{ID: e.ID})

	m.mu.Lock()
	delete(m.devices, e.ID)
	m.mu.Unlock()
}

func (m *Manager) clearTimer(id string) {
	if t, ok := m.timers.Get(id); ok {
		t.Stop()
		m.timers.Del(id)
	}
}

// Close shuts down the event bus. The manager holds no other resources; the
// transport is owned by the caller.
func (m *Manager) Close() {
	m.bus.Close()
}
