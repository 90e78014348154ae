// Package goble implements the transport boundary on top of the go-ble
// library. go-ble exposes blocking calls; this package issues them on worker
// goroutines and republishes their results as transport events through one
// serial dispatch goroutine per instance, preserving the boundary's
// serial-delivery contract.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/transport"
)

// DefaultEventBuffer is the capacity of the serial event dispatch channel.
const DefaultEventBuffer = 128

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// Central adapts a ble.Device to the transport.Central capability.
type Central struct {
	logger *logrus.Logger

	mu      sync.Mutex
	dev     ble.Device
	state   transport.State
	handler func(transport.CentralEvent)

	events     chan transport.CentralEvent
	scanCancel context.CancelFunc

	links *hashmap.Map[string, *Link]
}

// NewCentral creates an unstarted central. The controller is brought up and
// its first state reported once SetHandler is called.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{
		logger: logger,
		state:  transport.StateUnknown,
		events: make(chan transport.CentralEvent, DefaultEventBuffer),
		links:  hashmap.New[string, *Link](),
	}
}

// SetHandler registers the event sink, starts the serial dispatch loop, and
// kicks off controller bring-up.
func (c *Central) SetHandler(h func(transport.CentralEvent)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()

	groutine.Go("goble-central-dispatch", c.dispatchLoop)
	groutine.Go("goble-central-bringup", c.bringUp)
}

// dispatchLoop delivers events one at a time, serially.
func (c *Central) dispatchLoop() {
	for ev := range c.events {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}
}

func (c *Central) emit(ev transport.CentralEvent) {
	c.events <- ev
}

// bringUp creates the platform device and reports the first known state.
// go-ble surfaces controller unavailability as a device-creation error, so
// the error string is normalized into a state.
func (c *Central) bringUp() {
	dev, err := DeviceFactory()
	if err != nil {
		state := stateFromError(err)
		c.logger.WithFields(logrus.Fields{
			"error": err,
			"state": state.String(),
		}).Error("Failed to bring up BLE controller")
		c.setState(state)
		c.emit(transport.StateChanged{State: state})
		return
	}

	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()
	ble.SetDefaultDevice(dev)

	c.setState(transport.StatePoweredOn)
	c.logger.Info("BLE controller powered on")
	c.emit(transport.StateChanged{State: transport.StatePoweredOn})
}

// stateFromError maps known go-ble error strings to controller states.
func stateFromError(err error) transport.State {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "have=4"), strings.Contains(msg, "turned off"):
		return transport.StatePoweredOff
	case strings.Contains(msg, "have=3"), strings.Contains(msg, "unauthorized"):
		return transport.StateUnauthorized
	case strings.Contains(msg, "have=2"), strings.Contains(msg, "unsupported"):
		return transport.StateUnsupported
	default:
		return transport.StateUnsupported
	}
}

func (c *Central) setState(s transport.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the last reported controller state.
func (c *Central) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Scan starts advertisement discovery on a worker goroutine. Service
// filtering is applied locally against the advertised UUIDs.
func (c *Central) Scan(filter []string, allowDuplicates bool) error {
	c.mu.Lock()
	dev := c.dev
	if dev == nil {
		c.mu.Unlock()
		return fmt.Errorf("controller is not powered on")
	}
	if c.scanCancel != nil {
		c.scanCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.scanCancel = cancel
	c.mu.Unlock()

	normalized := transport.NormalizeUUIDs(filter)

	go func() {
		err := dev.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
			if !matchesFilter(adv, normalized) {
				return
			}
			c.emit(transport.Discovered{Discovery: c.discoveryFrom(adv)})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.WithField("error", err).Error("Scan terminated with error")
		}
	}()
	return nil
}

// StopScan cancels an active scan. Idempotent.
func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
	return nil
}

func matchesFilter(adv ble.Advertisement, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, required := range filter {
		for _, advertised := range adv.Services() {
			if transport.NormalizeUUID(advertised.String()) == required {
				return true
			}
		}
	}
	return false
}

// discoveryFrom converts a go-ble advertisement and binds it to the
// per-device link handle, creating the link on first sight.
func (c *Central) discoveryFrom(adv ble.Advertisement) transport.Discovery {
	id := adv.Addr().String()
	link, _ := c.links.GetOrInsert(id, newLink(id, c, c.logger))

	a := transport.Advertisement{
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ManufacturerData: adv.ManufacturerData(),
		ServiceData:      make(map[string][]byte),
	}
	for _, uuid := range adv.Services() {
		a.Services = append(a.Services, transport.NormalizeUUID(uuid.String()))
	}
	for _, sd := range adv.ServiceData() {
		a.ServiceData[transport.NormalizeUUID(sd.UUID.String())] = sd.Data
	}
	if adv.TxPowerLevel() != 127 { // 127 means TX power not available
		tx := adv.TxPowerLevel()
		a.TxPower = &tx
	}

	return transport.Discovery{ID: id, Adv: a, Link: link}
}

// Connect dials the device on a worker goroutine. Success, failure, and
// cancellation all surface as central events.
func (c *Central) Connect(id string, _ transport.ConnectFlags) error {
	link, _ := c.links.GetOrInsert(id, newLink(id, c, c.logger))

	ctx, cancel := context.WithCancel(context.Background())
	link.setDialCancel(cancel)

	go func() {
		client, err := ble.Dial(ctx, ble.NewAddr(id))
		link.setDialCancel(nil)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Cancelled attempt: the caller is owed a disconnect.
				c.emit(transport.Disconnected{ID: id})
				return
			}
			c.emit(transport.ConnectFailed{ID: id, Err: err})
			return
		}

		link.attach(client)
		c.emit(transport.Connected{ID: id})

		<-client.Disconnected()
		link.detach()
		c.emit(transport.Disconnected{ID: id})
	}()
	return nil
}

// CancelConnect aborts a pending dial or tears down an established
// connection. The resulting Disconnected event is delivered by the dial
// goroutine watching the client.
func (c *Central) CancelConnect(id string) error {
	link, ok := c.links.Get(id)
	if !ok {
		return fmt.Errorf("no link for device %q", id)
	}
	return link.cancelConnection()
}

// RetrieveKnown returns discoveries for identifiers this central has seen
// before. go-ble keeps no system-level registry, so "known" means previously
// discovered or dialed through this instance.
func (c *Central) RetrieveKnown(ids []string) []transport.Discovery {
	var out []transport.Discovery
	for _, id := range ids {
		if link, ok := c.links.Get(id); ok {
			out = append(out, transport.Discovery{ID: id, Link: link})
		}
	}
	return out
}

// RetrieveConnected returns discoveries for currently connected links that
// expose at least one of the given services.
func (c *Central) RetrieveConnected(services []string) []transport.Discovery {
	normalized := transport.NormalizeUUIDs(services)

	var out []transport.Discovery
	c.links.Range(func(id string, link *Link) bool {
		if link.connectedWithAnyService(normalized) {
			out = append(out, transport.Discovery{ID: id, Link: link})
		}
		return true
	})
	return out
}
