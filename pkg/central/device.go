package central

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srg/blecentral/internal/transport"
)

// ConnectionState tracks where a discovered device is in its connection
// lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Device is one entry in the manager's discovered-device table. Advertisement
// data accumulates across rediscoveries: new keys are merged in, previously
// seen keys are never discarded.
type Device struct {
	mu sync.RWMutex

	id          string
	name        string
	rssi        int
	txPower     *int
	connectable bool
	lastSeen    time.Time

	advertisedServices []string
	serviceData        map[string][]byte
	manufacturerData   []byte

	state      ConnectionState
	peripheral *Peripheral
}

func newDevice(disc transport.Discovery, peripheral *Peripheral) *Device {
	d := &Device{
		id:          disc.ID,
		serviceData: make(map[string][]byte),
		peripheral:  peripheral,
	}
	d.update(disc.Adv)
	return d
}

// ID returns the transport-assigned identifier, stable for the process
// lifetime.
func (d *Device) ID() string {
	return d.id
}

// Name returns the advertised device name, falling back to the identifier.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.id
	}
	return d.name
}

// RSSI returns the last observed signal strength.
func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// TxPower returns the advertised TX power level, nil when not advertised.
func (d *Device) TxPower() *int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

// IsConnectable reports whether the device advertised as connectable.
func (d *Device) IsConnectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

// LastSeen returns the time of the most recent advertisement.
func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// AdvertisedServices returns the accumulated advertised service UUIDs, sorted.
func (d *Device) AdvertisedServices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.advertisedServices))
	copy(out, d.advertisedServices)
	return out
}

// ServiceData returns the accumulated advertised service data.
func (d *Device) ServiceData() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string][]byte, len(d.serviceData))
	for k, v := range d.serviceData {
		out[k] = v
	}
	return out
}

// ManufacturerData returns the most recent non-empty manufacturer data.
func (d *Device) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manufacturerData
}

// State returns the device's connection state.
func (d *Device) State() ConnectionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Peripheral returns the serialized command channel bound to this device.
func (d *Device) Peripheral() *Peripheral {
	return d.peripheral
}

func (d *Device) setState(state ConnectionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

// update merges a fresh advertisement into the record. Merge, not replace:
// keys absent from the new payload keep their previously observed values.
func (d *Device) update(adv transport.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastSeen = time.Now()
	d.rssi = adv.RSSI
	if adv.Name != "" {
		d.name = adv.Name
	}
	if adv.Connectable {
		d.connectable = true
	}
	if adv.TxPower != nil {
		d.txPower = adv.TxPower
	}
	if len(adv.ManufacturerData) > 0 {
		d.manufacturerData = adv.ManufacturerData
	}

	needsSort := false
	for _, svc := range adv.Services {
		normalized := transport.NormalizeUUID(svc)
		if !d.hasAdvertisedService(normalized) {
			d.advertisedServices = append(d.advertisedServices, normalized)
			needsSort = true
		}
	}
	if needsSort {
		sort.Strings(d.advertisedServices)
	}

	for uuid, data := range adv.ServiceData {
		d.serviceData[transport.NormalizeUUID(uuid)] = data
	}
}

// hasAdvertisedService checks for a service UUID without locking; callers
// hold d.mu.
func (d *Device) hasAdvertisedService(uuid string) bool {
	for _, s := range d.advertisedServices {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}
