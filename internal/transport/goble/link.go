package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/transport"
)

// Link adapts one device's ble.Client to the transport.Link capability.
// Blocking GATT calls run on worker goroutines; completions flow through a
// per-link serial dispatch channel.
type Link struct {
	id      string
	central *Central
	logger  *logrus.Logger

	events       chan transport.LinkEvent
	dispatchOnce sync.Once

	mu         sync.Mutex
	handler    func(transport.LinkEvent)
	client     ble.Client
	dialCancel context.CancelFunc
	services   map[string]*ble.Service               // normalized UUID -> live handle
	chars      map[transport.Key]*ble.Characteristic // composite key -> live handle
}

func newLink(id string, central *Central, logger *logrus.Logger) *Link {
	return &Link{
		id:       id,
		central:  central,
		logger:   logger,
		events:   make(chan transport.LinkEvent, DefaultEventBuffer),
		services: make(map[string]*ble.Service),
		chars:    make(map[transport.Key]*ble.Characteristic),
	}
}

// SetHandler registers the event sink and starts the serial dispatch loop.
func (l *Link) SetHandler(h func(transport.LinkEvent)) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()

	l.dispatchOnce.Do(func() {
		groutine.Go("goble-link-dispatch-"+l.id, l.dispatchLoop)
	})
}

func (l *Link) dispatchLoop() {
	for ev := range l.events {
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}
}

func (l *Link) emit(ev transport.LinkEvent) {
	l.events <- ev
}

// ----------------------------
// Connection plumbing (driven by the central)
// ----------------------------

func (l *Link) setDialCancel(cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dialCancel = cancel
}

func (l *Link) attach(client ble.Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.client = client
}

// detach drops the live handles. The discovery caches go with them: a
// reconnected client gets fresh handles.
func (l *Link) detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.client = nil
	l.services = make(map[string]*ble.Service)
	l.chars = make(map[transport.Key]*ble.Characteristic)
}

func (l *Link) cancelConnection() error {
	l.mu.Lock()
	client := l.client
	cancel := l.dialCancel
	l.mu.Unlock()

	if client != nil {
		return client.CancelConnection()
	}
	if cancel != nil {
		cancel()
		return nil
	}
	// Nothing pending: the caller is still owed a disconnect.
	l.central.emit(transport.Disconnected{ID: l.id})
	return nil
}

func (l *Link) currentClient() (ble.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, fmt.Errorf("device %q is not connected", l.id)
	}
	return l.client, nil
}

func (l *Link) connectedWithAnyService(services []string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return false
	}
	if len(services) == 0 {
		return true
	}
	for _, uuid := range services {
		if _, ok := l.services[uuid]; ok {
			return true
		}
	}
	return false
}

// ----------------------------
// transport.Link operations
// ----------------------------

// DiscoverServices runs service discovery on a worker goroutine. The
// completion event carries every service known for this device so far.
func (l *Link) DiscoverServices(uuids []string) error {
	client, err := l.currentClient()
	if err != nil {
		return err
	}

	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}

	go func() {
		svcs, err := client.DiscoverServices(filter)
		if err != nil {
			l.emit(transport.ServicesDiscovered{Err: err})
			return
		}

		l.mu.Lock()
		for _, svc := range svcs {
			l.services[transport.NormalizeUUID(svc.UUID.String())] = svc
		}
		known := make([]string, 0, len(l.services))
		for uuid := range l.services {
			known = append(known, uuid)
		}
		l.mu.Unlock()

		l.emit(transport.ServicesDiscovered{Services: known})
	}()
	return nil
}

// DiscoverCharacteristics runs characteristic discovery within a previously
// discovered service.
func (l *Link) DiscoverCharacteristics(service string, uuids []string) error {
	client, err := l.currentClient()
	if err != nil {
		return err
	}

	normalized := transport.NormalizeUUID(service)
	l.mu.Lock()
	svc, ok := l.services[normalized]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %q has not been discovered on device %q", service, l.id)
	}

	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}

	go func() {
		chars, err := client.DiscoverCharacteristics(filter, svc)
		if err != nil {
			l.emit(transport.CharacteristicsDiscovered{Service: normalized, Err: err})
			return
		}

		infos := make([]transport.Characteristic, 0, len(chars))
		l.mu.Lock()
		for _, char := range chars {
			key := transport.NewKey(normalized, char.UUID.String())
			l.chars[key] = char
			infos = append(infos, transport.Characteristic{
				UUID:       key.Characteristic,
				Properties: convertProperties(char.Property),
			})
		}
		l.mu.Unlock()

		l.emit(transport.CharacteristicsDiscovered{Service: normalized, Characteristics: infos})
	}()
	return nil
}

// SetNotify toggles notification delivery. Incoming notifications surface as
// ValueUpdated events on this link.
func (l *Link) SetNotify(key transport.Key, enabled bool) error {
	client, char, err := l.characteristic(key)
	if err != nil {
		return err
	}

	go func() {
		var err error
		if enabled {
			err = client.Subscribe(char, false, func(data []byte) {
				value := make([]byte, len(data))
				copy(value, data)
				l.emit(transport.ValueUpdated{Key: key, Value: value})
			})
		} else {
			err = client.Unsubscribe(char, false)
		}
		l.emit(transport.NotifyStateChanged{Key: key, Enabled: enabled, Err: err})
	}()
	return nil
}

// Read reads the characteristic value; the completion arrives as a
// ValueUpdated event.
func (l *Link) Read(key transport.Key) error {
	client, char, err := l.characteristic(key)
	if err != nil {
		return err
	}

	go func() {
		data, err := client.ReadCharacteristic(char)
		l.emit(transport.ValueUpdated{Key: key, Value: data, Err: err})
	}()
	return nil
}

// Write writes the characteristic value. go-ble write calls are blocking for
// both modes, so a ValueWritten completion is emitted for unacknowledged
// writes as well.
func (l *Link) Write(key transport.Key, data []byte, mode transport.WriteMode) error {
	client, char, err := l.characteristic(key)
	if err != nil {
		return err
	}

	go func() {
		err := client.WriteCharacteristic(char, data, mode == transport.WriteWithoutResponse)
		l.emit(transport.ValueWritten{Key: key, Err: err})
	}()
	return nil
}

func (l *Link) characteristic(key transport.Key) (ble.Client, *ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, nil, fmt.Errorf("device %q is not connected", l.id)
	}
	char, ok := l.chars[key]
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %q has not been discovered on device %q", key.String(), l.id)
	}
	return l.client, char, nil
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		uuid, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		out = append(out, uuid)
	}
	return out, nil
}

func convertProperties(p ble.Property) transport.Properties {
	var out transport.Properties
	if p&ble.CharBroadcast != 0 {
		out |= transport.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= transport.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= transport.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= transport.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= transport.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= transport.PropIndicate
	}
	return out
}
