// Package transport defines the boundary to the radio layer.
//
// The radio is an opaque, callback-completed capability: every operation is
// issued and later completes via an out-of-band event. Instead of a delegate
// object receiving heterogeneous callbacks, each event is a closed variant
// type delivered to a single handler function registered by the owning
// component. For a given transport instance, events are delivered serially
// with respect to each other.
package transport

import "strings"

// State represents controller power/availability.
type State int

const (
	StateUnknown State = iota
	StateResetting
	StatePoweredOff
	StateUnauthorized
	StateUnsupported
	StatePoweredOn
)

// Known reports whether the controller has settled into a reportable state.
// The first known state, available or not, releases the manager's startup gate.
func (s State) Known() bool {
	return s != StateUnknown
}

// Available reports whether scan/connect requests can be serviced at all.
// Resetting is considered available: the controller is expected to come back.
func (s State) Available() bool {
	switch s {
	case StatePoweredOff, StateUnauthorized, StateUnsupported:
		return false
	default:
		return true
	}
}

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StatePoweredOff:
		return "powered_off"
	case StateUnauthorized:
		return "unauthorized"
	case StateUnsupported:
		return "unsupported"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// WriteMode selects acknowledged vs. unacknowledged characteristic writes.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// NormalizeUUID converts a UUID string to the canonical internal form
// (lowercase, no dashes). Both dashed and already-normalized inputs are
// accepted.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// NormalizeUUIDs normalizes a slice of UUID strings. A nil slice stays nil.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}

// ShortUUID truncates a long UUID for display. Short-form UUIDs come back
// unchanged.
func ShortUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// Key addresses a characteristic within a service. Both UUIDs are stored in
// normalized form so a Key is usable directly as a map key.
type Key struct {
	Service        string
	Characteristic string
}

// NewKey builds a Key from possibly dashed UUID strings.
func NewKey(service, characteristic string) Key {
	return Key{
		Service:        NormalizeUUID(service),
		Characteristic: NormalizeUUID(characteristic),
	}
}

func (k Key) String() string {
	return k.Service + "/" + k.Characteristic
}

// Characteristic describes a discovered characteristic.
type Characteristic struct {
	UUID       string
	Properties Properties
}

// Properties is the characteristic property bitmask.
type Properties uint8

const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// Advertisement carries the advertised attributes of a device. On
// rediscovery its contents are merged into the existing record, never
// replacing previously seen keys.
type Advertisement struct {
	Name             string
	RSSI             int
	Connectable      bool
	TxPower          *int
	Services         []string
	ServiceData      map[string][]byte
	ManufacturerData []byte
}

// Discovery pairs a device identity with its advertisement and the Link
// handle used for all per-device operations once connected.
type Discovery struct {
	ID   string
	Adv  Advertisement
	Link Link
}

// ConnectFlags mirror the transport's notify-on-connect/disconnect/
// notification options.
type ConnectFlags struct {
	NotifyOnConnection    bool
	NotifyOnDisconnection bool
	NotifyOnNotification  bool
}

// ----------------------------
// Central events
// ----------------------------

// CentralEvent is the closed set of controller-level events.
type CentralEvent interface {
	centralEvent()
}

// StateChanged reports a controller availability transition.
type StateChanged struct {
	State State
}

// Discovered reports an advertisement from a (possibly already known) device.
type Discovered struct {
	Discovery Discovery
}

// Connected reports a successful connection establishment.
type Connected struct {
	ID string
}

// ConnectFailed reports a failed connection attempt.
type ConnectFailed struct {
	ID  string
	Err error
}

// Disconnected reports an established or pending connection being torn down.
type Disconnected struct {
	ID  string
	Err error
}

func (StateChanged) centralEvent()  {}
func (Discovered) centralEvent()    {}
func (Connected) centralEvent()     {}
func (ConnectFailed) centralEvent() {}
func (Disconnected) centralEvent()  {}

// ----------------------------
// Link events
// ----------------------------

// LinkEvent is the closed set of per-device completion events. Err is the
// transport's error passed through verbatim, nil on success.
type LinkEvent interface {
	linkEvent()
}

// ServicesDiscovered completes a service discovery request. Services holds
// every service known to the transport for this device, not only the subset
// requested.
type ServicesDiscovered struct {
	Services []string
	Err      error
}

// CharacteristicsDiscovered completes a characteristic discovery request for
// one service.
type CharacteristicsDiscovered struct {
	Service         string
	Characteristics []Characteristic
	Err             error
}

// NotifyStateChanged completes a set-notify request.
type NotifyStateChanged struct {
	Key     Key
	Enabled bool
	Err     error
}

// ValueUpdated reports a characteristic value, either as a read completion
// or as an unsolicited notification.
type ValueUpdated struct {
	Key   Key
	Value []byte
	Err   error
}

// ValueWritten completes an acknowledged write.
type ValueWritten struct {
	Key Key
	Err error
}

func (ServicesDiscovered) linkEvent()        {}
func (CharacteristicsDiscovered) linkEvent() {}
func (NotifyStateChanged) linkEvent()        {}
func (ValueUpdated) linkEvent()              {}
func (ValueWritten) linkEvent()              {}

// ----------------------------
// Capabilities
// ----------------------------

// Central is the controller capability consumed by the manager. A synchronous
// error means the request could not even be issued; all asynchronous outcomes
// arrive as CentralEvents through the registered handler.
type Central interface {
	// SetHandler registers the single event sink. Must be called before any
	// other method.
	SetHandler(func(CentralEvent))

	// State returns the last reported controller state.
	State() State

	// Scan starts advertisement discovery, optionally filtered by service
	// UUIDs, with a duplicate-advertisement policy flag.
	Scan(filter []string, allowDuplicates bool) error

	// StopScan stops advertisement discovery. Idempotent.
	StopScan() error

	// Connect initiates a connection attempt to a discovered device.
	Connect(id string, flags ConnectFlags) error

	// CancelConnect aborts a pending or established connection. For a device
	// the transport has a record of, a Disconnected event follows.
	CancelConnect(id string) error

	// RetrieveKnown returns devices the transport remembers by identifier.
	RetrieveKnown(ids []string) []Discovery

	// RetrieveConnected returns devices connected at the system level that
	// expose at least one of the given services.
	RetrieveConnected(services []string) []Discovery
}

// Link is the per-device capability consumed by a peripheral. Completion of
// every operation arrives as a LinkEvent; a synchronous error means the
// request was never issued.
type Link interface {
	// SetHandler registers the single event sink. Must be called before any
	// other method.
	SetHandler(func(LinkEvent))

	DiscoverServices(uuids []string) error
	DiscoverCharacteristics(service string, uuids []string) error
	SetNotify(key Key, enabled bool) error
	Read(key Key) error
	Write(key Key, data []byte, mode WriteMode) error
}
