package central

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/queue"
	"github.com/srg/blecentral/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// capture is a one-shot expectation that the next value update on a
// characteristic is routed to a specific caller. It is created after the
// write phase of a write-then-capture command succeeds and destroyed by
// whichever of {matching update, timer} arrives first.
type capture struct {
	key        transport.Key
	handler    CaptureHandler
	timer      Timer
	omitNotify bool
}

// Peripheral owns one physical connection: its command queue, pending
// capture registrations, and persistent per-characteristic notify handlers.
// Commands are executed strictly in submission order with at most one in
// flight; asynchronous transport completions are reconciled back to the head
// of the queue.
type Peripheral struct {
	id       string
	link     transport.Link
	logger   *logrus.Logger
	newTimer TimerFactory

	commands *queue.Queue[command]

	mu       sync.Mutex
	services map[string]struct{}
	chars    map[string]map[string]transport.Characteristic // service -> characteristic -> info
	values   map[transport.Key][]byte
	handlers *orderedmap.OrderedMap[transport.Key, NotifyHandler]
	captures map[transport.Key]*capture
}

func newPeripheral(id string, link transport.Link, logger *logrus.Logger, newTimer TimerFactory) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	if newTimer == nil {
		newTimer = afterFunc
	}

	p := &Peripheral{
		id:       id,
		link:     link,
		logger:   logger,
		newTimer: newTimer,
		services: make(map[string]struct{}),
		chars:    make(map[string]map[string]transport.Characteristic),
		values:   make(map[transport.Key][]byte),
		handlers: orderedmap.New[transport.Key, NotifyHandler](),
		captures: make(map[transport.Key]*capture),
	}
	p.commands = queue.New(p.execute)
	link.SetHandler(p.handleLinkEvent)
	return p
}

// ID returns the transport-assigned device identifier.
func (p *Peripheral) ID() string {
	return p.id
}

// ----------------------------
// Command submission
// ----------------------------

// DiscoverServices queues a service discovery. A nil filter discovers all
// services. When every requested service is already known from a prior
// discovery, the command completes immediately without a transport call.
func (p *Peripheral) DiscoverServices(uuids []string, completion CompletionHandler) {
	p.commands.Append(&discoverServicesCommand{
		baseCommand: baseCommand{completion: completion},
		services:    transport.NormalizeUUIDs(uuids),
	})
}

// DiscoverCharacteristics queues a characteristic discovery within a service.
// A nil filter discovers all characteristics. Fully cached requests complete
// immediately.
func (p *Peripheral) DiscoverCharacteristics(service string, uuids []string, completion CompletionHandler) {
	p.commands.Append(&discoverCharacteristicsCommand{
		baseCommand:     baseCommand{completion: completion},
		service:         transport.NormalizeUUID(service),
		characteristics: transport.NormalizeUUIDs(uuids),
	})
}

// SetNotify queues a notification toggle. When enabling with a non-nil
// handler, the handler is registered as the persistent notify handler for the
// characteristic; disabling removes any registered handler. The handler table
// is updated before the transport is asked to change delivery.
func (p *Peripheral) SetNotify(service, characteristic string, enable bool, handler NotifyHandler, completion CompletionHandler) {
	p.commands.Append(&setNotifyCommand{
		baseCommand: baseCommand{completion: completion},
		key:         transport.NewKey(service, characteristic),
		enable:      enable,
		handler:     handler,
	})
}

// Read queues a characteristic read. The received value is cached and
// retrievable via Value; the completion only signals the outcome.
func (p *Peripheral) Read(service, characteristic string, completion CompletionHandler) {
	p.commands.Append(&readCommand{
		baseCommand: baseCommand{completion: completion},
		key:         transport.NewKey(service, characteristic),
	})
}

// ReadValue queues a characteristic read and delivers the received value to
// done directly.
func (p *Peripheral) ReadValue(service, characteristic string, done func(value []byte, err error)) {
	key := transport.NewKey(service, characteristic)
	p.Read(service, characteristic, func(err error) {
		if err != nil {
			done(nil, err)
			return
		}
		done(p.value(key), nil)
	})
}

// Write queues a characteristic write with the given write mode.
func (p *Peripheral) Write(service, characteristic string, data []byte, mode transport.WriteMode, completion CompletionHandler) {
	p.commands.Append(&writeCommand{
		baseCommand: baseCommand{completion: completion},
		key:         transport.NewKey(service, characteristic),
		data:        data,
		mode:        mode,
	})
}

// CaptureOptions configure the notify-capture side of WriteAndCaptureNotify.
type CaptureOptions struct {
	// Service and Characteristic address the capture target. When empty the
	// write target is used.
	Service        string
	Characteristic string

	// Timeout bounds the wait for the matching update. Zero means no timer.
	Timeout time.Duration

	// OmitNotifyHandler suppresses the persistent notify handler for the one
	// update consumed by the capture.
	OmitNotifyHandler bool
}

// WriteAndCaptureNotify queues a write and, once the write phase completes
// successfully, registers a one-shot capture for the next value update on the
// target characteristic. The queue advances as soon as the write completes;
// the capture resolves independently via the capture handler. A failed write
// never creates the capture.
func (p *Peripheral) WriteAndCaptureNotify(service, characteristic string, data []byte, mode transport.WriteMode, opts CaptureOptions, capture CaptureHandler, completion CompletionHandler) {
	key := transport.NewKey(service, characteristic)
	captureKey := key
	if opts.Service != "" || opts.Characteristic != "" {
		captureKey = transport.NewKey(opts.Service, opts.Characteristic)
	}

	p.commands.Append(&writeCaptureCommand{
		baseCommand: baseCommand{completion: completion},
		key:         key,
		data:        data,
		mode:        mode,
		captureKey:  captureKey,
		timeout:     opts.Timeout,
		omitNotify:  opts.OmitNotifyHandler,
		capture:     capture,
	})
}

// ----------------------------
// Convenience resolution
// ----------------------------

// HasService reports whether a service is already known from a prior
// discovery.
func (p *Peripheral) HasService(uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.services[transport.NormalizeUUID(uuid)]
	return ok
}

// Service resolves a service by UUID, discovering it if not yet known. A
// known service resolves synchronously; otherwise done runs in the discovery
// completion, on the same execution context that delivers completions.
func (p *Peripheral) Service(uuid string, done CompletionHandler) {
	normalized := transport.NormalizeUUID(uuid)
	if p.HasService(normalized) {
		done(nil)
		return
	}

	p.DiscoverServices([]string{normalized}, func(err error) {
		if err != nil {
			done(err)
			return
		}
		if !p.HasService(normalized) {
			done(&NotFoundError{Resource: "service", UUIDs: []string{uuid}})
			return
		}
		done(nil)
	})
}

// Characteristic resolves a characteristic within a service, running service
// and characteristic discovery as needed.
func (p *Peripheral) Characteristic(service, characteristic string, done func(transport.Characteristic, error)) {
	key := transport.NewKey(service, characteristic)

	if info, ok := p.characteristicInfo(key); ok {
		done(info, nil)
		return
	}

	p.Service(key.Service, func(err error) {
		if err != nil {
			done(transport.Characteristic{}, err)
			return
		}
		p.DiscoverCharacteristics(key.Service, []string{key.Characteristic}, func(err error) {
			if err != nil {
				done(transport.Characteristic{}, err)
				return
			}
			info, ok := p.characteristicInfo(key)
			if !ok {
				done(transport.Characteristic{}, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}})
				return
			}
			done(info, nil)
		})
	})
}

func (p *Peripheral) characteristicInfo(key transport.Key) (transport.Characteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	chars, ok := p.chars[key.Service]
	if !ok {
		return transport.Characteristic{}, false
	}
	info, ok := chars[key.Characteristic]
	return info, ok
}

// Value returns the last value seen for a characteristic, from a read
// completion or a notification. The returned slice is read-only.
func (p *Peripheral) Value(service, characteristic string) []byte {
	return p.value(transport.NewKey(service, characteristic))
}

func (p *Peripheral) value(key transport.Key) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

// ----------------------------
// Command execution
// ----------------------------

// execute dispatches the head command to the transport. It runs on whichever
// goroutine delivered the queue's append/next call; the transport's
// asynchronous completion advances the queue.
func (p *Peripheral) execute(cmd command) {
	switch c := cmd.(type) {
	case *discoverServicesCommand:
		missing := p.missingServices(c.services)
		if len(c.services) > 0 && len(missing) == 0 {
			p.logger.WithField("device", p.id).Debug("Requested services already discovered")
			p.finish(c, nil)
			return
		}
		if err := p.link.DiscoverServices(missing); err != nil {
			p.finish(c, err)
		}

	case *discoverCharacteristicsCommand:
		missing := p.missingCharacteristics(c.service, c.characteristics)
		if len(c.characteristics) > 0 && len(missing) == 0 {
			p.logger.WithFields(logrus.Fields{
				"device":  p.id,
				"service": c.service,
			}).Debug("Requested characteristics already discovered")
			p.finish(c, nil)
			return
		}
		if err := p.link.DiscoverCharacteristics(c.service, missing); err != nil {
			p.finish(c, err)
		}

	case *setNotifyCommand:
		p.mu.Lock()
		if c.enable {
			if c.handler != nil {
				p.handlers.Set(c.key, c.handler)
			}
		} else {
			p.handlers.Delete(c.key)
		}
		p.mu.Unlock()
		if err := p.link.SetNotify(c.key, c.enable); err != nil {
			p.finish(c, err)
		}

	case *readCommand:
		if err := p.link.Read(c.key); err != nil {
			p.finish(c, err)
		}

	case *writeCommand:
		if err := p.link.Write(c.key, c.data, c.mode); err != nil {
			p.finish(c, err)
		}

	case *writeCaptureCommand:
		if err := p.link.Write(c.key, c.data, c.mode); err != nil {
			p.finish(c, err)
		}
	}
}

// finish completes the command and advances the queue. The queue advances
// regardless of success or failure; errors terminate only the command they
// are attached to.
func (p *Peripheral) finish(cmd command, err error) {
	cmd.complete(err)
	p.commands.Next()
}

// missingServices returns the subset of requested services not already
// cached. A nil request means "all" and is forwarded as-is.
func (p *Peripheral) missingServices(requested []string) []string {
	if len(requested) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var missing []string
	for _, uuid := range requested {
		if _, ok := p.services[uuid]; !ok {
			missing = append(missing, uuid)
		}
	}
	return missing
}

func (p *Peripheral) missingCharacteristics(service string, requested []string) []string {
	if len(requested) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	known := p.chars[service]
	var missing []string
	for _, uuid := range requested {
		if _, ok := known[uuid]; !ok {
			missing = append(missing, uuid)
		}
	}
	return missing
}

// ----------------------------
// Transport completion reconciliation
// ----------------------------

// handleLinkEvent is the single sink for this device's transport events. The
// transport delivers events serially, so no two completions race each other.
func (p *Peripheral) handleLinkEvent(ev transport.LinkEvent) {
	switch e := ev.(type) {
	case transport.ServicesDiscovered:
		p.servicesDiscovered(e)
	case transport.CharacteristicsDiscovered:
		p.characteristicsDiscovered(e)
	case transport.NotifyStateChanged:
		p.notifyStateChanged(e)
	case transport.ValueUpdated:
		p.valueUpdated(e)
	case transport.ValueWritten:
		p.valueWritten(e)
	}
}

// servicesDiscovered merges the reported services into the cache and
// completes the head command if it is a service discovery. Completion is
// matched by event kind, not by the requested identifiers: under overlapping
// discovery requests a completion could in principle be attributed to the
// wrong command, but serialization makes overlap impossible within one
// peripheral.
func (p *Peripheral) servicesDiscovered(e transport.ServicesDiscovered) {
	if e.Err == nil {
		p.mu.Lock()
		for _, uuid := range e.Services {
			p.services[transport.NormalizeUUID(uuid)] = struct{}{}
		}
		p.mu.Unlock()
	}

	head, ok := p.commands.First()
	if !ok {
		return
	}
	if c, ok := head.(*discoverServicesCommand); ok {
		p.finish(c, e.Err)
	}
}

func (p *Peripheral) characteristicsDiscovered(e transport.CharacteristicsDiscovered) {
	if e.Err == nil {
		service := transport.NormalizeUUID(e.Service)
		p.mu.Lock()
		known := p.chars[service]
		if known == nil {
			known = make(map[string]transport.Characteristic)
			p.chars[service] = known
		}
		for _, info := range e.Characteristics {
			known[transport.NormalizeUUID(info.UUID)] = info
		}
		p.mu.Unlock()
	}

	head, ok := p.commands.First()
	if !ok {
		return
	}
	if c, ok := head.(*discoverCharacteristicsCommand); ok {
		p.finish(c, e.Err)
	}
}

func (p *Peripheral) notifyStateChanged(e transport.NotifyStateChanged) {
	head, ok := p.commands.First()
	if !ok {
		return
	}
	if c, ok := head.(*setNotifyCommand); ok {
		p.finish(c, e.Err)
	}
}

// valueWritten completes the head write command. For a write-then-capture
// command, a successful write creates the capture registration before the
// queue advances; a failed write never creates it.
func (p *Peripheral) valueWritten(e transport.ValueWritten) {
	head, ok := p.commands.First()
	if !ok {
		return
	}

	switch c := head.(type) {
	case *writeCommand:
		p.finish(c, e.Err)

	case *writeCaptureCommand:
		if e.Err != nil {
			p.finish(c, e.Err)
			return
		}
		p.registerCapture(c)
		p.finish(c, nil)
	}
}

func (p *Peripheral) registerCapture(c *writeCaptureCommand) {
	reg := &capture{
		key:        c.captureKey,
		handler:    c.capture,
		omitNotify: c.omitNotify,
	}

	// The registration must be visible before the timer is armed: an
	// already-elapsed timeout fires during newTimer and has to find its
	// capture to resolve it.
	p.mu.Lock()
	p.captures[c.captureKey] = reg
	p.mu.Unlock()

	if c.timeout > 0 {
		timer := p.newTimer(c.timeout, func() {
			p.captureTimedOut(reg)
		})

		p.mu.Lock()
		live := p.captures[reg.key] == reg
		if live {
			reg.timer = timer
		}
		p.mu.Unlock()

		// Resolved before the timer could be attached; the timer is moot.
		if !live {
			timer.Stop()
		}
	}

	p.logger.WithFields(logrus.Fields{
		"device":  p.id,
		"key":     c.captureKey.String(),
		"timeout": c.timeout,
	}).Debug("Registered notify capture")
}

// captureTimedOut resolves a capture with a timeout error. First-wins with a
// matching update: whichever removes the registration from the table invokes
// the handler. Resolution is by registration identity, so a stale timer never
// touches a newer capture on the same key.
func (p *Peripheral) captureTimedOut(reg *capture) {
	p.mu.Lock()
	live := p.captures[reg.key] == reg
	if live {
		delete(p.captures, reg.key)
	}
	p.mu.Unlock()

	if !live {
		return
	}

	p.logger.WithFields(logrus.Fields{
		"device": p.id,
		"key":    reg.key.String(),
	}).Debug("Notify capture timed out")
	reg.handler(nil, ErrTimeout)
}

// valueUpdated reconciles a value update: a pending capture consumes it
// first, then the persistent handler fires unless the capture opted it out,
// and finally an in-flight read command for the same characteristic is
// completed.
func (p *Peripheral) valueUpdated(e transport.ValueUpdated) {
	p.mu.Lock()
	if e.Err == nil {
		p.values[e.Key] = e.Value
	}
	reg, captured := p.captures[e.Key]
	if captured {
		delete(p.captures, e.Key)
	}
	handler, _ := p.handlers.Get(e.Key)
	p.mu.Unlock()

	if captured {
		if reg.timer != nil {
			reg.timer.Stop()
		}
		reg.handler(e.Value, e.Err)
		if reg.omitNotify {
			handler = nil
		}
	}

	if handler != nil {
		if e.Err != nil {
			p.logger.WithFields(logrus.Fields{
				"device": p.id,
				"key":    e.Key.String(),
				"error":  e.Err,
			}).Warn("Dropping failed value update; notify handler skipped")
		} else {
			handler(e.Value)
		}
	}

	head, ok := p.commands.First()
	if !ok {
		return
	}
	if c, ok := head.(*readCommand); ok && c.key == e.Key {
		p.finish(c, e.Err)
	}
}

// ----------------------------
// Teardown
// ----------------------------

// handleDisconnected clears persistent handlers, drops pending captures
// without firing their completions, and empties the command queue. A command
// already submitted to the transport is orphaned; its late completion finds
// an empty queue and is ignored.
func (p *Peripheral) handleDisconnected() {
	p.mu.Lock()
	cleared := make([]string, 0, p.handlers.Len())
	for pair := p.handlers.Oldest(); pair != nil; pair = pair.Next() {
		cleared = append(cleared, pair.Key.String())
	}
	p.handlers = orderedmap.New[transport.Key, NotifyHandler]()
	for key, reg := range p.captures {
		if reg.timer != nil {
			reg.timer.Stop()
		}
		delete(p.captures, key)
	}
	p.mu.Unlock()

	// The in-flight command may still receive a completion from the link's
	// dispatch goroutine; cancelling suppresses its callback either way.
	if head, ok := p.commands.First(); ok {
		head.cancel()
	}
	p.commands.RemoveAll()

	p.logger.WithFields(logrus.Fields{
		"device":   p.id,
		"handlers": cleared,
	}).Debug("Cleared peripheral state on disconnect")
}
