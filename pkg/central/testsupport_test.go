package central

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/eventbus"
	"github.com/srg/blecentral/internal/transport"
)

const (
	waitTimeout  = 2 * time.Second
	pollInterval = 5 * time.Millisecond
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ----------------------------
// Fake timers
// ----------------------------

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fire invokes the callback unless the timer was stopped or already fired.
func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTimers struct {
	mu      sync.Mutex
	created []*fakeTimer
}

func (f *fakeTimers) factory(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, fn: fn}
	f.mu.Lock()
	f.created = append(f.created, t)
	f.mu.Unlock()
	return t
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeTimers) last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// ----------------------------
// Fake link
// ----------------------------

type linkCall struct {
	op      string
	service string
	uuids   []string
	key     transport.Key
	enable  bool
	data    []byte
	mode    transport.WriteMode
}

type fakeLink struct {
	mu      sync.Mutex
	handler func(transport.LinkEvent)
	calls   []linkCall
	errs    map[string]error // op -> synchronous issue error
}

func newFakeLink() *fakeLink {
	return &fakeLink{errs: make(map[string]error)}
}

func (l *fakeLink) SetHandler(h func(transport.LinkEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *fakeLink) record(c linkCall) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
	return l.errs[c.op]
}

func (l *fakeLink) DiscoverServices(uuids []string) error {
	return l.record(linkCall{op: "discover-services", uuids: uuids})
}

func (l *fakeLink) DiscoverCharacteristics(service string, uuids []string) error {
	return l.record(linkCall{op: "discover-characteristics", service: service, uuids: uuids})
}

func (l *fakeLink) SetNotify(key transport.Key, enabled bool) error {
	return l.record(linkCall{op: "set-notify", key: key, enable: enabled})
}

func (l *fakeLink) Read(key transport.Key) error {
	return l.record(linkCall{op: "read", key: key})
}

func (l *fakeLink) Write(key transport.Key, data []byte, mode transport.WriteMode) error {
	return l.record(linkCall{op: "write", key: key, data: data, mode: mode})
}

// deliver hands a completion event to the registered handler, as the
// transport's serial delivery goroutine would.
func (l *fakeLink) deliver(ev transport.LinkEvent) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h(ev)
}

func (l *fakeLink) callCount(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (l *fakeLink) ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	for i, c := range l.calls {
		out[i] = c.op
	}
	return out
}

// ----------------------------
// Fake central
// ----------------------------

type scanCall struct {
	filter          []string
	allowDuplicates bool
}

type fakeCentral struct {
	mu            sync.Mutex
	handler       func(transport.CentralEvent)
	state         transport.State
	scanCalls     []scanCall
	stopScanCalls int
	connectCalls  []string
	cancelCalls   []string
	known         []transport.Discovery
	connected     []transport.Discovery

	// cancelDelivers, when true, makes CancelConnect behave like a transport
	// that has a record of the connection attempt: a Disconnected event
	// follows.
	cancelDelivers bool

	// stateHook runs once, after the next State() read returns its value.
	// Tests use it to interleave a state transition between two reads.
	stateHook func()
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{state: transport.StateUnknown}
}

func (c *fakeCentral) SetHandler(h func(transport.CentralEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeCentral) State() transport.State {
	c.mu.Lock()
	state := c.state
	hook := c.stateHook
	c.stateHook = nil
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return state
}

func (c *fakeCentral) Scan(filter []string, allowDuplicates bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanCalls = append(c.scanCalls, scanCall{filter: filter, allowDuplicates: allowDuplicates})
	return nil
}

func (c *fakeCentral) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopScanCalls++
	return nil
}

func (c *fakeCentral) Connect(id string, _ transport.ConnectFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls = append(c.connectCalls, id)
	return nil
}

func (c *fakeCentral) CancelConnect(id string) error {
	c.mu.Lock()
	c.cancelCalls = append(c.cancelCalls, id)
	deliver := c.cancelDelivers
	c.mu.Unlock()

	if deliver {
		c.deliver(transport.Disconnected{ID: id})
	}
	return nil
}

func (c *fakeCentral) RetrieveKnown(_ []string) []transport.Discovery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known
}

func (c *fakeCentral) RetrieveConnected(_ []string) []transport.Discovery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// deliver hands an event to the manager as the transport's serial delivery
// goroutine would, updating the reported state first for state changes.
func (c *fakeCentral) deliver(ev transport.CentralEvent) {
	c.mu.Lock()
	if sc, ok := ev.(transport.StateChanged); ok {
		c.state = sc.State
	}
	h := c.handler
	c.mu.Unlock()
	h(ev)
}

func (c *fakeCentral) scanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scanCalls)
}

func (c *fakeCentral) lastScan() (scanCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.scanCalls) == 0 {
		return scanCall{}, false
	}
	return c.scanCalls[len(c.scanCalls)-1], true
}

// ----------------------------
// Helpers
// ----------------------------

// newTestManager builds a manager over a fake central with fake timers, with
// the controller already powered on so gated calls do not block.
func newTestManager(fc *fakeCentral, timers *fakeTimers) *Manager {
	m := NewManager(fc, testLogger())
	m.newTimer = timers.factory
	fc.deliver(transport.StateChanged{State: transport.StatePoweredOn})
	return m
}

// discovery builds a minimal transport discovery for tests.
func discovery(id string, link transport.Link, adv transport.Advertisement) transport.Discovered {
	return transport.Discovered{Discovery: transport.Discovery{ID: id, Adv: adv, Link: link}}
}

// drainEvents returns all events currently buffered on the subscription.
func drainEvents(sub *eventbus.Subscription[Event]) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// eventsOfType filters lifecycle events down to the given variant.
func eventsOfType[T Event](events []Event) []T {
	var out []T
	for _, ev := range events {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}
