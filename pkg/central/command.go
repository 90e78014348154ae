package central

import (
	"sync/atomic"
	"time"

	"github.com/srg/blecentral/internal/transport"
)

// CompletionHandler reports the outcome of a queued command. A nil error
// means success.
type CompletionHandler func(err error)

// NotifyHandler receives every subsequent value update for a characteristic
// until notifications are disabled. The slice is only valid for the duration
// of the call; handlers must copy it if they retain it.
type NotifyHandler func(value []byte)

// CaptureHandler receives the single value update (or local timeout error)
// that resolves a capture registration.
type CaptureHandler func(value []byte, err error)

// command is the closed set of operations a peripheral serializes through
// its queue. Execution-side dispatch type-switches on the concrete variant;
// the queue itself only sees this interface.
type command interface {
	// complete fires the command's completion callback unless the command
	// was cancelled first.
	complete(err error)
	cancel()
}

type baseCommand struct {
	completion CompletionHandler
	cancelled  atomic.Bool
}

func (c *baseCommand) complete(err error) {
	if c.cancelled.Load() {
		return
	}
	if c.completion != nil {
		c.completion(err)
	}
}

// cancel is cooperative: it only suppresses the completion callback. It does
// not abort an in-flight transport call.
func (c *baseCommand) cancel() {
	c.cancelled.Store(true)
}

type discoverServicesCommand struct {
	baseCommand
	services []string // nil means discover all
}

type discoverCharacteristicsCommand struct {
	baseCommand
	service         string
	characteristics []string // nil means discover all
}

type setNotifyCommand struct {
	baseCommand
	key     transport.Key
	enable  bool
	handler NotifyHandler // persistent, optional; only consulted when enabling
}

type readCommand struct {
	baseCommand
	key transport.Key
}

type writeCommand struct {
	baseCommand
	key  transport.Key
	data []byte
	mode transport.WriteMode
}

type writeCaptureCommand struct {
	baseCommand
	key  transport.Key
	data []byte
	mode transport.WriteMode

	captureKey transport.Key
	timeout    time.Duration
	omitNotify bool
	capture    CaptureHandler
}
