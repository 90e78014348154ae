package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/eventbus"
	"github.com/srg/blecentral/internal/transport"
	"github.com/srg/blecentral/internal/transport/goble"
	"github.com/srg/blecentral/pkg/central"
	"github.com/srg/blecentral/pkg/config"
)

// session bundles the manager, its event subscription, and the resolved
// configuration for one CLI command invocation.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	manager *central.Manager
	events  *eventbus.Subscription[central.Event]
}

// newSession builds the transport and manager and waits for the controller to
// report its first state.
func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	manager := central.NewManager(goble.NewCentral(logger), logger)

	s := &session{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		events:  manager.Events(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := manager.WaitReady(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("controller did not become ready: %w", err)
	}
	return s, nil
}

func (s *session) Close() {
	s.events.Unsubscribe()
	s.manager.Close()
}

// interruptContext derives a context cancelled by Ctrl+C or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// matchesDevice reports whether a table entry matches the user-supplied
// target, by identifier or by advertised name.
func matchesDevice(d *central.Device, target string) bool {
	return strings.EqualFold(d.ID(), target) || d.Name() == target
}

// findDevice scans until the target device shows up in the discovered-device
// table or the scan window closes.
func (s *session) findDevice(ctx context.Context, target string) (*central.Device, error) {
	// The device may be known from an earlier scan in this session.
	for _, d := range s.manager.Devices() {
		if matchesDevice(d, target) {
			return d, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	s.manager.StartScan(s.cfg.ServiceFilter, s.cfg.AllowDuplicates)
	defer s.manager.StopScan()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, target)
		case ev, ok := <-s.events.C():
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, target)
			}
			discovered, isDiscovery := ev.(central.DeviceDiscoveredEvent)
			if !isDiscovery {
				continue
			}
			d, known := s.manager.Device(discovered.ID)
			if known && matchesDevice(d, target) {
				return d, nil
			}
		}
	}
}

// connect starts a connection attempt and waits for its lifecycle outcome: a
// did-connect completes it, a did-disconnect means the attempt failed or
// timed out.
func (s *session) connect(ctx context.Context, d *central.Device) error {
	if err := s.manager.Connect(d.ID(), s.cfg.ConnectTimeout, transport.ConnectFlags{}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.manager.Disconnect(d.ID())
			return ctx.Err()
		case ev, ok := <-s.events.C():
			if !ok {
				return ErrConnectionLost
			}
			switch e := ev.(type) {
			case central.DidConnectEvent:
				if e.ID == d.ID() {
					return nil
				}
			case central.DidDisconnectEvent:
				if e.ID == d.ID() {
					return fmt.Errorf("failed to connect to %s", d.Name())
				}
			}
		}
	}
}

// findAndConnect is the common preamble for read/write/monitor commands.
func (s *session) findAndConnect(ctx context.Context, target string, progress *progressPrinter) (*central.Device, error) {
	progress.SetPhase("Scanning")
	d, err := s.findDevice(ctx, target)
	if err != nil {
		return nil, err
	}

	progress.SetPhase("Connecting")
	if err := s.connect(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// awaitCompletion bridges a callback-completed peripheral operation into a
// synchronous wait.
func awaitCompletion(ctx context.Context, run func(done func(error))) error {
	errCh := make(chan error, 1)
	run(func(err error) { errCh <- err })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// awaitValue is awaitCompletion for operations that deliver a value.
func awaitValue(ctx context.Context, run func(done func([]byte, error))) ([]byte, error) {
	type result struct {
		value []byte
		err   error
	}
	resCh := make(chan result, 1)
	run(func(value []byte, err error) { resCh <- result{value, err} })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resCh:
		return res.value, res.err
	}
}
