package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/transport"
	"github.com/srg/blecentral/pkg/central"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device> <service-uuid> <char-uuid>...",
	Short: "Monitor characteristic notifications",
	Long: `Subscribes to BLE characteristic notifications and outputs received data
until interrupted.

Examples:
  # Monitor heart rate measurements
  blecentral monitor AA:BB:CC:DD:EE:FF 180d 2a37

  # Monitor several characteristics in one service, as hex
  blecentral monitor AA:BB:CC:DD:EE:FF fff0 fff1 fff2 --hex`,
	Args: cobra.MinimumNArgs(3),
	RunE: runMonitor,
}

var (
	monitorHex        bool
	monitorTimestamps bool
)

func init() {
	monitorCmd.Flags().BoolVar(&monitorHex, "hex", false, "Output as hex string; raw bytes by default")
	monitorCmd.Flags().BoolVarP(&monitorTimestamps, "timestamps", "t", false, "Prefix each notification with its arrival time")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	target, serviceUUID, charUUIDs := args[0], args[1], args[2:]

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(context.Background())
	defer cancel()

	progress := newProgressPrinter(fmt.Sprintf("Monitoring %d characteristic(s) on %s", len(charUUIDs), target), "Scanning")
	progress.Start()
	defer progress.Stop()

	d, err := s.findAndConnect(ctx, target, progress)
	if err != nil {
		return err
	}
	defer s.manager.Disconnect(d.ID())

	peripheral := d.Peripheral()

	progress.SetPhase("Subscribing")
	for _, charUUID := range charUUIDs {
		if err := subscribeChar(ctx, peripheral, serviceUUID, charUUID, len(charUUIDs) > 1); err != nil {
			return err
		}
	}
	progress.Stop()

	fmt.Fprintln(os.Stderr, "Monitoring notifications. Press Ctrl+C to stop...")

	// Notifications flow through the persistent handlers; this loop only
	// watches for teardown.
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.events.C():
			if !ok {
				return nil
			}
			if e, isDisconnect := ev.(central.DidDisconnectEvent); isDisconnect && e.ID == d.ID() {
				return ErrConnectionLost
			}
		}
	}
}

// subscribeChar resolves one characteristic, verifies it can notify, and
// enables notifications with a printing handler.
func subscribeChar(ctx context.Context, peripheral *central.Peripheral, serviceUUID, charUUID string, prefixed bool) error {
	var props transport.Properties
	if err := awaitCompletion(ctx, func(done func(error)) {
		peripheral.Characteristic(serviceUUID, charUUID, func(info transport.Characteristic, err error) {
			props = info.Properties
			done(err)
		})
	}); err != nil {
		return err
	}

	if props&(transport.PropNotify|transport.PropIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications", charUUID)
	}

	handler := notificationPrinter(charUUID, prefixed)
	if err := awaitCompletion(ctx, func(done func(error)) {
		peripheral.SetNotify(serviceUUID, charUUID, true, handler, done)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", charUUID, err)
	}
	return nil
}

// notificationPrinter builds the persistent notify handler for one
// characteristic.
func notificationPrinter(charUUID string, prefixed bool) central.NotifyHandler {
	prefix := color.CyanString(charUUID) + ": "

	return func(value []byte) {
		var line string
		if monitorHex {
			line = hex.EncodeToString(value)
		} else {
			line = string(value)
		}

		switch {
		case monitorTimestamps && prefixed:
			fmt.Printf("%s %s%s\n", time.Now().Format(time.RFC3339), prefix, line)
		case monitorTimestamps:
			fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), line)
		case prefixed:
			fmt.Printf("%s%s\n", prefix, line)
		default:
			fmt.Println(line)
		}
	}
}
