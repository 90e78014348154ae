package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/transport"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device> <service-uuid> <char-uuid>",
	Short: "Read a characteristic value",
	Long: `Reads data from a BLE characteristic.

The device may be given by address or by advertised name. The characteristic
is resolved within the given service, running discovery as needed.

Examples:
  # Read Battery Level
  blecentral read AA:BB:CC:DD:EE:FF 180f 2a19

  # Output as hex
  blecentral read AA:BB:CC:DD:EE:FF 180f 2a19 --hex

  # Continuously read every second
  blecentral read AA:BB:CC:DD:EE:FF 180d 2a37 --watch 1s`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readHex   bool
	readWatch time.Duration
)

func init() {
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readWatch, "watch", 0, "Continuously read at interval (e.g., 1s, 500ms)")
}

func runRead(cmd *cobra.Command, args []string) error {
	target, serviceUUID, charUUID := args[0], args[1], args[2]

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(context.Background())
	defer cancel()

	progress := newProgressPrinter(fmt.Sprintf("Reading %s from %s", charUUID, target), "Scanning")
	progress.Start()
	defer progress.Stop()

	d, err := s.findAndConnect(ctx, target, progress)
	if err != nil {
		return err
	}
	defer s.manager.Disconnect(d.ID())

	peripheral := d.Peripheral()

	progress.SetPhase("Resolving")
	if err := awaitCompletion(ctx, func(done func(error)) {
		peripheral.Characteristic(serviceUUID, charUUID, func(info transport.Characteristic, err error) {
			done(err)
		})
	}); err != nil {
		return err
	}

	progress.SetPhase("Reading")
	value, err := awaitValue(ctx, func(done func([]byte, error)) {
		peripheral.ReadValue(serviceUUID, charUUID, done)
	})
	if err != nil {
		return err
	}
	progress.Stop()

	outputValue(value, readHex)

	if readWatch <= 0 {
		return nil
	}

	fmt.Fprintf(os.Stderr, "Watching (reading every %v). Press Ctrl+C to stop...\n", readWatch)
	ticker := time.NewTicker(readWatch)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			value, err := awaitValue(ctx, func(done func([]byte, error)) {
				peripheral.ReadValue(serviceUUID, charUUID, done)
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return ErrConnectionLost
			}
			outputValue(value, readHex)
		}
	}
}

// outputValue prints a characteristic value as hex or raw bytes.
func outputValue(value []byte, asHex bool) {
	if asHex {
		fmt.Println(hex.EncodeToString(value))
		return
	}
	_, _ = os.Stdout.Write(value)
	fmt.Println()
}
