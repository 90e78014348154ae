package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/transport"
	"github.com/srg/blecentral/pkg/central"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device> <service-uuid> <char-uuid> <data>",
	Short: "Write to a characteristic",
	Long: `Writes data to a BLE characteristic.

With --expect-notify the command waits for the device's response notification
after the write completes, which is the usual shape of request/response
protocols tunneled over GATT.

Examples:
  # Write a string
  blecentral write AA:BB:CC:DD:EE:FF 1805 2a06 "high"

  # Write hex data
  blecentral write AA:BB:CC:DD:EE:FF 1805 2a06 01 --hex

  # Write without response (faster, no ACK)
  blecentral write AA:BB:CC:DD:EE:FF 1805 2a06 "data" --without-response

  # Request/response: write a command, capture the reply notification
  blecentral write AA:BB:CC:DD:EE:FF fff0 fff1 A001 --hex --expect-notify fff2`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeHex          bool
	writeNoResponse   bool
	writeExpectNotify string
)

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK)")
	writeCmd.Flags().StringVar(&writeExpectNotify, "expect-notify", "", "Characteristic UUID to capture the response notification from (empty reuses the write characteristic)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	target, serviceUUID, charUUID, dataStr := args[0], args[1], args[2], args[3]

	data, err := parseWriteData(dataStr)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(context.Background())
	defer cancel()

	progress := newProgressPrinter(fmt.Sprintf("Writing %d bytes to %s on %s", len(data), charUUID, target), "Scanning")
	progress.Start()
	defer progress.Stop()

	d, err := s.findAndConnect(ctx, target, progress)
	if err != nil {
		return err
	}
	defer s.manager.Disconnect(d.ID())

	peripheral := d.Peripheral()

	progress.SetPhase("Resolving")
	var props transport.Properties
	if err := awaitCompletion(ctx, func(done func(error)) {
		peripheral.Characteristic(serviceUUID, charUUID, func(info transport.Characteristic, err error) {
			props = info.Properties
			done(err)
		})
	}); err != nil {
		return err
	}

	mode, err := selectWriteMode(props)
	if err != nil {
		return err
	}

	progress.SetPhase("Writing")
	if writeExpectNotify != "" {
		return writeAndCapture(ctx, s, peripheral, serviceUUID, charUUID, data, mode, progress)
	}

	if err := awaitCompletion(ctx, func(done func(error)) {
		peripheral.Write(serviceUUID, charUUID, data, mode, done)
	}); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}

	progress.Stop()
	fmt.Println("Write successful")
	return nil
}

// writeAndCapture performs the write and waits for the response notification
// on the capture characteristic. Notifications must be enabled there first or
// the radio never delivers the response.
func writeAndCapture(ctx context.Context, s *session, peripheral *central.Peripheral, serviceUUID, charUUID string, data []byte, mode transport.WriteMode, progress *progressPrinter) error {
	captureChar := writeExpectNotify

	if err := awaitCompletion(ctx, func(done func(error)) {
		peripheral.SetNotify(serviceUUID, captureChar, true, nil, done)
	}); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", captureChar, err)
	}

	progress.SetPhase("Awaiting response")
	response, err := awaitValue(ctx, func(done func([]byte, error)) {
		peripheral.WriteAndCaptureNotify(serviceUUID, charUUID, data, mode,
			central.CaptureOptions{
				Service:        serviceUUID,
				Characteristic: captureChar,
				Timeout:        s.cfg.CaptureTimeout,
			},
			done,
			func(err error) {
				if err != nil {
					done(nil, fmt.Errorf("failed to write characteristic: %w", err))
				}
			})
	})
	progress.Stop()
	if err != nil {
		return err
	}

	outputValue(response, writeHex)
	return nil
}

// selectWriteMode picks the write mode from the characteristic's properties,
// defaulting to acknowledged writes when supported.
func selectWriteMode(props transport.Properties) (transport.WriteMode, error) {
	canWrite := props&transport.PropWrite != 0
	canWriteNR := props&transport.PropWriteWithoutResponse != 0

	if !canWrite && !canWriteNR {
		return 0, fmt.Errorf("characteristic does not support write operations")
	}
	if writeNoResponse || !canWrite {
		return transport.WriteWithoutResponse, nil
	}
	return transport.WriteWithResponse, nil
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}
