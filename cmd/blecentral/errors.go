package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecentral/pkg/central"
)

// Command-level errors
var (
	// ErrDeviceNotFound indicates the scan window closed without the target
	// device being discovered.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrConnectionLost indicates the connection was torn down while an
	// operation was still outstanding.
	ErrConnectionLost = errors.New("connection lost")
)

// formatUserError translates internal errors into actionable messages.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return fmt.Sprintf("%v. Is the device advertising and in range? Try 'blecentral scan' first.", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v. The device disconnected mid-operation.", err)
	case errors.Is(err, central.ErrTimeout):
		return fmt.Sprintf("%v. The device did not respond in time.", err)
	default:
		return err.Error()
	}
}
