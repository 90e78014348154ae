package central

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found after a
// successful discovery pass.
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	// Characteristic lookups carry [serviceUUID, charUUID]
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is allows errors.Is to match NotFoundError values by resource kind.
func (e *NotFoundError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return e.Resource == t.Resource
}

// Operation errors raised locally; transport errors are passed through
// verbatim to command completions.
var (
	ErrTimeout       = errors.New("timeout")
	ErrUnknownDevice = errors.New("unknown device")
)
