package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/transport"
	"github.com/srg/blecentral/pkg/central"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values, and
advertised services.`,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanServices   []string
	scanDuplicates bool
	scanWatch      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured scan timeout)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().BoolVar(&scanDuplicates, "duplicates", true, "Process duplicate advertisements (keeps RSSI fresh)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := s.cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}
	filter := scanServices
	if len(filter) == 0 {
		filter = s.cfg.ServiceFilter
	}

	ctx, cancel := interruptContext(context.Background())
	defer cancel()
	if !scanWatch {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, duration)
		defer timeoutCancel()
	}

	s.manager.StartScan(filter, scanDuplicates)
	defer s.manager.StopScan()

	if scanWatch {
		return watchDevices(ctx, s)
	}

	progress := newProgressPrinter("Scanning for BLE devices", "Scanning")
	progress.Start()
	<-ctx.Done()
	progress.Stop()

	return displayDevices(s.manager.Devices(), scanFormat)
}

// watchDevices redraws the device table periodically until interrupted.
func watchDevices(ctx context.Context, s *session) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return displayDevices(s.manager.Devices(), scanFormat)
		case <-ticker.C:
			clearScreen()
			if err := displayDevices(s.manager.Devices(), scanFormat); err != nil {
				return err
			}
		case <-s.events.C():
			// Drained so slow redraws never force the bus to drop events.
		}
	}
}

func displayDevices(devices []*central.Device, format string) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	// Strongest signal first
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].RSSI() > devices[j].RSSI()
	})

	if format == "json" {
		return displayDevicesJSON(devices)
	}
	return displayDevicesTable(devices)
}

func displayDevicesTable(devices []*central.Device) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	header := color.New(color.Bold)
	_, _ = header.Fprintln(w, "NAME\tADDRESS\tRSSI\tCONNECTABLE\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, d := range devices {
		name := d.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		if d.IsConnectable() {
			name = color.GreenString(name)
		}

		uuids := d.AdvertisedServices()
		for i, uuid := range uuids {
			uuids[i] = transport.ShortUUID(uuid)
		}
		services := strings.Join(uuids, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(d.LastSeen()).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%v\t%s\t%s ago\n",
			name, d.ID(), d.RSSI(), d.IsConnectable(), services, lastSeen)
	}

	return w.Flush()
}

type deviceJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	TxPower     *int      `json:"tx_power,omitempty"`
	Services    []string  `json:"services,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

func displayDevicesJSON(devices []*central.Device) error {
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceJSON{
			ID:          d.ID(),
			Name:        d.Name(),
			RSSI:        d.RSSI(),
			Connectable: d.IsConnectable(),
			TxPower:     d.TxPower(),
			Services:    d.AdvertisedServices(),
			LastSeen:    d.LastSeen(),
		})
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func clearScreen() {
	fmt.Print("\033[2J\033[H")
}
