package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccgarces/esp32-light-and-pump/internal/commissioning"
)

func init() {
	provisionCmd.Flags().StringVar(&provisionAddr, "addr", "127.0.0.1:4242", "Device commissioning listener address")
	provisionCmd.Flags().StringVar(&provisionSSID, "ssid", "", "Wi-Fi SSID to provision")
	provisionCmd.Flags().StringVar(&provisionPSK, "psk", "", "Wi-Fi PSK to provision")
	provisionCmd.Flags().StringVar(&provisionTZ, "tz", "", "IANA timezone to set, e.g. America/Denver")
	provisionCmd.MarkFlagRequired("ssid")
	rootCmd.AddCommand(provisionCmd)
}

var (
	provisionAddr string
	provisionSSID string
	provisionPSK  string
	provisionTZ   string
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Send Wi-Fi credentials and timezone to a device over its local channel",
	Long: `Dials the device's local commissioning listener and sends the
plaintext provisioning frame of spec §4.6/§4.7. Intended as a reference
client for the TCP-based transport that stands in for BLE GATT, which spec
§1 places out of scope.`,
	RunE: runProvision,
}

func runProvision(cmd *cobra.Command, args []string) error {
	conn, err := net.DialTimeout("tcp", provisionAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("provision: dial %s: %w", provisionAddr, err)
	}
	defer conn.Close()

	frame, err := json.Marshal(struct {
		SSID string `json:"ssid"`
		PSK  string `json:"psk,omitempty"`
		TZ   string `json:"tz,omitempty"`
	}{SSID: provisionSSID, PSK: provisionPSK, TZ: provisionTZ})
	if err != nil {
		return fmt.Errorf("provision: encode frame: %w", err)
	}

	if err := commissioning.WriteFrame(conn, frame); err != nil {
		return fmt.Errorf("provision: write frame: %w", err)
	}

	fmt.Printf("sent provisioning frame for ssid %q to %s\n", provisionSSID, provisionAddr)
	return nil
}
