package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	statusCmd.Flags().StringVar(&statusAPIAddr, "api", "http://127.0.0.1:8080", "Device HTTP API base URL")
	rootCmd.AddCommand(statusCmd)
}

var statusAPIAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Fetch and print the device's status snapshot",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(statusAPIAddr + "/status")
	if err != nil {
		return fmt.Errorf("status: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("status: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: device returned %d: %s", resp.StatusCode, body)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
