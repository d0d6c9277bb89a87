package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ccgarces/esp32-light-and-pump/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "HTTP API listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device core daemon",
	Long:  `Run every C1-C10 component as one process until SIGINT/SIGTERM.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(dataDir)
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.API.ListenAddr = serveListenAddr
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(context.Background())
}
