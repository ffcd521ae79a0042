package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftmq/driftmq/pkg/app"
	"github.com/driftmq/driftmq/pkg/config"
	"github.com/driftmq/driftmq/pkg/logging"
)

var serveFlags struct {
	mqttPort       int
	httpPort       int
	managementPort int
	dataDir        string
	bridge         bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker (foreground)",
	Long: `Start the broker in the foreground.

Flags override the corresponding environment variables (MQTT_PORT,
HTTP_PORT, MANAGEMENT_PORT, DATA_DIR, BRIDGE_ENABLED). Everything else is
environment-only: MESSAGE_MAX_LENGTH, PUBLISH_RATE_LIMIT,
MESSAGE_EXPIRE_TIME, TIMESERIES_RETENTION_DAYS, BROKER_ID, BRIDGE_TOKEN,
USER_TOKEN, LOG_LEVEL, LOG_FORMAT.`,
	Example: `  # Start with defaults (MQTT on 1883, device API on 3000)
  driftmq serve

  # Custom ports and data directory
  driftmq serve --mqtt-port 2883 --http-port 8080 --data-dir /var/lib/driftmq

  # With federation enabled
  BRIDGE_TOKEN=$TOKEN driftmq serve --bridge`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.mqttPort, "mqtt-port", 0, "MQTT listener port")
	serveCmd.Flags().IntVar(&serveFlags.httpPort, "http-port", 0, "device API port")
	serveCmd.Flags().IntVar(&serveFlags.managementPort, "management-port", 0, "management API port")
	serveCmd.Flags().StringVar(&serveFlags.dataDir, "data-dir", "", "data directory")
	serveCmd.Flags().BoolVar(&serveFlags.bridge, "bridge", false, "enable federation")
}

func runServe(cmd *cobra.Command) error {
	cfg := config.FromEnv()
	if serveFlags.mqttPort > 0 {
		cfg.MQTTPort = serveFlags.mqttPort
	}
	if serveFlags.httpPort > 0 {
		cfg.HTTPPort = serveFlags.httpPort
	}
	if serveFlags.managementPort > 0 {
		cfg.ManagementPort = serveFlags.managementPort
	}
	if serveFlags.dataDir != "" {
		cfg.DataDir = serveFlags.dataDir
	}
	if cmd.Flags().Changed("bridge") {
		cfg.BridgeEnabled = serveFlags.bridge
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	if err := a.Start(context.Background()); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Info("signal received, shutting down", "signal", s.String())

	a.Stop()
	return nil
}
