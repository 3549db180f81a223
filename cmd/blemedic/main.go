// blemedic CLI
//
// Ingests blood-pressure and thermometer measurements from nearby BLE
// personal health devices and prints decoded, validated readings.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/config"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/engine"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport/tinygoble"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "blemedic",
		Short:   "blemedic - BLE medical device ingestion engine",
		Long:    "blemedic discovers, pairs with, and subscribes to nearby BLE blood-pressure cuffs and thermometers, decoding IEEE 11073 frames into validated measurements.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")

	rootCmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the ingestion engine",
		Long:  "Start scanning, pairing, and subscribing to nearby devices, printing decoded measurements to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	tr := tinygoble.New(log)
	sink := stdoutSink{log: log}

	eng := engine.New(cfg, tr, sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Starting blemedic...")
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	fmt.Println("blemedic is running. Press Ctrl+C to stop.")

	<-sigCh
	fmt.Println("\nShutting down...")

	if err := eng.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	fmt.Println("blemedic stopped.")
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Engine Status:")
			fmt.Println("  State: not running")
			fmt.Println("\nUse 'blemedic start' to start the engine.")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blemedic %s\n", version)
			fmt.Printf("  Commit: %s\n", gitCommit)
			fmt.Printf("  Built:  %s\n", buildTime)
		},
	}
}

// stdoutSink is the default events.Sink: human-readable lines to
// stdout, structured fields to the shared logger.
type stdoutSink struct {
	log *logger.Logger
}

func (s stdoutSink) OnMeasurement(e events.MeasurementEvent) {
	addr := events.FormatHandle(e.Handle)
	switch e.Kind {
	case model.KindBloodPressure:
		m := e.Payload.BloodPressure
		if m == nil {
			return
		}
		fmt.Printf("[%s] blood pressure %.0f/%.0f mmHg valid=%v normal=%v\n", addr, m.Systolic, m.Diastolic, m.Valid, m.InNormalRange)
	case model.KindThermometer:
		m := e.Payload.Temperature
		if m == nil {
			return
		}
		fmt.Printf("[%s] temperature %.1f%s valid=%v normal=%v\n", addr, m.Temperature, unitSuffix(m.Unit), m.Valid, m.InNormalRange)
	}
}

func unitSuffix(u events.TemperatureUnit) string {
	if u == events.Fahrenheit {
		return "F"
	}
	return "C"
}

func (s stdoutSink) OnStatus(e events.StatusEvent) {
	addr := events.FormatHandle(e.Handle)
	if e.Err != nil {
		s.log.Warn("connection status", "handle", addr, "status", e.Status, "error", e.Err)
		return
	}
	s.log.Info("connection status", "handle", addr, "status", e.Status)
}

func (s stdoutSink) OnDiscovery(e events.DiscoveryEvent) {
	s.log.Debug("discovered device", "handle", events.FormatHandle(e.Handle), "kind", e.Kind, "rssi", e.RSSI)
}

func (s stdoutSink) OnEngineStatus(e events.EngineStatusEvent) {
	s.log.Warn("engine status", "kind", e.Kind, "error", e.Err)
}

func (s stdoutSink) OnDecoderDropped(e events.DecoderDroppedEvent) {
	s.log.Debug("frame dropped", "handle", events.FormatHandle(e.Handle), "reason", e.Reason)
}
