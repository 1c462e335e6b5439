package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// Sink and transformer factories register themselves
	_ "github.com/knowton/cdcsync/publisher/sink"
	_ "github.com/knowton/cdcsync/publisher/transformer"
)

var (
	configPath string
	overrides  cfg.Overrides
)

var rootCmd = &cobra.Command{
	Use:           "cdcsync",
	Short:         "Change data capture sync from the primary store to the bus, columnar and search sinks",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&overrides.DataDir, "data-dir", "", "override data_dir")
	rootCmd.PersistentFlags().IntVar(&overrides.Port, "port", 0, "override server.port")
	rootCmd.PersistentFlags().BoolVar(&overrides.Verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, replayCmd, checkCmd, rulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads, optionally validates, and sets up logging
func loadConfig(validate bool) (*cfg.Configuration, error) {
	if err := cfg.Load(configPath, overrides); err != nil {
		return nil, err
	}
	setupLogging(cfg.Config.Logging)

	if validate {
		if err := cfg.Config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg.Config, nil
}

func setupLogging(c cfg.LoggingConfiguration) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if c.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("service", "cdcsync").
		Logger()

	if c.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func ruleThresholds(c *cfg.Configuration) telemetry.RuleThresholds {
	h := c.Health
	return telemetry.RuleThresholds{
		Namespace:            c.Prometheus.Namespace,
		LagWarning:           secondsToDuration(h.LagWarningSeconds),
		LagCritical:          secondsToDuration(h.LagCriticalSeconds),
		ErrorRateWarning:     h.ErrorRateWarning,
		ErrorRateCritical:    h.ErrorRateCritical,
		ErrorWindow:          secondsToDuration(float64(h.ErrorWindowSeconds)),
		LowThroughput:        h.LowThroughputEventsPerS,
		LowThroughputWindow:  secondsToDuration(float64(h.LowThroughputWindowMins * 60)),
		DiscrepancyThreshold: c.Consistency.DiscrepancyThreshold,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the Prometheus alert rules for the configured thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(false)
		if err != nil {
			return err
		}
		data, err := telemetry.RenderRules(ruleThresholds(c))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
