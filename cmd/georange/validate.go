package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/georange/config"
)

// validateCmd validates a config file without opening the transport.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a georange configuration file without touching the radio.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful before heading out for a walk.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  georange validate -c georange.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	port := "disabled"
	if cfg.HTTP.Port != 0 {
		port = fmt.Sprintf("%d", cfg.HTTP.Port)
	}
	notes := "off"
	if cfg.Output.Notes {
		notes = "on"
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Transport:       %s\n", cfg.Transport.Kind)
	fmt.Printf("  Sample interval: %s\n", cfg.SampleInterval.Duration())
	fmt.Printf("  Validity:        %s\n", cfg.Validity)
	fmt.Printf("  Output:          %s (notes %s)\n", cfg.Output.File, notes)
	fmt.Printf("  HTTP port:       %s\n", port)

	return nil
}
