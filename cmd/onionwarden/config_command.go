package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/onionwarden/internal/infrastructure/config"
)

const redacted = "********"

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigCheckCommand(ctx))
	return configCmd
}

func newConfigCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "check",
		Short:       "Validate the configuration and print the effective values",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			data, err := yaml.Marshal(redact(*cfg))
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# configuration OK (%s)\n", describeSource(ctx.configPath()))
			_, err = out.Write(data)
			return err
		},
	}
}

// redact hides credentials in a copy of cfg.
func redact(cfg config.Config) config.Config {
	if cfg.MQTT.Auth.Password != "" {
		cfg.MQTT.Auth.Password = redacted
	}
	if cfg.InfluxDB.Token != "" {
		cfg.InfluxDB.Token = redacted
	}
	return cfg
}

func describeSource(path string) string {
	if path == "" {
		return "defaults and environment"
	}
	return path
}
