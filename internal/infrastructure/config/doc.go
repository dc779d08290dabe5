// Package config handles loading and validating onionwarden configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with ONIONWARDEN_* environment variables
//   - Validation of required fields, reporting all problems at once
//   - Default value handling
//
// Security Considerations:
//   - MQTT passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("ONIONWARDEN_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Tor.DataRoot)
package config
