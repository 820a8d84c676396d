// Package config handles loading and validating the C2MON client configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (C2MON_*)
//   - Validation of required fields
//   - Default value handling
//
// Broker credentials and the InfluxDB token should be set via environment
// variables rather than committed to the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Channels.Heartbeat)
package config
