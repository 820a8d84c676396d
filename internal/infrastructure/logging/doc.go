// Package logging provides structured logging for the C2MON client.
//
// This package wraps Go's standard log/slog package. Every entry carries the
// service name and version; level and format come from config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	manager.SetLogger(logger.With("component", "connection"))
//
// Never log broker passwords or InfluxDB tokens.
package logging
