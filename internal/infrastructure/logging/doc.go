// Package logging provides structured logging for the bridge.
//
// It wraps log/slog with a JSON or text handler and attaches the service name
// and build version to every record.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error (LOGLEVEL overrides)
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("bridge starting", "host", cfg.Atag.Host)
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
