// Package config handles loading and validating the bridge configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with environment variables (ATAG_*, MQTT_*, HOMIE_TOPIC, LOGLEVEL)
//   - Validation of required fields
//   - Default value handling
//
// Configuration errors are never transient: Load fails and the process exits
// before any connection is attempted.
//
// Security Considerations:
//   - MQTT and InfluxDB credentials should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.LoadOptional(os.Getenv("ATAGMQTT_CONFIG"))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.GetUpdateInterval())
package config
