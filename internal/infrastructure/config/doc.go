// Package config loads the link service configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// MUSEUMALERT_* environment variables. Validate reports every problem at once
// so a misconfigured deployment fails with the full list.
//
// Secrets (MQTT password, InfluxDB token, JWT secret) belong in the
// environment rather than the file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
