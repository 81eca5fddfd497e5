package kafka

import "errors"

// Sentinel errors for the event exporter.
var (
	// ErrDisabled indicates Kafka export is disabled in config.
	ErrDisabled = errors.New("kafka: disabled in configuration")

	// ErrNoBrokers indicates export is enabled without any broker address.
	ErrNoBrokers = errors.New("kafka: no brokers configured")
)
