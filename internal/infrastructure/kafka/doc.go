// Package kafka exports device events to a Kafka topic.
//
// Alarms, reachability edges, state changes and error changes are encoded
// as JSON and keyed by device serial number, so every event for one device
// lands on the same partition in order.
//
// Recording never blocks: events go into a bounded queue drained by a
// background loop that batches writes by size and interval. When the queue
// is full the event is dropped and counted.
package kafka
