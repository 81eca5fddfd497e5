// Package reactive provides a keyed value store with change subscriptions
// and an event broadcaster.
//
// A Store is the owned, single-writer replacement for shared per-device maps:
// callers read snapshots with Get/Snapshot and follow changes with
// Subscribe/SubscribeAll. Delivery goes through a per-subscriber coalescing
// mailbox, so writers never block on readers and a reader never observes the
// same value twice in a row for one key.
//
// A Broadcaster carries discrete events (alarms, Wi-Fi scans, configuration
// reports) to any number of filtered feeds. Each feed has a bounded queue;
// when it is full new items are dropped for that feed only.
package reactive
