// Package device tracks the provisioning lifecycle of Museum Alert sensors.
//
// Each device reports its provisioning stage over the serial link. The
// Tracker keeps the last reported stage and error per device and exposes
// them as reactive values that callers can read or subscribe to.
//
// # State model
//
// States progress from StateStarted to StateInitialized. StateFatal can be
// reported at any point and latches: the exposed state stays fatal until
// Reset is called, normally after a hard reset has been acknowledged.
// Reports received while latched are still recorded in history.
//
// Errors are sticky. A reported error stays current until the device
// reports ErrorNone, reaches StateInitialized, or reports StateFatal. An
// error never changes the state on its own.
//
// # History
//
// Every change of reported state or error is written to the
// device_state_history table by a background worker. Writes never block the
// report path; when the queue is full the entry is dropped and counted.
//
// # Usage
//
//	repo := device.NewSQLiteStateHistoryRepository(db.DB)
//	tracker := device.NewTracker(repo)
//	defer tracker.Close()
//
//	sub := tracker.SubscribeState("MAS-EC357A188534")
//	defer sub.Close()
//	for change := range sub.C() {
//	    fmt.Println(change.Key, change.Value)
//	}
package device
