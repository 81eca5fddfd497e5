// Package registry records which company owns which Museum Alert device.
//
// The bus topic for a device is keyed by its company, and the HTTP API only
// serves a device to callers from the owning company. Both questions are
// answered here, from the devices table with an in-memory cache in front.
//
// The Registry implements the company lookup the bus adapter needs for
// outbound commands:
//
//	reg := registry.New(registry.NewSQLiteRepository(db.DB))
//	if err := reg.RefreshCache(ctx); err != nil { ... }
//	adapter := bus.New(mqttClient, reg, bus.Config{})
package registry
