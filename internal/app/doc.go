// Package app wires the license server together and runs it.
//
// New builds, in order: logger, OpenTelemetry providers, chain store, code
// archive, license manager (trust anchor, product key, stored chain), the
// WebSocket hub forwarding manager events, and the chi router. Start serves
// HTTP in the background; Stop shuts everything down in reverse order.
//
// Routes:
//
//	/api/license/*   license operations (JSON)
//	/healthz         component health, /healthz/live, /healthz/version
//	/metrics         Prometheus exposition
//	/ws              license events
package app
