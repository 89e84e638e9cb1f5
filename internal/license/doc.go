// Package license is the client side of the license system. A Manager holds
// one token and moves it through its lifecycle:
//
//	import  -> verify -> bind to device (state 1) -> record usage (state n+1)
//
// # Trust
//
// Every token is checked against the trust anchor: the root key must certify
// the token's license public key, the license key must sign the identity
// fields and the state fields, and once bound the device key must sign the
// device identity, every usage record and the whole token.
//
// # Persistence
//
// Bound chains and device keys are written through chainlog.Store. License
// codes that have been bound are recorded in an archive.Archive and cannot
// be activated again by a different token.
//
// # Conflicts
//
// An imported token competes with the held or stored state of the same
// license. The higher state index wins, then the later issue time; a full
// tie is decided by the resolver's coin.
//
// # Observability
//
// Operations run inside OpenTelemetry spans, update the instruments created
// by InitializeMetrics and log through slog with license codes masked.
package license
