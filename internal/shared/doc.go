// Package shared holds helpers used across the license packages.
//
// The testutil subpackage provides:
//
//   - a throwaway PKI (root key, certified license key, issuer) and genesis
//     token fixtures
//   - a buffered slog handler for asserting on structured log output
//   - cheap at-rest sealing parameters for tests that touch the chain log
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    pki := testutil.NewTestPKI(t, security.AlgorithmEd25519)
//	    genesis := pki.Genesis(t, "LIC-001")
//	    // ...
//	}
package shared
