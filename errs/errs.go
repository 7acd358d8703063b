// Package errs holds the typed error taxonomy shared across el-tord's
// subsystems. Each subsystem wraps one of these sentinels with
// context via fmt.Errorf("...: %w", ...); the orchestrator classifies
// errors by errors.Is against this set to decide retry behavior.
package errs

import "errors"

var (
	// Transport covers TCP/HTTP I/O failures.
	Transport = errors.New("transport error")
	// Protocol covers an unexpected daemon reply shape.
	Protocol = errors.New("protocol error")
	// AuthFailed is fatal: AUTHENTICATE did not return 250.
	AuthFailed = errors.New("authentication failed")
	// ConfigMissing covers required configuration absent for the active mode.
	ConfigMissing = errors.New("required configuration missing")
	// NoRelays covers the selector returning an empty path.
	NoRelays = errors.New("no viable relay selection")
	// CircuitBuildFailed covers FAILED/CLOSED observed while waiting for BUILT.
	CircuitBuildFailed = errors.New("circuit build failed")
	// Bandwidth covers a reachability probe failing during payments.
	Bandwidth = errors.New("reachability probe failed")
	// RoundExpired covers a hop's payment deadline passing before payment.
	RoundExpired = errors.New("payment round expired")
	// BackendError covers the payment backend rejecting a pay or lookup call.
	BackendError = errors.New("payment backend error")
	// LedgerCorrupt covers a JSON parse failure on the ledger file.
	LedgerCorrupt = errors.New("ledger corrupt")
)
