package paymentbackend

import "sync"

// registry lets a concrete backend (phoenixd, lnd, NWC, ...) register
// itself under the same "type" name used in the daemon config's
// PaymentLightningNodeConfig entries, the way database/sql drivers
// register under a name rather than this module importing them directly.
// Nothing in this module registers a backend; the Lightning-style payment
// rail stays an external collaborator, wired in only by name.
var (
	registryMu sync.Mutex
	registry   = map[string]Backend{}
)

// Register makes a Backend available under name for later lookup.
// Intended to be called from an init() func in a backend-implementing
// package imported for side effect, e.g. `import _ ".../paymentbackend/phoenixd"`.
func Register(name string, backend Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = backend
}

// Lookup returns the Backend registered under name, if any.
func Lookup(name string) (Backend, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := registry[name]
	return b, ok
}
