package directory

import "time"

// Consensus represents the network-wide, periodically refreshed directory
// listing returned by "GETINFO ns/all".
type Consensus struct {
	ValidAfter       time.Time
	FreshUntil       time.Time
	ValidUntil       time.Time
	Relays           []Relay
	BandwidthWeights map[string]int64
}

// Relay is a per-hop dynamic record: fingerprint, address, and role flags.
// A relay is usable only if it carries Running; Guard and Exit are
// role-specific, any Running relay can serve as a middle.
type Relay struct {
	Nickname    string
	Fingerprint string // uppercase hex, derived from base64 identity
	Address     string // IPv4 address
	ORPort      uint16
	DirPort     uint16
	Flags       RelayFlags
	Bandwidth   int64 // from "w Bandwidth=" line
}

// RelayFlags are the consensus "s" line role/status flags.
type RelayFlags struct {
	Guard     bool
	Exit      bool
	Authority bool
	Fast      bool
	HSDir     bool
	Running   bool
	Stable    bool
	V2Dir     bool
	Valid     bool
}
