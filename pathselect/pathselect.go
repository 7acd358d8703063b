// Package pathselect implements the relay-selection engine: given a
// consensus and a descriptor set, it returns an ordered guard→middle→exit
// path of full relay descriptors whose combined payment over all rounds
// (sum of each hop's per-round rate times R) fits under the configured fee
// budget.
package pathselect

import (
	"math/rand/v2"

	"github.com/el-tor/eltord-go/descriptor"
	"github.com/el-tor/eltord-go/directory"
	"github.com/el-tor/eltord-go/errs"
)

const maxAttempts = 10

// Role identifies a hop's position in the circuit.
type Role string

const (
	RoleGuard  Role = "guard"
	RoleMiddle Role = "middle"
	RoleExit   Role = "exit"
)

// Hop is a selected relay tagged with its role and 1-based position.
type Hop struct {
	Relay descriptor.Relay
	Role  Role
	Index int
}

// Preferences carries the optional EntryNodes/ExitNodes fingerprint
// overrides.
type Preferences struct {
	EntryFingerprint string
	ExitFingerprint  string
}

// Select runs the build-and-check retry loop below. rounds is R, the
// number of payment rounds the caller intends to run; maxFeeMsat is
// PaymentCircuitMaxFee. rng should be seeded from system entropy by the
// caller (e.g. rand.NewPCG(seed1, seed2)); it is deliberately a
// non-cryptographic generator — relay selection is not a secrecy
// boundary, only the payment preimages are.
//
// Returns an empty slice, nil error when no viable selection exists
// under the fee budget after maxAttempts; callers should treat that as
// errs.NoRelays and retry after a delay rather than failing fatally.
func Select(consensus *directory.Consensus, descriptors []descriptor.Relay, maxFeeMsat int64, rounds int64, prefs Preferences, rng *rand.Rand) ([]Hop, error) {
	if consensus == nil {
		return nil, errs.Protocol
	}

	running := make(map[string]directory.Relay, len(consensus.Relays))
	for _, r := range consensus.Relays {
		if r.Flags.Running {
			running[r.Fingerprint] = r
		}
	}

	var guards, middles, exits []descriptor.Relay
	byFingerprint := make(map[string]descriptor.Relay, len(descriptors))
	for _, d := range descriptors {
		if d.HasHandshakeFee {
			continue
		}
		cr, ok := running[d.Fingerprint]
		if !ok {
			continue
		}
		byFingerprint[d.Fingerprint] = d
		middles = append(middles, d)
		if cr.Flags.Guard {
			guards = append(guards, d)
		}
		if cr.Flags.Exit {
			exits = append(exits, d)
		}
	}

	if len(guards) == 0 || len(middles) == 0 || len(exits) == 0 {
		return nil, nil
	}

	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(len(descriptors)), uint64(len(consensus.Relays))+1))
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		shuffled := func(pool []descriptor.Relay) []descriptor.Relay {
			out := make([]descriptor.Relay, len(pool))
			copy(out, pool)
			rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
			return out
		}

		picked := map[string]bool{}
		pick := func(pool []descriptor.Relay) (descriptor.Relay, bool) {
			for _, r := range shuffled(pool) {
				if !picked[r.Fingerprint] {
					picked[r.Fingerprint] = true
					return r, true
				}
			}
			return descriptor.Relay{}, false
		}

		guard, ok := pick(guards)
		if !ok {
			continue
		}
		middle, ok := pick(middles)
		if !ok {
			continue
		}
		exit, ok := pick(exits)
		if !ok {
			continue
		}

		if prefs.EntryFingerprint != "" {
			if r, ok := byFingerprint[prefs.EntryFingerprint]; ok {
				guard = r
			}
		}
		if prefs.ExitFingerprint != "" {
			if r, ok := byFingerprint[prefs.ExitFingerprint]; ok {
				exit = r
			}
		}
		if guard.Fingerprint == middle.Fingerprint || guard.Fingerprint == exit.Fingerprint || middle.Fingerprint == exit.Fingerprint {
			continue
		}

		var cost int64
		for _, r := range []descriptor.Relay{guard, middle, exit} {
			cost += r.RateMsats * rounds
		}
		if cost > maxFeeMsat {
			continue
		}

		return []Hop{
			{Relay: guard, Role: RoleGuard, Index: 1},
			{Relay: middle, Role: RoleMiddle, Index: 2},
			{Relay: exit, Role: RoleExit, Index: 3},
		}, nil
	}

	return nil, nil
}
