package pathselect

import (
	"math/rand/v2"
	"testing"

	"github.com/el-tor/eltord-go/descriptor"
	"github.com/el-tor/eltord-go/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool() (*directory.Consensus, []descriptor.Relay) {
	c := &directory.Consensus{
		Relays: []directory.Relay{
			{Fingerprint: "G1", Flags: directory.RelayFlags{Guard: true, Running: true}},
			{Fingerprint: "G2", Flags: directory.RelayFlags{Guard: true, Running: true}},
			{Fingerprint: "M1", Flags: directory.RelayFlags{Running: true}},
			{Fingerprint: "M2", Flags: directory.RelayFlags{Running: true}},
			{Fingerprint: "E1", Flags: directory.RelayFlags{Exit: true, Running: true}},
			{Fingerprint: "E2", Flags: directory.RelayFlags{Exit: true, Running: true}},
			{Fingerprint: "DOWN", Flags: directory.RelayFlags{Guard: true, Running: false}},
		},
	}
	descs := []descriptor.Relay{
		{Fingerprint: "G1", RateMsats: 500},
		{Fingerprint: "G2", RateMsats: 600},
		{Fingerprint: "M1", RateMsats: 700},
		{Fingerprint: "M2", RateMsats: 800},
		{Fingerprint: "E1", RateMsats: 900},
		{Fingerprint: "E2", RateMsats: 1000},
		{Fingerprint: "DOWN", RateMsats: 100},
		{Fingerprint: "FEE1", RateMsats: 100, HasHandshakeFee: true},
	}
	return c, descs
}

func rng() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestSelectHappyPath(t *testing.T) {
	c, descs := testPool()
	hops, err := Select(c, descs, 30_000, 10, Preferences{}, rng())
	require.NoError(t, err)
	require.Len(t, hops, 3)

	assert.Equal(t, RoleGuard, hops[0].Role)
	assert.Equal(t, RoleMiddle, hops[1].Role)
	assert.Equal(t, RoleExit, hops[2].Role)
	assert.Equal(t, 1, hops[0].Index)
	assert.Equal(t, 2, hops[1].Index)
	assert.Equal(t, 3, hops[2].Index)

	seen := map[string]bool{}
	var total int64
	for _, h := range hops {
		assert.False(t, seen[h.Relay.Fingerprint], "duplicate hop")
		seen[h.Relay.Fingerprint] = true
		total += h.Relay.RateMsats * 10
	}
	assert.LessOrEqual(t, total, int64(30_000))
}

func TestSelectDropsHandshakeFeeAndDownRelays(t *testing.T) {
	c, descs := testPool()
	for i := 0; i < 20; i++ {
		hops, err := Select(c, descs, 30_000, 10, Preferences{}, rng())
		require.NoError(t, err)
		for _, h := range hops {
			assert.NotEqual(t, "FEE1", h.Relay.Fingerprint)
			assert.NotEqual(t, "DOWN", h.Relay.Fingerprint)
		}
	}
}

func TestSelectBudgetExceeded(t *testing.T) {
	c, descs := testPool()
	hops, err := Select(c, descs, 100, 10, Preferences{}, rng())
	require.NoError(t, err)
	assert.Empty(t, hops, "selection must be empty when no path fits the budget")
}

func TestSelectEntryExitOverride(t *testing.T) {
	c, descs := testPool()
	hops, err := Select(c, descs, 100_000, 1, Preferences{EntryFingerprint: "G2", ExitFingerprint: "E2"}, rng())
	require.NoError(t, err)
	require.Len(t, hops, 3)
	assert.Equal(t, "G2", hops[0].Relay.Fingerprint)
	assert.Equal(t, "E2", hops[2].Relay.Fingerprint)
}

func TestSelectNoViablePool(t *testing.T) {
	c := &directory.Consensus{Relays: []directory.Relay{
		{Fingerprint: "M1", Flags: directory.RelayFlags{Running: true}},
	}}
	descs := []descriptor.Relay{{Fingerprint: "M1", RateMsats: 0}}
	hops, err := Select(c, descs, 30_000, 10, Preferences{}, rng())
	require.NoError(t, err)
	assert.Empty(t, hops)
}
