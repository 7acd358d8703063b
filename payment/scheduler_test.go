package payment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/el-tor/eltord-go/errs"
	"github.com/el-tor/eltord-go/paymentbackend"
	"github.com/el-tor/eltord-go/reachability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBackend pays every offer successfully and records each call.
type recordingBackend struct {
	calls []string
}

func (b *recordingBackend) PayOffer(ctx context.Context, offer string, amountMsat int64, paymentID *string) (*paymentbackend.PayResult, error) {
	b.calls = append(b.calls, offer)
	return &paymentbackend.PayResult{PaymentHash: "hash", Preimage: "preimage", FeeMsat: 1}, nil
}

func (b *recordingBackend) LookupInvoice(ctx context.Context, offerOrInvoice string) (string, error) {
	return "", nil
}

func (b *recordingBackend) WatchInvoice(ctx context.Context, paymentHash string) (<-chan paymentbackend.InvoiceEvent, error) {
	return nil, nil
}

// alwaysUpProber reports bandwidth and heartbeat as always healthy.
type alwaysUpProber struct{}

func (p *alwaysUpProber) Heartbeat(ctx context.Context) bool    { return true }
func (p *alwaysUpProber) HasBandwidth(ctx context.Context) bool { return true }
func (p *alwaysUpProber) BandwidthTest(ctx context.Context) (*reachability.BandwidthResult, error) {
	return &reachability.BandwidthResult{TotalMs: 1, Kbps: 1000}, nil
}

// downProber always fails both probes.
type downProber struct{}

func (p *downProber) Heartbeat(ctx context.Context) bool    { return false }
func (p *downProber) HasBandwidth(ctx context.Context) bool { return false }
func (p *downProber) BandwidthTest(ctx context.Context) (*reachability.BandwidthResult, error) {
	return nil, errors.New("bandwidth test unreachable")
}

// failOnceThenUpProber fails HasBandwidth exactly once (simulating a
// primary-circuit outage) then reports healthy for every subsequent call.
type failOnceThenUpProber struct{ calls int }

func (p *failOnceThenUpProber) Heartbeat(ctx context.Context) bool { return true }
func (p *failOnceThenUpProber) HasBandwidth(ctx context.Context) bool {
	p.calls++
	return p.calls > 1
}
func (p *failOnceThenUpProber) BandwidthTest(ctx context.Context) (*reachability.BandwidthResult, error) {
	return &reachability.BandwidthResult{TotalMs: 1, Kbps: 1000}, nil
}

func TestSchedulerRunPaysEachHopEachRound(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "payments_sent.json"))
	require.NoError(t, err)

	rounds := 2
	circ := testCircuit(t, rounds)
	require.NoError(t, SeedLedger(l, circ, rounds))

	backend := &recordingBackend{}
	s := &Scheduler{
		Ledger:            l,
		Backend:           backend,
		Prober:            &alwaysUpProber{},
		Rounds:            rounds,
		WaitDuration:      10 * time.Millisecond,
		HeartbeatInterval: 2 * time.Millisecond,
		LogInterval:       5 * time.Millisecond,
	}

	require.NoError(t, s.Run(context.Background(), circ, nil))
	assert.Len(t, backend.calls, 3*rounds)

	for round := 1; round <= rounds; round++ {
		rows := l.LookupByCircuitRound(circ.ID, round)
		require.Len(t, rows, 3)
		for _, r := range rows {
			assert.True(t, r.Paid)
		}
	}
}

func TestSchedulerFailoverOnPrimaryProbeFailure(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "payments_sent.json"))
	require.NoError(t, err)

	primary := testCircuit(t, 1)
	primary.ID = "primary"
	backup := testCircuit(t, 1)
	backup.ID = "backup"
	require.NoError(t, SeedLedger(l, primary, 1))
	require.NoError(t, SeedLedger(l, backup, 1))

	s := &Scheduler{
		Ledger:            l,
		Backend:           &recordingBackend{},
		Prober:            &failOnceThenUpProber{},
		Rounds:            1,
		WaitDuration:      10 * time.Millisecond,
		HeartbeatInterval: 2 * time.Millisecond,
		LogInterval:       5 * time.Millisecond,
	}
	require.NoError(t, s.Run(context.Background(), primary, backup))

	backupRows := l.LookupByCircuitRound("backup", 1)
	paidCount := 0
	for _, r := range backupRows {
		if r.Paid {
			paidCount++
		}
	}
	assert.Equal(t, 3, paidCount, "round should have failed over to backup")

	primaryRows := l.LookupByCircuitRound("primary", 1)
	for _, r := range primaryRows {
		assert.False(t, r.Paid, "primary circuit must not be paid after failover")
	}
}

func TestSchedulerBandwidthErrorWhenBothCircuitsDown(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "payments_sent.json"))
	require.NoError(t, err)

	primary := testCircuit(t, 1)
	primary.ID = "p"
	backup := testCircuit(t, 1)
	backup.ID = "b"

	s := &Scheduler{
		Ledger:  l,
		Backend: &recordingBackend{},
		Prober:  &downProber{},
		Rounds:  1,
	}
	err = s.Run(context.Background(), primary, backup)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.Bandwidth)
}

func TestSchedulerRoundExpired(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "payments_sent.json"))
	require.NoError(t, err)

	circ := testCircuit(t, 1)
	circ.StartedAt = time.Unix(1, 0) // ancient — every row's expires_at is in the past
	require.NoError(t, SeedLedger(l, circ, 1))

	s := &Scheduler{
		Ledger:  l,
		Backend: &recordingBackend{},
		Prober:  &alwaysUpProber{},
		Rounds:  1,
	}
	err = s.Run(context.Background(), circ, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.RoundExpired)
}
