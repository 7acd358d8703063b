package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/el-tor/eltord-go/circuit"
	"github.com/el-tor/eltord-go/errs"
	"github.com/el-tor/eltord-go/paymentbackend"
	"github.com/el-tor/eltord-go/reachability"
	"github.com/sirupsen/logrus"
)

const (
	defaultExpiryPadding = 15 * time.Second
	roundWaitDuration    = 45 * time.Second
	heartbeatInterval    = 2 * time.Second
	waitLogInterval      = 10 * time.Second
)

// prober is the subset of *reachability.Prober the scheduler depends on,
// narrowed to an interface so tests can substitute a fake.
type prober interface {
	Heartbeat(ctx context.Context) bool
	HasBandwidth(ctx context.Context) bool
	BandwidthTest(ctx context.Context) (*reachability.BandwidthResult, error)
}

// Scheduler drives the R-round payment ladder: per round, select the
// active circuit, probe it, pay each hop's commitment, then wait out the
// round with background heartbeats before moving on.
type Scheduler struct {
	Ledger         *Ledger
	Backend        paymentbackend.Backend
	Prober         prober
	Rounds         int
	ExpiryPadding  time.Duration // default 15s
	RateLimitDelay time.Duration // default 0
	Logger         *logrus.Logger

	// StartMonitor is invoked once, on the first successful pre-round
	// probe of the session.
	StartMonitor func(ctx context.Context)

	// WaitDuration, HeartbeatInterval and LogInterval default to
	// 45s/2s/10s; overridable for tests.
	WaitDuration      time.Duration
	HeartbeatInterval time.Duration
	LogInterval       time.Duration

	monitorStarted bool
}

func (s *Scheduler) waitDuration() time.Duration {
	if s.WaitDuration > 0 {
		return s.WaitDuration
	}
	return roundWaitDuration
}

func (s *Scheduler) heartbeatInterval() time.Duration {
	if s.HeartbeatInterval > 0 {
		return s.HeartbeatInterval
	}
	return heartbeatInterval
}

func (s *Scheduler) logInterval() time.Duration {
	if s.LogInterval > 0 {
		return s.LogInterval
	}
	return waitLogInterval
}

func (s *Scheduler) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func (s *Scheduler) expiryPadding() time.Duration {
	if s.ExpiryPadding > 0 {
		return s.ExpiryPadding
	}
	return defaultExpiryPadding
}

// Run drives up to Rounds rounds, alternating primary (odd i) and backup
// (even i) circuits. backup may be nil for single-circuit mode, which never
// fails over.
func (s *Scheduler) Run(ctx context.Context, primary, backup *circuit.Circuit) error {
	for i := 1; i <= s.Rounds; i++ {
		active, err := s.selectAndProbe(ctx, i, primary, backup)
		if err != nil {
			return err
		}

		for hopIdx := range active.Hops {
			if err := s.payHop(ctx, active, hopIdx, i); err != nil {
				return err
			}
			if s.RateLimitDelay > 0 && hopIdx < len(active.Hops)-1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.RateLimitDelay):
				}
			}
		}

		if err := s.monitoredWait(ctx, active); err != nil {
			return err
		}
	}
	return nil
}

// selectAndProbe picks the round's circuit and runs the pre-round probe,
// failing over to the other circuit on a single failure.
func (s *Scheduler) selectAndProbe(ctx context.Context, round int, primary, backup *circuit.Circuit) (*circuit.Circuit, error) {
	primaryTurn := round%2 == 1
	active, alt := primary, backup
	if !primaryTurn && backup != nil {
		active, alt = backup, primary
	}

	if !s.Prober.HasBandwidth(ctx) {
		if alt == nil {
			return nil, fmt.Errorf("%w: circuit lost connectivity, no failover circuit available", errs.Bandwidth)
		}
		if !s.Prober.HasBandwidth(ctx) {
			return nil, fmt.Errorf("%w: both circuits lost connectivity", errs.Bandwidth)
		}
		active = alt
	}

	if !s.monitorStarted {
		s.monitorStarted = true
		if s.StartMonitor != nil {
			go s.StartMonitor(ctx)
		}
	}

	return active, nil
}

// payHop pays one hop's row for the given round, tolerating a missing or
// zero-amount row by skipping silently.
func (s *Scheduler) payHop(ctx context.Context, active *circuit.Circuit, hopIdx, round int) error {
	hop := active.Hops[hopIdx]
	if hop.Commitment == nil || round < 1 || round > len(hop.Commitment.RoundPayhashes) {
		return nil
	}
	paymentID := hop.Commitment.RoundPayhashes[round-1]

	row, found := s.Ledger.LookupByID(paymentID)
	if !found {
		return nil
	}
	if row.AmountMsat == 0 || (row.Bolt12Offer == "" && row.Bolt11Invoice == "") {
		return nil
	}

	if time.Now().Unix()+int64(s.expiryPadding().Seconds()) > row.ExpiresAt {
		return fmt.Errorf("%w: payment row %s expired before round %d could pay it", errs.RoundExpired, paymentID, round)
	}

	offer := row.Bolt12Offer
	if offer == "" {
		offer = row.Bolt11Invoice
	}

	result, err := s.Backend.PayOffer(ctx, offer, row.AmountMsat, &paymentID)
	row.UpdatedAt = time.Now().Unix()
	if err != nil {
		row.HasError = true
		s.logger().WithError(err).WithField("relay_fingerprint", row.RelayFingerprint).Warn("payment: pay_offer failed")
	} else {
		row.Paid = true
		row.PaymentHash = result.PaymentHash
		row.Preimage = result.Preimage
		row.FeeMsat = result.FeeMsat
	}
	if uerr := s.Ledger.UpdatePayment(row); uerr != nil {
		s.logger().WithError(uerr).Warn("payment: failed to update ledger row")
	}
	return nil
}

// monitoredWait runs the 45s post-round wait: heartbeat every 2s, a single
// bandwidth test at the end of the window, progress logged every 10s.
func (s *Scheduler) monitoredWait(ctx context.Context, active *circuit.Circuit) error {
	deadline := time.Now().Add(s.waitDuration())
	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()
	logTick := time.NewTicker(s.logInterval())
	defer logTick.Stop()

	for {
		if time.Now().After(deadline) {
			if _, err := s.Prober.BandwidthTest(ctx); err != nil {
				s.logger().WithError(err).Warn("payment: end-of-round bandwidth test failed")
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if !s.Prober.Heartbeat(ctx) {
				return fmt.Errorf("%w: heartbeat failed during round wait", errs.Bandwidth)
			}
		case <-logTick.C:
			s.logger().WithField("circuit_id", active.ID).Debug("payment: round wait in progress")
		}
	}
}
