// Package audit implements the relay-side payment-audit watcher: it
// subscribes to PAYMENT_ID_HASH_RECEIVED events, schedules one invoice
// observer per round, classifies settlement timing, and tears down circuits
// that fall out of their payment window.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/el-tor/eltord-go/control"
	"github.com/el-tor/eltord-go/errs"
	"github.com/el-tor/eltord-go/payment"
	"github.com/el-tor/eltord-go/paymentbackend"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	hashChunkLen     = 64 // one SHA-256 hex digest
	observerPollTick = 3 * time.Second
	observerPollMax  = 60 * time.Second
	roundPeriod      = 60 * time.Second
	roundGrace       = 15 * time.Second
)

// Classification is the timing verdict for one settled or failed round.
type Classification string

const (
	OnTime  Classification = "on_time"
	Early   Classification = "early"
	Late    Classification = "late"
	Failed  Classification = "failed"
	Pending Classification = "pending"
)

// HandshakeFeePolicy validates (or, by default, merely records) the
// handshake-fee commitment pair. The default policy requires nothing.
type HandshakeFeePolicy func(payhash, preimage string) error

// AcceptAll is the default HandshakeFeePolicy: no handshake required, the
// pair is recorded but never validated.
func AcceptAll(payhash, preimage string) error { return nil }

// Watcher subscribes to PAYMENT_ID_HASH_RECEIVED and drives the per-round
// observe/classify/teardown state machine below.
type Watcher struct {
	Client       *control.Client
	Ledger       *payment.Ledger
	Backend      paymentbackend.Backend
	Rounds       int
	HandshakeFee HandshakeFeePolicy
	Logger       *logrus.Logger

	// RoundPeriod, RoundGrace, PollInterval and PollMax default to
	// 60s/15s/3s/60s; overridable for tests.
	RoundPeriod  time.Duration
	RoundGrace   time.Duration
	PollInterval time.Duration
	PollMax      time.Duration

	registry teardownRegistry
}

func (w *Watcher) roundPeriod() time.Duration {
	if w.RoundPeriod > 0 {
		return w.RoundPeriod
	}
	return roundPeriod
}

func (w *Watcher) roundGrace() time.Duration {
	if w.RoundGrace > 0 {
		return w.RoundGrace
	}
	return roundGrace
}

func (w *Watcher) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return observerPollTick
}

func (w *Watcher) pollMax() time.Duration {
	if w.PollMax > 0 {
		return w.PollMax
	}
	return observerPollMax
}

func (w *Watcher) logger() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return logrus.StandardLogger()
}

func (w *Watcher) policy() HandshakeFeePolicy {
	if w.HandshakeFee != nil {
		return w.HandshakeFee
	}
	return AcceptAll
}

// Start subscribes to EVENT_PAYMENT_ID_HASH_RECEIVED and blocks until ctx
// is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	return w.Client.Events(ctx, "EVENT_PAYMENT_ID_HASH_RECEIVED", func(text string) {
		w.handleEvent(ctx, text)
	})
}

func (w *Watcher) handleEvent(ctx context.Context, text string) {
	for _, line := range strings.Split(text, "\n") {
		ev, err := parsePaymentIDHashReceived(line, w.Rounds)
		if err != nil {
			continue
		}

		if err := w.policy()(ev.HandshakePayhash, ev.HandshakePreimage); err != nil {
			w.logger().WithError(err).WithField("circuit_id", ev.CircID).Warn("audit: handshake fee rejected")
			w.teardown(ev.CircID, "handshake fee rejected")
			continue
		}

		started := time.Now()
		for round, h := range ev.RoundPayhashes {
			row := payment.Row{
				PaymentID: h,
				CircID:    ev.CircID,
				Round:     round + 1,
			}
			if round == 0 {
				row.HandshakeFeePayhash = ev.HandshakePayhash
				row.HandshakeFeePreimage = ev.HandshakePreimage
			}
			if err := w.Ledger.WritePayment(row); err != nil {
				w.logger().WithError(err).Warn("audit: failed to append receive-ledger row")
			}

			sub := w.registry.subscribe(ev.CircID)
			go w.observe(ctx, ev.CircID, round, h, started, sub)
		}
	}
}

// observe sleeps until the round's window opens, then polls watch_invoice
// until it settles, fails, or the teardown signal fires.
func (w *Watcher) observe(ctx context.Context, circID string, round int, payhash string, started time.Time, signal <-chan struct{}) {
	taskID := uuid.New().String()
	w.logger().WithFields(logrus.Fields{
		"observer_task_id": taskID,
		"circ_id":          circID,
		"round":            round,
	}).Debug("audit: observer task started")

	delay := time.Duration(round) * w.roundPeriod()

	select {
	case <-signal:
		return
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	deadline := time.Now().Add(w.pollMax())
	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-signal:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			w.classify(circID, round, started, Failed)
			return
		}

		ch, err := w.Backend.WatchInvoice(ctx, payhash)
		if err != nil || ch == nil {
			continue
		}
		select {
		case ev, ok := <-ch:
			if !ok {
				continue
			}
			switch ev.Status {
			case paymentbackend.StatusSuccess:
				w.settleSuccess(circID, round, started, ev)
				return
			case paymentbackend.StatusFailure:
				w.classify(circID, round, started, Failed)
				return
			}
		case <-signal:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) settleSuccess(circID string, round int, started time.Time, ev paymentbackend.InvoiceEvent) {
	elapsed := time.Since(started)
	windowStart := time.Duration(round) * w.roundPeriod()
	windowEnd := windowStart + w.roundPeriod() + w.roundGrace()

	var c Classification
	switch {
	case elapsed < windowStart:
		c = Early
	case elapsed <= windowEnd:
		c = OnTime
	default:
		c = Late
	}
	w.classify(circID, round, started, c)

	if row, ok := w.Ledger.LookupByID(ev.PaymentHash); ok {
		row.Paid = true
		row.PaymentHash = ev.PaymentHash
		row.Preimage = ev.Preimage
		row.FeeMsat = ev.FeeMsat
		_ = w.Ledger.UpdatePayment(row)
	}
}

// classify applies the terminal-state rule: Late and Failed trigger
// teardown, OnTime and Early keep the circuit.
func (w *Watcher) classify(circID string, round int, started time.Time, c Classification) {
	w.logger().WithFields(logrus.Fields{
		"circuit_id": circID,
		"round":      round + 1,
		"classified": c,
	}).Info("audit: round classified")

	if c == Late || c == Failed {
		w.teardown(circID, fmt.Sprintf("round %d classified %s", round+1, c))
	}
}

// teardown issues TEARDOWNCIRCUIT and signals every observer scheduled
// against circID.
func (w *Watcher) teardown(circID, reason string) {
	if _, err := w.Client.Do(fmt.Sprintf("TEARDOWNCIRCUIT %s", circID)); err != nil {
		w.logger().WithError(err).WithField("circuit_id", circID).Warn("audit: TEARDOWNCIRCUIT failed")
	}
	w.logger().WithField("circuit_id", circID).WithField("reason", reason).Warn("audit: circuit torn down")
	w.registry.broadcast(circID)
}

// teardownRegistry maps circuit_id to a broadcast channel; every registered
// observer for that circuit observes a close and exits.
type teardownRegistry struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

func (r *teardownRegistry) subscribe(circID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string][]chan struct{})
	}
	ch := make(chan struct{})
	r.subs[circID] = append(r.subs[circID], ch)
	return ch
}

func (r *teardownRegistry) broadcast(circID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[circID] {
		close(ch)
	}
	delete(r.subs, circID)
}

// event is a parsed EVENT_PAYMENT_ID_HASH_RECEIVED line.
type event struct {
	CircID            string
	HandshakePayhash  string
	HandshakePreimage string
	RoundPayhashes    []string
}

// parsePaymentIDHashReceived parses one
// "650 EVENT_PAYMENT_ID_HASH_RECEIVED P_CIRC_ID=<id> N_CIRC_ID=<id>
// PAYMENT_HASH=<hex>" line and splits PAYMENT_HASH into its (R+2)-tuple of
// 64-hex-char chunks.
func parsePaymentIDHashReceived(line string, rounds int) (*event, error) {
	fields := strings.Fields(line)
	var circID, hash string
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "P_CIRC_ID="):
			circID = strings.TrimPrefix(f, "P_CIRC_ID=")
		case strings.HasPrefix(f, "PAYMENT_HASH="):
			hash = strings.TrimPrefix(f, "PAYMENT_HASH=")
		}
	}
	if circID == "" || hash == "" {
		return nil, fmt.Errorf("%w: PAYMENT_ID_HASH_RECEIVED missing P_CIRC_ID/PAYMENT_HASH", errs.Protocol)
	}

	wantLen := (rounds + 2) * hashChunkLen
	if len(hash) != wantLen {
		return nil, fmt.Errorf("%w: PAYMENT_HASH length %d, expected %d for %d rounds", errs.Protocol, len(hash), wantLen, rounds)
	}

	chunks := make([]string, 0, rounds+2)
	for i := 0; i < len(hash); i += hashChunkLen {
		chunks = append(chunks, hash[i:i+hashChunkLen])
	}

	return &event{
		CircID:            circID,
		HandshakePayhash:  chunks[0],
		HandshakePreimage: chunks[1],
		RoundPayhashes:    chunks[2:],
	}, nil
}
