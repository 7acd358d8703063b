// Package orchestrator composes the control-channel client, relay
// selection, circuit builder, stream monitor, payment scheduler, and
// payment-audit watcher into client-mode, relay-mode, and both-mode
// supervisors, each wrapped in the top-level retry policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/el-tor/eltord-go/audit"
	"github.com/el-tor/eltord-go/circuit"
	"github.com/el-tor/eltord-go/control"
	"github.com/el-tor/eltord-go/descriptor"
	"github.com/el-tor/eltord-go/directory"
	"github.com/el-tor/eltord-go/errs"
	"github.com/el-tor/eltord-go/pathselect"
	"github.com/el-tor/eltord-go/payment"
	"github.com/el-tor/eltord-go/paymentbackend"
	"github.com/el-tor/eltord-go/reachability"
	"github.com/el-tor/eltord-go/stream"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RetryDelay is the minimum delay the top-level supervisor waits between
// restart attempts, regardless of the error that ended the prior run.
const RetryDelay = 10 * time.Second

const bootstrapPollInterval = 500 * time.Millisecond

// Config carries everything a client, relay, or both-mode run needs. The
// zero value is not usable; DataDir, Addr and Backend are required.
type Config struct {
	Addr             string // onion daemon control port, host:port
	Password         string
	DataDir          string // holds payments_sent.json / payments_received.json
	Backend          paymentbackend.Backend
	Logger           *logrus.Logger
	Rounds           int           // R, PAYMENT_INTERVAL_ROUNDS
	RateLimitDelay   time.Duration // RATE_LIMIT_SECONDS
	ExpiryPadding    time.Duration // EXPIRY_PADDING_FOR_PAYMENT_ROUND
	BootstrapTimeout time.Duration

	// HeartbeatURL and BandwidthURL are probed through the daemon's own
	// SOCKS5 port; the exact endpoints are deployment configuration, so
	// they are required here rather than guessed.
	HeartbeatURL string
	BandwidthURL string
}

func (cfg Config) logger() *logrus.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return logrus.StandardLogger()
}

func (cfg Config) rounds() int {
	if cfg.Rounds > 0 {
		return cfg.Rounds
	}
	return 10
}

func (cfg Config) bootstrapTimeout() time.Duration {
	if cfg.BootstrapTimeout > 0 {
		return cfg.BootstrapTimeout
	}
	return 2 * time.Minute
}

func (cfg Config) client() *control.Client {
	return &control.Client{Addr: cfg.Addr, Password: cfg.Password, Logger: cfg.Logger}
}

// Supervise runs fn in a loop: any return (error or not) is logged and
// followed by a RetryDelay sleep, then fn runs again, until ctx is
// cancelled. A clean return is treated the same as an error — a session
// ending at all means the daemon connection or circuits need rebuilding.
// The one exception is an errs.AuthFailed error, which is fatal and is
// returned to the caller without a retry.
func Supervise(ctx context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	for {
		attemptID := uuid.New().String()
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errs.AuthFailed) {
			logger.WithError(err).WithField("supervisor", name).Error("orchestrator: authentication failed, not retrying")
			return err
		}
		fields := logrus.Fields{"supervisor": name, "attempt_id": attemptID}
		if err != nil {
			logger.WithError(err).WithFields(fields).Warn("orchestrator: run ended, retrying")
		} else {
			logger.WithFields(fields).Info("orchestrator: run ended cleanly, retrying")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(RetryDelay):
		}
	}
}

// waitForBootstrap polls GETINFO status/bootstrap-phase until the daemon
// reports PROGRESS=100 or the timeout elapses.
func waitForBootstrap(ctx context.Context, client *control.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(bootstrapPollInterval)
	defer ticker.Stop()

	for {
		reply, err := client.Do("GETINFO status/bootstrap-phase")
		if err == nil && bootstrapComplete(reply) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: daemon did not finish bootstrap within %s", errs.Transport, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func bootstrapComplete(reply string) bool {
	return strings.Contains(reply, "PROGRESS=100")
}

// fetchRelays retrieves the consensus, descriptor dump, fee budget and
// entry/exit preferences the relay-selection engine needs.
func fetchRelays(client *control.Client) (*directory.Consensus, []descriptor.Relay, int64, pathselect.Preferences, error) {
	consensusText, err := client.Do("GETINFO ns/all")
	if err != nil {
		return nil, nil, 0, pathselect.Preferences{}, fmt.Errorf("fetch consensus: %w", err)
	}
	consensus, err := directory.ParseConsensus(consensusText)
	if err != nil {
		return nil, nil, 0, pathselect.Preferences{}, fmt.Errorf("parse consensus: %w", err)
	}

	descText, err := client.Do("GETINFO desc/all-recent")
	if err != nil {
		return nil, nil, 0, pathselect.Preferences{}, fmt.Errorf("fetch descriptors: %w", err)
	}
	descriptors, err := descriptor.ParseDescriptorDump(descText)
	if err != nil {
		return nil, nil, 0, pathselect.Preferences{}, fmt.Errorf("parse descriptors: %w", err)
	}

	maxFeeText, err := client.Do("GETCONF PaymentCircuitMaxFee")
	if err != nil {
		return nil, nil, 0, pathselect.Preferences{}, fmt.Errorf("fetch PaymentCircuitMaxFee: %w", err)
	}
	maxFee := directory.ParsePaymentCircuitMaxFee(maxFeeText)

	var prefs pathselect.Preferences
	if entryText, err := client.Do("GETCONF EntryNodes"); err == nil {
		prefs.EntryFingerprint = directory.ParsePreferredFingerprint(entryText)
	}
	if exitText, err := client.Do("GETCONF ExitNodes"); err == nil {
		prefs.ExitFingerprint = directory.ParsePreferredFingerprint(exitText)
	}

	return consensus, descriptors, maxFee, prefs, nil
}

func socksPort(client *control.Client) (int, error) {
	text, err := client.Do("GETCONF SocksPort")
	if err != nil {
		return 0, fmt.Errorf("fetch SocksPort: %w", err)
	}
	return reachability.ParseSocksPort(text)
}

// buildCircuit selects a fresh 3-hop path and builds it to BUILT.
func buildCircuit(ctx context.Context, client *control.Client, consensus *directory.Consensus, descriptors []descriptor.Relay, maxFee int64, rounds int, prefs pathselect.Preferences, rng *rand.Rand, isPrimary bool) (*circuit.Circuit, error) {
	hops, err := pathselect.Select(consensus, descriptors, maxFee, int64(rounds), prefs, rng)
	if err != nil {
		return nil, err
	}
	if len(hops) == 0 {
		return nil, errs.NoRelays
	}
	return circuit.Build(ctx, client, hops, rounds, isPrimary)
}

// RunClient drives one client-mode session: bootstrap wait, dual path
// selection, dual circuit build, ledger seeding, and the payment-round
// scheduler with stream-attachment failover.
func RunClient(ctx context.Context, cfg Config) error {
	client := cfg.client()
	logger := cfg.logger()

	if err := waitForBootstrap(ctx, client, cfg.bootstrapTimeout()); err != nil {
		return err
	}

	consensus, descriptors, maxFee, prefs, err := fetchRelays(client)
	if err != nil {
		return err
	}

	port, err := socksPort(client)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(os.Getpid())))
	rounds := cfg.rounds()

	primary, err := buildCircuit(ctx, client, consensus, descriptors, maxFee, rounds, prefs, rng, true)
	if err != nil {
		return err
	}
	backup, err := buildCircuit(ctx, client, consensus, descriptors, maxFee, rounds, prefs, rng, false)
	if err != nil {
		logger.WithError(err).Warn("orchestrator: backup circuit build failed, continuing single-circuit")
	}

	defer func() {
		_ = circuit.Teardown(client, primary)
		if backup != nil {
			_ = circuit.Teardown(client, backup)
		}
	}()

	ledger, err := payment.Open(filepath.Join(cfg.DataDir, "payments_sent.json"))
	if err != nil {
		return err
	}
	if err := payment.SeedLedger(ledger, primary, rounds); err != nil {
		return err
	}
	if backup != nil {
		if err := payment.SeedLedger(ledger, backup, rounds); err != nil {
			return err
		}
	}

	prober := &reachability.Prober{SocksPort: port, HeartbeatURL: cfg.HeartbeatURL, BandwidthURL: cfg.BandwidthURL}

	var backupID string
	if backup != nil {
		backupID = backup.ID
	}
	startMonitor := func(monitorCtx context.Context) {
		m := &stream.Monitor{Client: cfg.client(), PrimaryID: primary.ID, BackupID: backupID, Logger: logger}
		if err := m.Start(monitorCtx); err != nil && monitorCtx.Err() == nil {
			logger.WithError(err).Warn("orchestrator: stream monitor ended")
		}
	}

	scheduler := &payment.Scheduler{
		Ledger:         ledger,
		Backend:        cfg.Backend,
		Prober:         prober,
		Rounds:         rounds,
		ExpiryPadding:  cfg.ExpiryPadding,
		RateLimitDelay: cfg.RateLimitDelay,
		Logger:         logger,
		StartMonitor:   startMonitor,
	}

	return scheduler.Run(ctx, primary, backup)
}

// RunRelay drives one relay-mode session: bootstrap wait, then the
// payment-audit watcher for the session's lifetime.
func RunRelay(ctx context.Context, cfg Config) error {
	client := cfg.client()

	if err := waitForBootstrap(ctx, client, cfg.bootstrapTimeout()); err != nil {
		return err
	}

	ledger, err := payment.Open(filepath.Join(cfg.DataDir, "payments_received.json"))
	if err != nil {
		return err
	}

	watcher := &audit.Watcher{
		Client:  client,
		Ledger:  ledger,
		Backend: cfg.Backend,
		Rounds:  cfg.rounds(),
		Logger:  cfg.logger(),
	}
	return watcher.Start(ctx)
}

// RunBoth runs the client and relay supervisors in the same process,
// cancelling the other as soon as either exits with a real error.
func RunBoth(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- Supervise(ctx, "client", cfg.logger(), func(ctx context.Context) error { return RunClient(ctx, cfg) })
	}()
	go func() {
		defer wg.Done()
		errCh <- Supervise(ctx, "relay", cfg.logger(), func(ctx context.Context) error { return RunRelay(ctx, cfg) })
	}()

	go func() {
		wg.Wait()
		close(errCh)
	}()

	var first error
	for err := range errCh {
		if first == nil && err != nil && !errors.Is(err, context.Canceled) {
			first = err
			cancel()
		}
	}
	return first
}
