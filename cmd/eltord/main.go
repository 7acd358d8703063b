// Command eltord runs the paid-circuit control layer: it drives an
// already-running onion daemon over its control port in client, relay,
// or both mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/el-tor/eltord-go/errs"
	"github.com/el-tor/eltord-go/internal/logging"
	"github.com/el-tor/eltord-go/orchestrator"
	"github.com/el-tor/eltord-go/paymentbackend"
	"github.com/el-tor/eltord-go/torrc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds and executes the root command against argv, returning the
// process exit code: 0 for a normal or signal-driven shutdown, 1 for a
// fatal startup error. Split out from main for testability.
func run(argv []string) int {
	if override := os.Getenv("ARGS"); override != "" {
		argv = strings.Fields(override)
	}

	cmd := newRootCmd()
	cmd.SetArgs(argv)
	err := cmd.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		// A signal-driven shutdown is a normal exit, not a startup failure.
		return 0
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	var (
		torrcPath    string
		password     string
		logPath      string
		keepLogs     bool
		heartbeatURL string
		bandwidthURL string
	)

	cmd := &cobra.Command{
		Use:           "eltord [client|relay|both]",
		Short:         "Paid-circuit control layer for an onion-routing daemon",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := "client"
			if len(args) > 0 {
				mode = args[0]
			}
			if envMode := v.GetString("eltord_mode"); envMode != "" {
				mode = envMode
			}
			if mode != "client" && mode != "relay" && mode != "both" {
				return fmt.Errorf("%w: unknown mode %q, must be client, relay, or both", errs.ConfigMissing, mode)
			}

			logger, logFile, err := logging.Setup(logPath, logrus.InfoLevel)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer finishLog(logFile, logPath, keepLogs)
			}

			cfg, err := buildConfig(v, torrcPath, password, heartbeatURL, bandwidthURL, mode, logger)
			if err != nil {
				logger.WithError(err).Error("eltord: startup failed")
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			notifyShutdown(ctx, cancel, logger)

			return supervise(ctx, mode, logger, cfg)
		},
	}

	cmd.Flags().StringVarP(&torrcPath, "file", "f", "torrc", "onion daemon config file path")
	cmd.Flags().StringVarP(&password, "pw", "p", "", "control port password")
	cmd.Flags().StringVarP(&logPath, "log", "l", "", "optional log file path")
	cmd.Flags().BoolVarP(&keepLogs, "keep-logs", "k", false, "keep the log file on exit")
	cmd.Flags().StringVar(&heartbeatURL, "heartbeat-url", "", "URL probed through the daemon's SOCKS port for liveness")
	cmd.Flags().StringVar(&bandwidthURL, "bandwidth-url", "", "URL downloaded through the daemon's SOCKS port for bandwidth testing")

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}

	return cmd
}

// buildConfig reads the daemon's config file for the control port address
// and the default PaymentLightningNodeConfig entry (needed by every mode:
// the client pays through the backend, the relay watches invoices with
// it), and assembles an orchestrator.Config.
func buildConfig(v *viper.Viper, torrcPath, password, heartbeatURL, bandwidthURL, mode string, logger *logrus.Logger) (orchestrator.Config, error) {
	entries, err := torrc.Parse(torrcPath)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("%w: %v", errs.ConfigMissing, err)
	}

	cfg := orchestrator.Config{
		Addr:           torrc.ControlAddr(entries),
		Password:       password,
		DataDir:        "./data",
		Logger:         logger,
		Rounds:         envInt(v, "payment_interval_rounds", 10),
		RateLimitDelay: envSeconds(v, "rate_limit_seconds", 0),
		ExpiryPadding:  envSeconds(v, "expiry_padding_for_payment_round", 15),
		HeartbeatURL:   heartbeatURL,
		BandwidthURL:   bandwidthURL,
	}

	if mode != "relay" {
		if heartbeatURL == "" || bandwidthURL == "" {
			return orchestrator.Config{}, fmt.Errorf("%w: client/both mode requires --heartbeat-url and --bandwidth-url", errs.ConfigMissing)
		}
	}

	name, ok := torrc.DefaultPaymentBackend(entries)
	if !ok {
		return orchestrator.Config{}, fmt.Errorf("%w: no default PaymentLightningNodeConfig entry in %s", errs.ConfigMissing, torrcPath)
	}
	backend, ok := paymentbackend.Lookup(name)
	if !ok {
		return orchestrator.Config{}, fmt.Errorf("%w: no payment backend registered for %q", errs.ConfigMissing, name)
	}
	cfg.Backend = backend

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return orchestrator.Config{}, fmt.Errorf("%w: create data dir: %v", errs.ConfigMissing, err)
	}

	return cfg, nil
}

func supervise(ctx context.Context, mode string, logger *logrus.Logger, cfg orchestrator.Config) error {
	switch mode {
	case "client":
		return orchestrator.Supervise(ctx, "client", logger, func(ctx context.Context) error { return orchestrator.RunClient(ctx, cfg) })
	case "relay":
		return orchestrator.Supervise(ctx, "relay", logger, func(ctx context.Context) error { return orchestrator.RunRelay(ctx, cfg) })
	default:
		return orchestrator.RunBoth(ctx, cfg)
	}
}

func notifyShutdown(ctx context.Context, cancel context.CancelFunc, logger *logrus.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("eltord: received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
}

func finishLog(f *os.File, path string, keep bool) {
	_ = f.Close()
	if !keep {
		_ = os.Remove(path)
	}
}

func envInt(v *viper.Viper, key string, def int) int {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(v *viper.Viper, key string, defSeconds int) time.Duration {
	return time.Duration(envInt(v, key, defSeconds)) * time.Second
}
