// Package reachability implements the SOCKS5-proxied heartbeat and
// bandwidth probes the payment-round scheduler gates each round on, plus
// the stream-capacity heuristic.
package reachability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/el-tor/eltord-go/errs"
	"golang.org/x/net/proxy"
)

const (
	heartbeatTimeout  = 10 * time.Second
	bandwidthTimeout  = 45 * time.Second
	streamsPerCircuit = 256
	capacityWarnRatio = 0.8 // 80% of the per-circuit streams ceiling
)

// Prober drives reachability checks through a local SOCKS5 port.
// HeartbeatURL and BandwidthURL must be reachable through the proxy; the
// caller supplies them as deployment configuration, not hard-coded here.
type Prober struct {
	SocksPort    int
	HeartbeatURL string
	BandwidthURL string
}

func (p *Prober) client(timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", p.SocksPort), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("%w: build SOCKS5 dialer: %v", errs.Transport, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w: SOCKS5 dialer does not support contexts", errs.Transport)
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
		},
	}, nil
}

// Heartbeat performs a GET against HeartbeatURL, returning true iff the
// response status is 2xx.
func (p *Prober) Heartbeat(ctx context.Context) bool {
	cl, err := p.client(heartbeatTimeout)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.HeartbeatURL, nil)
	if err != nil {
		return false
	}
	resp, err := cl.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// BandwidthResult is the outcome of one bandwidth test.
type BandwidthResult struct {
	TotalMs int64
	Kbps    float64
}

// BandwidthTest downloads BandwidthURL's body and measures the download
// phase (headers-to-last-byte).
func (p *Prober) BandwidthTest(ctx context.Context) (*BandwidthResult, error) {
	cl, err := p.client(bandwidthTimeout)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BandwidthURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build bandwidth request: %v", errs.Transport, err)
	}

	resp, err := cl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: bandwidth request: %v", errs.Transport, err)
	}
	defer resp.Body.Close()

	start := time.Now()
	n, err := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: bandwidth download: %v", errs.Transport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: bandwidth endpoint returned %d", errs.Bandwidth, resp.StatusCode)
	}

	totalMs := elapsed.Milliseconds()
	var kbps float64
	if totalMs > 0 {
		kbps = float64(n) * 8 / 1000 / elapsed.Seconds()
	}
	return &BandwidthResult{TotalMs: totalMs, Kbps: kbps}, nil
}

// HasBandwidth retries the bandwidth test up to 2 times with exponential
// backoff (1s, 2s) on transport errors; a clean HTTP failure (non-2xx, no
// transport error) fails immediately without retry.
func (p *Prober) HasBandwidth(ctx context.Context) bool {
	backoff := time.Second
	for attempt := 0; attempt <= 2; attempt++ {
		_, err := p.BandwidthTest(ctx)
		if err == nil {
			return true
		}
		if !isTransportErr(err) {
			return false
		}
		if attempt == 2 {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false
}

func isTransportErr(err error) bool {
	return errors.Is(err, errs.Transport)
}

// StreamCapacity parses GETINFO stream-status and circuit-status replies
// for " SUCCEEDED " and " BUILT " line counts, returning the stream count
// and whether the average streams-per-circuit exceeds 80% of the 256
// streams-per-circuit ceiling (a warning-only heuristic).
func StreamCapacity(streamStatus, circuitStatus string) (streams int, warn bool) {
	streams = countLinesContaining(streamStatus, " SUCCEEDED ")
	circuits := countLinesContaining(circuitStatus, " BUILT ")
	if circuits == 0 {
		return streams, false
	}
	avg := float64(streams) / float64(circuits)
	return streams, avg > capacityWarnRatio*streamsPerCircuit
}

func countLinesContaining(text, marker string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, marker) {
			n++
		}
	}
	return n
}

// ParseSocksPort extracts the numeric port from a "GETCONF SocksPort" reply
// such as "SocksPort 9050" or "SocksPort=9050".
func ParseSocksPort(text string) (int, error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var value string
		if idx := strings.Index(line, "="); idx >= 0 {
			value = line[idx+1:]
		} else if idx := strings.Index(line, " "); idx >= 0 {
			value = line[idx+1:]
		} else {
			continue
		}
		value = strings.Fields(value)[0]
		port, err := strconv.Atoi(value)
		if err == nil {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no SocksPort in GETCONF reply", errs.ConfigMissing)
}
