package directory

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidateFreshness checks that the consensus is currently valid, tolerating
// a 5-minute clock skew between el-tord and the daemon.
func ValidateFreshness(c *Consensus) error {
	now := time.Now().UTC()
	skew := 5 * time.Minute

	if c.ValidAfter.IsZero() || c.ValidUntil.IsZero() {
		return fmt.Errorf("consensus missing validity timestamps")
	}
	if now.Before(c.ValidAfter.Add(-skew)) {
		return fmt.Errorf("consensus is from the future (valid-after %s, now %s)", c.ValidAfter, now)
	}
	if now.After(c.ValidUntil.Add(skew)) {
		return fmt.Errorf("consensus has expired (valid-until %s, now %s)", c.ValidUntil, now)
	}
	return nil
}

// ParseConsensus parses the text returned by "GETINFO ns/all": a
// network-status document of "r"/"s"/"w"/"p" stanzas, one per relay.
func ParseConsensus(text string) (*Consensus, error) {
	c := &Consensus{
		BandwidthWeights: make(map[string]int64),
	}

	lines := strings.Split(text, "\n")
	var currentRelay *Relay

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")

		switch {
		case strings.HasPrefix(line, "valid-after "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("valid-after "):])
			if err != nil {
				return nil, fmt.Errorf("parse valid-after: %w", err)
			}
			c.ValidAfter = t

		case strings.HasPrefix(line, "fresh-until "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("fresh-until "):])
			if err != nil {
				return nil, fmt.Errorf("parse fresh-until: %w", err)
			}
			c.FreshUntil = t

		case strings.HasPrefix(line, "valid-until "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("valid-until "):])
			if err != nil {
				return nil, fmt.Errorf("parse valid-until: %w", err)
			}
			c.ValidUntil = t

		case strings.HasPrefix(line, "r "):
			// New router entry. Save the previous one, if any.
			if currentRelay != nil {
				c.Relays = append(c.Relays, *currentRelay)
			}
			relay, err := parseRouterLine(line)
			if err != nil {
				// Skip unparseable router lines; the daemon is trusted but
				// defensive skipping keeps a single bad stanza from
				// failing the whole consensus.
				currentRelay = nil
				continue
			}
			currentRelay = relay

		case strings.HasPrefix(line, "s "):
			if currentRelay != nil {
				parseFlags(currentRelay, line)
			}

		case strings.HasPrefix(line, "w "):
			if currentRelay != nil {
				parseBandwidth(currentRelay, line)
			}

		case strings.HasPrefix(line, "bandwidth-weights "):
			parseBandwidthWeights(c, line)
		}
	}

	if currentRelay != nil {
		c.Relays = append(c.Relays, *currentRelay)
	}

	return c, nil
}

// parseRouterLine parses an "r" line.
// Format: r <nickname> <identity-b64> <digest-b64> <date> <time> <ip> <orport> <dirport>
func parseRouterLine(line string) (*Relay, error) {
	parts := strings.Fields(line)
	if len(parts) < 9 {
		return nil, fmt.Errorf("r line too short: %q", line)
	}

	// Identity is base64-encoded SHA-1 (20 bytes), unpadded in the consensus.
	idBytes, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(idBytes) != 20 {
		return nil, fmt.Errorf("identity wrong length: %d", len(idBytes))
	}

	orPort, err := strconv.ParseUint(parts[7], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse ORPort: %w", err)
	}
	dirPort, err := strconv.ParseUint(parts[8], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse DirPort: %w", err)
	}

	return &Relay{
		Nickname:    parts[1],
		Fingerprint: fingerprintHex(idBytes),
		Address:     parts[6],
		ORPort:      uint16(orPort),
		DirPort:     uint16(dirPort),
	}, nil
}

// fingerprintHex converts a 20-byte relay identity to its uppercase-hex
// fingerprint, the network-wide relay identifier.
func fingerprintHex(identity []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(identity)*2)
	for _, b := range identity {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

func parseFlags(relay *Relay, line string) {
	flags := strings.Fields(line)[1:] // skip "s"
	for _, f := range flags {
		switch f {
		case "Authority":
			relay.Flags.Authority = true
		case "Exit":
			relay.Flags.Exit = true
		case "Fast":
			relay.Flags.Fast = true
		case "Guard":
			relay.Flags.Guard = true
		case "HSDir":
			relay.Flags.HSDir = true
		case "Running":
			relay.Flags.Running = true
		case "Stable":
			relay.Flags.Stable = true
		case "V2Dir":
			relay.Flags.V2Dir = true
		case "Valid":
			relay.Flags.Valid = true
		}
	}
}

func parseBandwidth(relay *Relay, line string) {
	// Format: w Bandwidth=1234
	for _, field := range strings.Fields(line)[1:] {
		if strings.HasPrefix(field, "Bandwidth=") {
			bw, err := strconv.ParseInt(field[len("Bandwidth="):], 10, 64)
			if err == nil {
				relay.Bandwidth = bw
			}
		}
	}
}

func parseBandwidthWeights(c *Consensus, line string) {
	// Format: bandwidth-weights Wbd=0 Wbe=0 Wbg=4131 Wbm=10000 ...
	for _, field := range strings.Fields(line)[1:] {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 {
			val, err := strconv.ParseInt(parts[1], 10, 64)
			if err == nil {
				c.BandwidthWeights[parts[0]] = val
			}
		}
	}
}
