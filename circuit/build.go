package circuit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/el-tor/eltord-go/control"
	"github.com/el-tor/eltord-go/errs"
	"github.com/el-tor/eltord-go/pathselect"
)

// DefaultPollInterval and DefaultBuildTimeout bound the circuit-status wait
// loop.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultBuildTimeout = 30 * time.Second
)

// Build generates payment commitments for each selected hop, issues
// EXTENDPAIDCIRCUIT, and waits for BUILT. rounds is R, the number of
// payment rounds this circuit will serve.
func Build(ctx context.Context, client *control.Client, hops []pathselect.Hop, rounds int, isPrimary bool) (*Circuit, error) {
	if len(hops) != 3 {
		return nil, fmt.Errorf("%w: circuit requires exactly 3 hops, got %d", errs.Protocol, len(hops))
	}

	built := make([]Hop, len(hops))
	for i, h := range hops {
		commitment, err := GenerateCommitment(rounds)
		if err != nil {
			return nil, err
		}
		built[i] = Hop{Hop: h, Commitment: commitment}
	}

	cmd := serializeExtendPaidCircuit(built)

	c := &Circuit{
		Hops:      built,
		state:     StateLaunched,
		IsPrimary: isPrimary,
		IsBackup:  !isPrimary,
		StartedAt: time.Now(),
	}

	c.setState(StateBuilding)
	reply, err := client.Do(cmd)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("%w: EXTENDPAIDCIRCUIT: %v", errs.CircuitBuildFailed, err)
	}

	id, err := parseExtendedCircuitID(reply)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	c.ID = id
	c.setState(StateExtended)

	if err := waitBuilt(ctx, client, c); err != nil {
		return nil, err
	}
	return c, nil
}

// serializeExtendPaidCircuit builds the multi-line +EXTENDPAIDCIRCUIT body:
// one line per hop, "<fingerprint> <payhash><preimage><h1>...<hR>", all
// concatenated hex with no separators, terminated by a lone "." line.
func serializeExtendPaidCircuit(hops []Hop) string {
	var b strings.Builder
	b.WriteString("+EXTENDPAIDCIRCUIT 0\n")
	for _, h := range hops {
		b.WriteString(h.Relay.Fingerprint)
		b.WriteByte(' ')
		b.WriteString(h.Commitment.HandshakePayhash)
		b.WriteString(h.Commitment.HandshakePreimage)
		for _, payhash := range h.Commitment.RoundPayhashes {
			b.WriteString(payhash)
		}
		b.WriteByte('\n')
	}
	b.WriteString(".")
	return b.String()
}

// parseExtendedCircuitID extracts the circuit id trailing the EXTENDED
// token in an EXTENDPAIDCIRCUIT success reply.
func parseExtendedCircuitID(reply string) (string, error) {
	idx := strings.Index(reply, "EXTENDED")
	if idx < 0 {
		return "", fmt.Errorf("%w: EXTENDPAIDCIRCUIT reply missing EXTENDED token: %q", errs.Protocol, reply)
	}
	rest := reply[idx+len("EXTENDED"):]
	id := strings.TrimSpace(strings.SplitN(rest, "\n", 2)[0])
	id = strings.TrimPrefix(id, "=")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: EXTENDPAIDCIRCUIT reply carried an empty circuit id", errs.Protocol)
	}
	return id, nil
}

// waitBuilt polls GETINFO circuit-status every DefaultPollInterval until c's
// circuit id reports BUILT, FAILED, CLOSED, or the timeout elapses.
func waitBuilt(ctx context.Context, client *control.Client, c *Circuit) error {
	deadline := time.Now().Add(DefaultBuildTimeout)
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateFailed)
			return ctx.Err()
		case <-ticker.C:
		}

		reply, err := client.Do("GETINFO circuit-status")
		if err == nil {
			switch classifyCircuitStatus(reply, c.ID) {
			case StateBuilt:
				c.setState(StateBuilt)
				return nil
			case StateFailed, StateClosed:
				c.setState(StateFailed)
				return fmt.Errorf("%w: circuit %s reported FAILED/CLOSED", errs.CircuitBuildFailed, c.ID)
			}
		}

		if time.Now().After(deadline) {
			c.setState(StateFailed)
			return fmt.Errorf("%w: circuit %s did not reach BUILT within %s", errs.CircuitBuildFailed, c.ID, DefaultBuildTimeout)
		}
	}
}

// classifyCircuitStatus scans a GETINFO circuit-status reply for the line
// "<id> <state> <path> PURPOSE=...", returning the matching state or "" if
// the circuit id is absent (still pending).
func classifyCircuitStatus(reply, id string) State {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != id {
			continue
		}
		switch fields[1] {
		case "BUILT":
			return StateBuilt
		case "FAILED":
			return StateFailed
		case "CLOSED":
			return StateClosed
		default:
			return StateBuilding
		}
	}
	return ""
}

// Teardown issues TEARDOWNCIRCUIT for c and marks it CLOSED on success; a
// "250 OK" reply is the daemon's sole confirmation. client.Do already
// rejects any non-"250" status, so a nil error here is the confirmation.
func Teardown(client *control.Client, c *Circuit) error {
	if _, err := client.Do(fmt.Sprintf("TEARDOWNCIRCUIT %s", c.ID)); err != nil {
		return fmt.Errorf("%w: TEARDOWNCIRCUIT: %v", errs.CircuitBuildFailed, err)
	}
	c.setState(StateClosed)
	return nil
}
