// Package control implements the control-channel client for the onion
// daemon's line-oriented control protocol: authenticate, issue commands,
// parse multi-line replies, and multiplex asynchronous events. It is the
// sole synchronization point between el-tord and the daemon — every other
// component either opens a short-lived request/reply connection through a
// Client, or a single long-lived event connection via Events.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/el-tor/eltord-go/errs"
	"github.com/sirupsen/logrus"
)

// Client dials a fresh TCP connection per request/reply command, matching
// the daemon's own assumption that request/reply and event connections are
// independent.
type Client struct {
	Addr     string // host:port of the daemon's control port
	Password string // empty means AUTHENTICATE with no argument
	Timeout  time.Duration
	Logger   *logrus.Logger
}

// DefaultTimeout bounds an individual request/reply round trip.
const DefaultTimeout = 10 * time.Second

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Client) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// Do opens a connection, authenticates, issues cmd, and returns the
// concatenated reply text for cmd. cmd lines are separated by "\n"; the
// caller does not need to add a trailing terminator beyond what the
// protocol line itself requires (e.g. the closing "." of a data block).
func (c *Client) Do(cmd string) (string, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.timeout())
	if err != nil {
		return "", fmt.Errorf("%w: dial control port: %v", errs.Transport, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout()))

	r := bufio.NewReader(conn)

	if err := c.authenticate(conn, r); err != nil {
		return "", err
	}

	if err := writeCommand(conn, cmd); err != nil {
		return "", fmt.Errorf("%w: write command: %v", errs.Transport, err)
	}
	text, code, err := readReply(r)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(code, "250") {
		return "", fmt.Errorf("%w: command failed with status %s: %s", errs.Protocol, code, strings.TrimSpace(text))
	}

	_ = writeCommand(conn, "QUIT")
	// Drain until EOF; the daemon closes the connection after QUIT's reply.
	for {
		if _, _, err := readReply(r); err != nil {
			break
		}
	}

	return text, nil
}

func (c *Client) authenticate(conn net.Conn, r *bufio.Reader) error {
	var authCmd string
	if c.Password != "" {
		authCmd = fmt.Sprintf("AUTHENTICATE %q", c.Password)
	} else {
		authCmd = "AUTHENTICATE"
	}
	if err := writeCommand(conn, authCmd); err != nil {
		return fmt.Errorf("%w: write AUTHENTICATE: %v", errs.Transport, err)
	}
	_, code, err := readReply(r)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(code, "250") {
		return fmt.Errorf("%w: AUTHENTICATE returned %s", errs.AuthFailed, code)
	}
	return nil
}

// writeCommand writes cmd's lines CRLF-terminated, exactly as the wire
// protocol requires.
func writeCommand(conn net.Conn, cmd string) error {
	lines := strings.Split(cmd, "\n")
	var b strings.Builder
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if l == "" {
			continue
		}
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	_, err := conn.Write([]byte(b.String()))
	return err
}

// EventHandler is invoked once per asynchronous ("650"-prefixed) reply
// received while subscribed via Events.
type EventHandler func(text string)

// Events opens a dedicated connection, authenticates, subscribes to
// eventName via SETEVENTS, and invokes handler for each async event until
// ctx is cancelled or the connection fails. It is the long-lived event
// connection used for stream attachment and payment-audit watching.
func (c *Client) Events(ctx context.Context, eventName string, handler EventHandler) error {
	conn, err := net.Dial("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("%w: dial control port: %v", errs.Transport, err)
	}
	defer func() { _ = conn.Close() }()

	r := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(c.timeout()))
	if err := c.authenticate(conn, r); err != nil {
		return err
	}

	if err := writeCommand(conn, "SETEVENTS "+eventName); err != nil {
		return fmt.Errorf("%w: write SETEVENTS: %v", errs.Transport, err)
	}
	_, code, err := readReply(r)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(code, "250") {
		return fmt.Errorf("%w: SETEVENTS returned %s", errs.Protocol, code)
	}

	// No per-read deadline from here on: this connection blocks
	// indefinitely waiting for events. Cancellation closes the socket.
	_ = conn.SetDeadline(time.Time{})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		text, code, err := readReply(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: event stream ended: %v", errs.Transport, err)
		}
		if strings.HasPrefix(code, "650") {
			handler(text)
		} else {
			c.logger().WithField("code", code).Debug("control: unexpected reply on event connection")
		}
	}
}
