package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon authenticates every connection with the given AUTHENTICATE
// reply, reads exactly one command line, hands it to handle, writes the
// reply, then drains QUIT.
func fakeDaemon(t *testing.T, authReply string, handle func(cmd string) string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)

				if _, err := r.ReadString('\n'); err != nil {
					return
				}
				if _, err := conn.Write([]byte(authReply)); err != nil {
					return
				}
				if !strings.HasPrefix(authReply, "250") {
					return
				}

				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				line = strings.TrimRight(line, "\r\n")
				if _, err := conn.Write([]byte(handle(line))); err != nil {
					return
				}

				if _, err := r.ReadString('\n'); err != nil {
					return
				}
				_, _ = conn.Write([]byte("250 closing connection\r\n"))
			}(conn)
		}
	}()

	return ln
}

func TestClientDoReturnsReplyText(t *testing.T) {
	ln := fakeDaemon(t, "250 OK\r\n", func(cmd string) string {
		assert.Equal(t, "GETINFO version", cmd)
		return "250-version=0.4.8.0\r\n250 OK\r\n"
	})
	defer ln.Close()

	c := &Client{Addr: ln.Addr().String(), Timeout: time.Second}
	text, err := c.Do("GETINFO version")
	require.NoError(t, err)
	assert.Equal(t, "version=0.4.8.0\nOK\n", text)
}

func TestClientDoFailsOnAuthReject(t *testing.T) {
	ln := fakeDaemon(t, "515 Bad authentication\r\n", func(cmd string) string {
		t.Fatal("command should not be sent after failed auth")
		return ""
	})
	defer ln.Close()

	c := &Client{Addr: ln.Addr().String(), Password: "wrong", Timeout: time.Second}
	_, err := c.Do("GETINFO version")
	assert.Error(t, err)
}

func TestClientDoFailsOnCommandError(t *testing.T) {
	ln := fakeDaemon(t, "250 OK\r\n", func(cmd string) string {
		return "552 Unrecognized command\r\n"
	})
	defer ln.Close()

	c := &Client{Addr: ln.Addr().String(), Timeout: time.Second}
	_, err := c.Do("BOGUS")
	assert.Error(t, err)
}

func TestClientDoSendsQuotedPassword(t *testing.T) {
	ln := fakeDaemonCapturingAuth(t)
	defer ln.Close()

	c := &Client{Addr: ln.Addr().String(), Password: "hunter2", Timeout: time.Second}
	_, err := c.Do("GETINFO version")
	require.NoError(t, err)
}

func fakeDaemonCapturingAuth(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		authLine, err := r.ReadString('\n')
		if err != nil {
			return
		}
		assert.Equal(t, "AUTHENTICATE \"hunter2\"\r\n", authLine)
		_, _ = conn.Write([]byte("250 OK\r\n"))

		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte("250 OK\r\n"))

		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte("250 closing connection\r\n"))
	}()

	return ln
}

func TestClientEventsDeliversAsyncEvents(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte("250 OK\r\n"))

		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte("250 OK\r\n"))

		_, _ = conn.Write([]byte("650 STREAM 1 NEW 0 example.com:80\r\n"))

		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &Client{Addr: ln.Addr().String(), Timeout: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var received string
	done := make(chan struct{})
	go func() {
		_ = c.Events(ctx, "STREAM", func(text string) {
			if received == "" {
				received = text
				close(done)
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.Contains(t, received, "STREAM 1 NEW 0 example.com:80")
}

func TestClientEventsStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte("250 OK\r\n"))
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte("250 OK\r\n"))

		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &Client{Addr: ln.Addr().String(), Timeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Events(ctx, "STREAM", func(text string) {})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Events did not return after context cancellation")
	}
}
