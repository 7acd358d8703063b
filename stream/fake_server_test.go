package stream

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeControlServer starts a minimal control-port stand-in: every
// connection is authenticated, then each line read is handed to handle,
// whose return value is written back verbatim. Used by both request/reply
// (control.Client.Do) and event-subscription (control.Client.Events) flows.
func fakeControlServer(t *testing.T, handle func(line string) string) net.Listener {
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
				if _, err := conn.Write([]byte("250 OK\r\n")); err != nil {
					return
				}
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					if _, err := conn.Write([]byte(handle(line))); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln
}

func fakeAttachServer(t *testing.T, attached map[string]string) net.Listener {
	var mu sync.Mutex
	return fakeControlServer(t, func(line string) string {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "ATTACHSTREAM" {
			mu.Lock()
			attached[fields[1]] = fields[2]
			mu.Unlock()
			return "250 OK\r\n"
		}
		return "250 closing connection\r\n"
	})
}

func fakeSetConfServer(t *testing.T, sawSetConf *bool) net.Listener {
	return fakeControlServer(t, func(line string) string {
		switch {
		case strings.HasPrefix(line, "SETCONF"):
			*sawSetConf = true
			return "250 OK\r\n"
		case strings.HasPrefix(line, "SETEVENTS"):
			return "250 OK\r\n"
		default:
			return "250 closing connection\r\n"
		}
	})
}
