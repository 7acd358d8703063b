// Package stream implements the stream attachment monitor: once both the
// primary and backup circuits are BUILT, it disables the daemon's automatic
// stream attachment and round-robins new application streams between the
// two circuits.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/el-tor/eltord-go/control"
	"github.com/sirupsen/logrus"
)

// Monitor attaches each new STREAM NEW event alternately to PrimaryID and
// BackupID, using counter mod 2.
type Monitor struct {
	Client    *control.Client
	PrimaryID string
	BackupID  string
	Logger    *logrus.Logger

	counter atomic.Uint64
}

func (m *Monitor) logger() *logrus.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return logrus.StandardLogger()
}

// Start disables daemon auto-attachment and blocks, attaching streams until
// ctx is cancelled. Callers run this only after the first successful
// reachability probe of the session, so the daemon always has at least one
// usable circuit when auto-attachment stops.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := m.Client.Do("SETCONF __LeaveStreamsUnattached=1"); err != nil {
		return fmt.Errorf("stream: disable auto-attach: %w", err)
	}

	return m.Client.Events(ctx, "STREAM", m.handleEvent)
}

func (m *Monitor) handleEvent(text string) {
	for _, id := range parseStreamNewIDs(text) {
		target := m.BackupID
		if m.counter.Add(1)%2 == 1 {
			target = m.PrimaryID
		}
		if target == "" {
			continue
		}
		if _, err := m.Client.Do(fmt.Sprintf("ATTACHSTREAM %s %s", id, target)); err != nil {
			// Failure to attach a single stream is logged and ignored; the
			// daemon will time out the stream.
			m.logger().WithError(err).WithField("stream_id", id).Warn("stream: ATTACHSTREAM failed")
		}
	}
}

// parseStreamNewIDs scans an event payload for "STREAM <id> NEW ..." lines.
func parseStreamNewIDs(text string) []string {
	var ids []string
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "STREAM" || fields[2] != "NEW" {
			continue
		}
		ids = append(ids, fields[1])
	}
	return ids
}
