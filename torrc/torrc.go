// Package torrc parses the onion daemon's config file to discover the
// control port address before the control.Client can dial anything: find
// ControlPort, default the host to loopback.
package torrc

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Entry is one non-comment, non-blank torrc line split on the first space.
type Entry struct {
	Key   string
	Value string
}

// Parse reads path and returns one Entry per non-comment, non-blank line.
func Parse(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open torrc: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			entries = append(entries, Entry{Key: line[:idx], Value: strings.TrimSpace(line[idx+1:])})
		} else {
			entries = append(entries, Entry{Key: line})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read torrc: %w", err)
	}
	return entries, nil
}

// ControlAddr returns the host:port the control.Client should dial: the
// ControlPort entry's value, on loopback. Defaults to 127.0.0.1:9999 if no
// ControlPort entry is present, matching the daemon's own default.
func ControlAddr(entries []Entry) string {
	port := "9999"
	for _, e := range entries {
		if e.Key == "ControlPort" && e.Value != "" {
			port = e.Value
		}
	}
	return fmt.Sprintf("127.0.0.1:%s", port)
}

// Lookup returns the value of the last entry with the given key, if any.
func Lookup(entries []Entry, key string) (string, bool) {
	value, found := "", false
	for _, e := range entries {
		if e.Key == key {
			value, found = e.Value, true
		}
	}
	return value, found
}

// ParseKV splits a space-separated "key=value key=value" entry value into
// its pairs, e.g. a PaymentLightningNodeConfig line's
// "type=phoenixd url=http://... default=true".
func ParseKV(value string) map[string]string {
	if !strings.Contains(value, "=") {
		return nil
	}
	kv := make(map[string]string)
	for _, field := range strings.Fields(value) {
		if idx := strings.IndexByte(field, '='); idx >= 0 {
			kv[field[:idx]] = field[idx+1:]
		} else {
			kv[field] = ""
		}
	}
	return kv
}

// DefaultPaymentBackend returns the "type" field of the PaymentLightningNodeConfig
// entry marked default=true, if any; the node type selects which registered
// paymentbackend.Backend to use.
func DefaultPaymentBackend(entries []Entry) (string, bool) {
	for _, e := range entries {
		if e.Key != "PaymentLightningNodeConfig" {
			continue
		}
		kv := ParseKV(e.Value)
		if kv["default"] == "true" {
			return kv["type"], kv["type"] != ""
		}
	}
	return "", false
}
