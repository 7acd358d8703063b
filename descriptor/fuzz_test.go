package descriptor

import (
	"testing"
)

func FuzzParseDescriptorDump(f *testing.F) {
	// Seed: minimal valid relay descriptor
	f.Add("router TestRelay 1.2.3.4 9001 0 0\n" +
		"fingerprint ABCD1234ABCD1234ABCD1234ABCD1234ABCD1234\n" +
		"bandwidth 1000 2000 1500\n" +
		"PaymentRateMsats 500\n")

	// Seed: empty
	f.Add("")

	// Seed: missing required fields
	f.Add("router OnlyRouter 5.6.7.8 443 0 0\n")

	// Seed: malformed lines
	f.Add("router\nfingerprint ZZZZ\nbandwidth !!!\n")

	f.Fuzz(func(t *testing.T, text string) {
		// Must not panic on any input.
		_, _ = ParseDescriptorDump(text)
	})
}
