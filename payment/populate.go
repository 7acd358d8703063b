package payment

import (
	"fmt"

	"github.com/el-tor/eltord-go/circuit"
)

// SeedLedger creates one ledger row per (hop, round) immediately after a
// circuit reaches BUILT, so the round scheduler has something to look up
// by payment id.
func SeedLedger(ledger *Ledger, circ *circuit.Circuit, rounds int) error {
	if circ.ID == "" {
		return fmt.Errorf("payment: cannot seed ledger for a circuit with no id")
	}
	created := circ.StartedAt.Unix()
	correlationID := NewCorrelationID()

	for _, hop := range circ.Hops {
		if hop.Commitment == nil {
			return fmt.Errorf("payment: hop %s has no payment commitment", hop.Relay.Fingerprint)
		}
		for round := 1; round <= rounds; round++ {
			row := Row{
				CorrelationID:    correlationID,
				PaymentID:        hop.Commitment.RoundPayhashes[round-1],
				CircID:           circ.ID,
				Round:            round,
				RelayFingerprint: hop.Relay.Fingerprint,
				IntervalSeconds:  hop.Relay.IntervalSeconds,
				AmountMsat:       hop.Relay.RateMsats,
				UpdatedAt:        created,
				ExpiresAt:        created + int64(round)*hop.Relay.IntervalSeconds,
				Bolt12Offer:      hop.Relay.Bolt12Offer,
				Bolt11Invoice:    hop.Relay.Bolt11Lnurl,
			}
			if round == 1 {
				row.HandshakeFeePayhash = hop.Commitment.HandshakePayhash
				row.HandshakeFeePreimage = hop.Commitment.HandshakePreimage
			}
			if err := ledger.WritePayment(row); err != nil {
				return fmt.Errorf("payment: seed ledger: %w", err)
			}
		}
	}
	return nil
}
