package circuit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Commitment is one hop's payment-proof material, generated locally before
// the circuit is extended.
type Commitment struct {
	HandshakePayhash  string // hex, set on round 1 of every hop regardless of handshake_fee
	HandshakePreimage string
	RoundPayhashes    []string // R hashes, one per round
	RoundPreimages    []string // kept locally; never sent in EXTENDPAIDCIRCUIT or to the backend
}

// GenerateCommitment produces a fresh dummy handshake pair plus rounds
// random payment-id hashes. The handshake pair is generated
// unconditionally, even for relays with no handshake_fee, as privacy
// padding — a relay watching for the pair's presence can't distinguish a
// fee-charging hop from one that charges nothing.
func GenerateCommitment(rounds int) (*Commitment, error) {
	if rounds <= 0 {
		return nil, fmt.Errorf("circuit: rounds must be positive, got %d", rounds)
	}

	hPreimage, hPayhash, err := newPayhashPair()
	if err != nil {
		return nil, fmt.Errorf("circuit: generate handshake commitment: %w", err)
	}

	c := &Commitment{
		HandshakePayhash:  hPayhash,
		HandshakePreimage: hPreimage,
		RoundPayhashes:    make([]string, rounds),
		RoundPreimages:    make([]string, rounds),
	}
	for i := 0; i < rounds; i++ {
		preimage, payhash, err := newPayhashPair()
		if err != nil {
			return nil, fmt.Errorf("circuit: generate round %d commitment: %w", i+1, err)
		}
		c.RoundPreimages[i] = preimage
		c.RoundPayhashes[i] = payhash
	}
	return c, nil
}

func newPayhashPair() (preimageHex, payhashHex string, err error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(preimage[:])
	return hex.EncodeToString(preimage[:]), hex.EncodeToString(sum[:]), nil
}
