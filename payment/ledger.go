// Package payment implements the append-only payment ledger and the
// client-side payment-round scheduler.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/el-tor/eltord-go/errs"
	"github.com/google/uuid"
)

// ErrNotFound is returned by UpdatePayment when no row matches.
var ErrNotFound = errors.New("payment: row not found")

// NewCorrelationID returns a fresh row-correlation identifier.
func NewCorrelationID() string {
	return uuid.New().String()
}

// Row is one payment-ledger entry, keyed by (CircID, Round, RelayFingerprint)
// with PaymentID as the lookup identity.
type Row struct {
	// CorrelationID ties a row to the rest of a run's log lines. It is
	// never the payment identity itself (PaymentID is a SHA-256 hex digest
	// derived from a preimage) — purely an operator-facing handle for
	// grepping logs and ledger entries for the same seeding pass.
	CorrelationID string `json:"correlation_id,omitempty"`

	PaymentID        string `json:"payment_id"`
	CircID           string `json:"circ_id"`
	Round            int    `json:"round"`
	RelayFingerprint string `json:"relay_fingerprint"`

	IntervalSeconds int64 `json:"interval_seconds"`
	AmountMsat      int64 `json:"amount_msat"`

	UpdatedAt int64 `json:"updated_at"`
	ExpiresAt int64 `json:"expires_at"`

	HandshakeFeePayhash  string `json:"handshake_fee_payhash,omitempty"`
	HandshakeFeePreimage string `json:"handshake_fee_preimage,omitempty"`

	Bolt12Offer   string `json:"bolt12_offer,omitempty"`
	Bolt11Invoice string `json:"bolt11_invoice,omitempty"`

	Paid     bool `json:"paid"`
	HasError bool `json:"has_error"`

	PaymentHash string `json:"payment_hash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	FeeMsat     int64  `json:"fee_msat,omitempty"`
}

// Ledger is a single JSON-array-backed file, mutated in memory and
// persisted after every write.
type Ledger struct {
	mu   sync.Mutex
	path string
	rows []Row
}

// Open reads path into memory, recovering from a corrupt file by moving it
// aside to "<path>.backup_<unix>" and starting fresh with an empty ledger.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.rows = []Row{}
			if werr := l.persistLocked(); werr != nil {
				return nil, werr
			}
			return l, nil
		}
		return nil, fmt.Errorf("%w: read ledger %s: %v", errs.LedgerCorrupt, path, err)
	}

	if err := json.Unmarshal(data, &l.rows); err != nil {
		backupPath := fmt.Sprintf("%s.backup_%d", path, time.Now().Unix())
		if rerr := os.Rename(path, backupPath); rerr != nil {
			return nil, fmt.Errorf("%w: rename corrupt ledger: %v", errs.LedgerCorrupt, rerr)
		}
		l.rows = []Row{}
		if werr := l.persistLocked(); werr != nil {
			return nil, werr
		}
	}
	return l, nil
}

func (l *Ledger) persistLocked() error {
	data, err := json.MarshalIndent(l.rows, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal ledger: %v", errs.LedgerCorrupt, err)
	}
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write ledger %s: %v", errs.LedgerCorrupt, l.path, err)
	}
	return nil
}

// WritePayment appends row; duplicate payment ids across circuits are
// tolerated and not checked.
func (l *Ledger) WritePayment(row Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, row)
	return l.persistLocked()
}

// UpdatePayment replaces the first row with a matching PaymentID, or
// returns ErrNotFound.
func (l *Ledger) UpdatePayment(row Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.rows {
		if r.PaymentID == row.PaymentID {
			l.rows[i] = row
			return l.persistLocked()
		}
	}
	return ErrNotFound
}

// LookupByID returns the row with the given PaymentID, if any.
func (l *Ledger) LookupByID(id string) (Row, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.PaymentID == id {
			return r, true
		}
	}
	return Row{}, false
}

// LookupByCircuitRound returns every row for (circID, round).
func (l *Ledger) LookupByCircuitRound(circID string, round int) []Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Row
	for _, r := range l.rows {
		if r.CircID == circID && r.Round == round {
			out = append(out, r)
		}
	}
	return out
}
