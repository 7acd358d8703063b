// Package paymentbackend defines the capability the payment-round scheduler
// and the payment-audit watcher consume, without pulling any Lightning-style
// wallet implementation into this module.
package paymentbackend

import "context"

// InvoiceStatus is the outcome backend.WatchInvoice reports for one
// in-flight payment hash.
type InvoiceStatus int

const (
	// StatusPending means the invoice has not settled or failed yet.
	StatusPending InvoiceStatus = iota
	// StatusSuccess means the invoice settled.
	StatusSuccess
	// StatusFailure means the invoice will never settle.
	StatusFailure
)

// PayResult is returned by PayOffer on success.
type PayResult struct {
	PaymentHash string
	Preimage    string
	FeeMsat     int64
}

// InvoiceEvent is a single observation reported by WatchInvoice.
type InvoiceEvent struct {
	Status      InvoiceStatus
	PaymentHash string
	Preimage    string
	FeeMsat     int64
}

// Backend is the out-of-band Lightning-style payment rail. Implementations
// live outside this module; el-tord only calls through this interface.
type Backend interface {
	// PayOffer pays a BOLT12-style offer (or BOLT11 invoice string) for
	// amountMsat, tagging the payment with paymentID when the backend
	// supports correlation. Returns BackendError-wrapped errors on failure.
	PayOffer(ctx context.Context, offer string, amountMsat int64, paymentID *string) (*PayResult, error)

	// LookupInvoice resolves an invoice/offer string to a payment hash
	// ahead of settlement. Nothing in this module calls it; the relay-side
	// audit watcher watches the payment hashes it receives directly.
	LookupInvoice(ctx context.Context, offerOrInvoice string) (paymentHash string, err error)

	// WatchInvoice blocks (subject to ctx) until the invoice identified by
	// paymentHash settles, fails, or ctx is cancelled, delivering at most
	// one terminal InvoiceEvent on the returned channel.
	WatchInvoice(ctx context.Context, paymentHash string) (<-chan InvoiceEvent, error)
}
