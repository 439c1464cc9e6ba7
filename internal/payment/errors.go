// internal/payment/errors.go
package payment

import "fmt"

// PriceRangeError reports a computed amount outside the LNURL provider's
// sendable bounds. It is surfaced to the caller and never retried.
type PriceRangeError struct {
	Msats int64
	Min   int64
	Max   int64
}

func (e *PriceRangeError) Error() string {
	return fmt.Sprintf("%d msats not in sendable range of %d - %d", e.Msats, e.Min, e.Max)
}

// UpstreamError wraps a transport or protocol failure talking to the
// invoice-issuance or verification endpoint.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }
