// internal/payment/lnurl.go
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// Issuer obtains a Lightning invoice for a given amount. Implemented by
// LNURLIssuer in production and faked in tests.
type Issuer interface {
	Issue(ctx context.Context, msats int64, comment string) (*IssuedInvoice, error)
}

// IssuedInvoice is the provider's response plus the payment hash decoded
// from the bolt11 payment request.
type IssuedInvoice struct {
	PaymentRequest string
	VerifyURL      string
	PaymentHash    string
}

type payParams struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	CommentAllowed int    `json:"commentAllowed"`
}

type invoiceResponse struct {
	PR     string `json:"pr"`
	Verify string `json:"verify"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// LNURLIssuer requests invoices through LNURL-pay (LUD-06), attaching a
// LUD-12 comment when the receiving server allows one.
type LNURLIssuer struct {
	address string // user@domain Lightning address
	client  *http.Client
	log     *slog.Logger

	payURL string // test override for the .well-known URL
}

func NewLNURLIssuer(address string, log *slog.Logger) *LNURLIssuer {
	return &LNURLIssuer{
		address: address,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

func (l *LNURLIssuer) lnurlPayURL() (string, error) {
	if l.payURL != "" {
		return l.payURL, nil
	}
	parts := strings.Split(l.address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid lightning address: %q", l.address)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0]), nil
}

func (l *LNURLIssuer) Issue(ctx context.Context, msats int64, comment string) (*IssuedInvoice, error) {
	payURL, err := l.lnurlPayURL()
	if err != nil {
		return nil, &UpstreamError{Op: "resolve lnurl", Err: err}
	}

	var params payParams
	if err := l.getJSON(ctx, payURL, &params); err != nil {
		return nil, &UpstreamError{Op: "fetch lnurl params", Err: err}
	}

	if msats < params.MinSendable || msats > params.MaxSendable {
		return nil, &PriceRangeError{Msats: msats, Min: params.MinSendable, Max: params.MaxSendable}
	}

	expiry := time.Now().Add(time.Hour)
	callback, err := buildCallbackURL(params, msats, expiry, comment)
	if err != nil {
		return nil, &UpstreamError{Op: "build callback", Err: err}
	}

	var inv invoiceResponse
	if err := l.getJSON(ctx, callback, &inv); err != nil {
		return nil, &UpstreamError{Op: "request invoice", Err: err}
	}
	if inv.Status == "ERROR" || inv.PR == "" {
		return nil, &UpstreamError{Op: "request invoice", Err: fmt.Errorf("provider rejected: %s", inv.Reason)}
	}

	decoded, err := decodepay.Decodepay(inv.PR)
	if err != nil {
		return nil, &UpstreamError{Op: "decode invoice", Err: err}
	}

	l.log.Info("invoice issued", "payment_hash", decoded.PaymentHash, "msats", msats)
	return &IssuedInvoice{
		PaymentRequest: inv.PR,
		VerifyURL:      inv.Verify,
		PaymentHash:    decoded.PaymentHash,
	}, nil
}

func buildCallbackURL(params payParams, msats int64, expiry time.Time, comment string) (string, error) {
	u, err := url.Parse(params.Callback)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", msats))
	q.Set("expiry", fmt.Sprintf("%d", expiry.Unix()))
	if params.CommentAllowed > 0 && comment != "" {
		if len(comment) > params.CommentAllowed {
			comment = comment[:params.CommentAllowed]
		}
		q.Set("comment", comment)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (l *LNURLIssuer) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
