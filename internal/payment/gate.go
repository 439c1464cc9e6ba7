// internal/payment/gate.go
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cascdr-labs/whispr/internal/pricing"
	"github.com/cascdr-labs/whispr/internal/store"
)

// Invoice is the payment request handed to the client. It round-trips
// through the JobRecord's invoice column unchanged.
type Invoice struct {
	PaymentRequest string         `json:"pr"`
	Verify         string         `json:"verify,omitempty"`
	PaymentHash    string         `json:"paymentHash"`
	SuccessAction  *SuccessAction `json:"successAction,omitempty"`
}

// SuccessAction tells wallets where to pick up the purchase.
type SuccessAction struct {
	Tag         string `json:"tag"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Gate issues invoices and verifies settlement. It owns the JobRecord's
// payment axis; lifecycle state after enqueue belongs to the scheduler.
type Gate struct {
	jobs     *store.Store
	issuer   Issuer
	quoter   *pricing.Quoter
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

func NewGate(jobs *store.Store, issuer Issuer, quoter *pricing.Quoter, endpoint string, log *slog.Logger) *Gate {
	return &Gate{
		jobs:     jobs,
		issuer:   issuer,
		quoter:   quoter,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log,
	}
}

func (g *Gate) successAction(service, paymentHash string) *SuccessAction {
	return &SuccessAction{
		Tag:         "url",
		URL:         fmt.Sprintf("%s/%s/%s/get_result", g.endpoint, service, paymentHash),
		Description: "Open to get the confirmation code for your purchase.",
	}
}

// IssueInvoice prices the job, obtains a Lightning invoice and creates the
// durable record in UNPAID / NOT_PAID.
func (g *Gate) IssueInvoice(ctx context.Context, service string, durationSeconds float64, data *store.RequestData) (*Invoice, error) {
	msats, err := g.quoter.Quote(ctx, durationSeconds)
	if err != nil {
		return nil, &UpstreamError{Op: "price job", Err: err}
	}

	comment := fmt.Sprintf("%s requested at %s via %s", service, time.Now().UTC().Format(time.RFC3339), g.endpoint)
	issued, err := g.issuer.Issue(ctx, msats, comment)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		PaymentRequest: issued.PaymentRequest,
		Verify:         issued.VerifyURL,
		PaymentHash:    issued.PaymentHash,
		SuccessAction:  g.successAction(service, issued.PaymentHash),
	}
	if err := g.createRecord(ctx, service, inv, msats, store.PaymentUnpaid, data); err != nil {
		return nil, err
	}
	return inv, nil
}

// IssueSimulated creates a pre-paid record with a random payment hash for
// requests that are authorized to bypass payment. The job still runs
// through the scheduler like any other.
func (g *Gate) IssueSimulated(ctx context.Context, service string, data *store.RequestData) (*Invoice, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate payment hash: %w", err)
	}
	hash := hex.EncodeToString(buf)

	inv := &Invoice{
		PaymentRequest: "fakePaymentRequest",
		Verify:         "fakeURL",
		PaymentHash:    hash,
		SuccessAction:  g.successAction(service, hash),
	}
	if err := g.createRecord(ctx, service, inv, 0, store.PaymentPaid, data); err != nil {
		return nil, err
	}
	g.log.Info("simulated invoice issued", "payment_hash", hash, "service", service)
	return inv, nil
}

func (g *Gate) createRecord(ctx context.Context, service string, inv *Invoice, msats int64, status store.PaymentStatus, data *store.RequestData) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invoice: %w", err)
	}
	rec := &store.JobRecord{
		PaymentHash:   inv.PaymentHash,
		Service:       service,
		Invoice:       raw,
		VerifyURL:     inv.Verify,
		Price:         msats,
		PaymentStatus: status,
		State:         store.StateNotPaid,
		RequestData:   data,
	}
	return g.jobs.CreateJob(ctx, rec)
}

// CheckPaid reports settlement for a payment hash. A stored PAID status or
// skipVerify short-circuits without touching the network; a settled verify
// response is persisted exactly once, and payment status never reverts.
func (g *Gate) CheckPaid(ctx context.Context, paymentHash string, skipVerify bool) (bool, *Invoice, error) {
	rec, err := g.jobs.FindByPaymentHash(ctx, paymentHash)
	if err != nil {
		return false, nil, err
	}

	var inv Invoice
	if len(rec.Invoice) > 0 {
		if err := json.Unmarshal(rec.Invoice, &inv); err != nil {
			return false, nil, fmt.Errorf("unmarshal stored invoice: %w", err)
		}
	}

	if rec.PaymentStatus == store.PaymentPaid || skipVerify {
		return true, &inv, nil
	}

	settled, err := g.verify(ctx, rec.VerifyURL)
	if err != nil {
		return false, &inv, &UpstreamError{Op: "verify payment", Err: err}
	}
	if !settled {
		return false, &inv, nil
	}

	// Targeted update: the record read above is stale by a verify round
	// trip, and the scheduler may have advanced the lifecycle state since.
	if err := g.jobs.UpdatePaymentStatus(ctx, paymentHash, store.PaymentPaid); err != nil {
		return false, &inv, err
	}
	g.log.Info("payment settled", "payment_hash", paymentHash)
	return true, &inv, nil
}

func (g *Gate) verify(ctx context.Context, verifyURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifyURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var v struct {
		Settled bool `json:"settled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return false, err
	}
	return v.Settled, nil
}
