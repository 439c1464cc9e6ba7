// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cascdr-labs/whispr/internal/media"
	"github.com/cascdr-labs/whispr/internal/payment"
	"github.com/cascdr-labs/whispr/internal/scheduler"
	"github.com/cascdr-labs/whispr/internal/store"
	"github.com/cascdr-labs/whispr/pkg/schema"
)

// PaymentGate issues and verifies invoices.
type PaymentGate interface {
	IssueInvoice(ctx context.Context, service string, durationSeconds float64, data *store.RequestData) (*payment.Invoice, error)
	IssueSimulated(ctx context.Context, service string, data *store.RequestData) (*payment.Invoice, error)
	CheckPaid(ctx context.Context, paymentHash string, skipVerify bool) (bool, *payment.Invoice, error)
}

// Queue is the scheduler surface the handlers need.
type Queue interface {
	Enqueue(paymentHash, service string) scheduler.Info
	Remove(paymentHash string)
	EntryInfo(paymentHash string) (scheduler.Info, bool)
	QueueDepth() int
	ProcessingCount() int
}

// JobFinder looks up durable job records.
type JobFinder interface {
	FindByPaymentHash(ctx context.Context, hash string) (*store.JobRecord, error)
}

// Media covers the local file handling the upload path needs.
type Media interface {
	SaveUpload(r io.Reader, originalName string) (string, error)
	ExtractAudio(ctx context.Context, inputPath string) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// Handler serves the polling API: submit, poll for result, check payment.
type Handler struct {
	gate         PaymentGate
	queue        Queue
	jobs         JobFinder
	media        Media
	remoteSchema *jsonschema.Schema
	log          *slog.Logger
}

func NewHandler(gate PaymentGate, queue Queue, jobs JobFinder, m Media, log *slog.Logger) (*Handler, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("whspr-remote.json", strings.NewReader(schema.WhsprRemoteRequestSchema)); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	remote, err := compiler.Compile("whspr-remote.json")
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return &Handler{
		gate:         gate,
		queue:        queue,
		jobs:         jobs,
		media:        m,
		remoteSchema: remote,
		log:          log,
	}, nil
}

// Router wires the HTTP routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))

	r.Get("/queue/status", h.queueStatus)
	r.Post("/{service}", h.createJob)
	r.Get("/{service}/{paymentHash}/get_result", h.getResult)
	r.Get("/{service}/{paymentHash}/check_payment", h.checkPayment)
	return r
}

type jobRequest struct {
	data        *store.RequestData
	duration    float64
	authAllowed bool
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	ctx := r.Context()

	var req *jobRequest
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = h.parseUpload(ctx, r)
	} else {
		req, err = h.parseRemote(ctx, r)
	}
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	if req.authAllowed {
		inv, err := h.gate.IssueSimulated(ctx, service, req.data)
		if err != nil {
			h.writePaymentError(w, err)
			return
		}
		h.queue.Enqueue(inv.PaymentHash, service)
		writeJSON(w, http.StatusOK, inv)
		return
	}

	inv, err := h.gate.IssueInvoice(ctx, service, req.duration, req.data)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusPaymentRequired, inv)
}

func (h *Handler) parseUpload(ctx context.Context, r *http.Request) (*jobRequest, error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return nil, &badRequestError{msg: "missing audio file"}
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !media.Supported(header.Filename, contentType) {
		return nil, &badRequestError{msg: "unsupported media format, only mp3 and mp4 are accepted"}
	}

	path, err := h.media.SaveUpload(file, header.Filename)
	if err != nil {
		var tooLarge *media.TooLargeError
		if errors.As(err, &tooLarge) {
			return nil, &badRequestError{msg: tooLarge.Error()}
		}
		return nil, err
	}

	if media.IsMP4(header.Filename, contentType) {
		path, err = h.media.ExtractAudio(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	duration, err := h.media.Duration(ctx, path)
	if err != nil {
		return nil, err
	}

	return &jobRequest{
		data:        &store.RequestData{FilePath: path, GUID: r.FormValue("guid")},
		duration:    duration,
		authAllowed: r.FormValue("authAllowed") == "true",
	}, nil
}

func (h *Handler) parseRemote(ctx context.Context, r *http.Request) (*jobRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, &badRequestError{msg: "cannot read request body"}
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &badRequestError{msg: "request body is not valid JSON"}
	}
	if err := h.remoteSchema.Validate(payload); err != nil {
		return nil, &badRequestError{msg: fmt.Sprintf("invalid request: %v", err)}
	}

	var req struct {
		RemoteURL   string `json:"remote_url"`
		GUID        string `json:"guid"`
		AuthAllowed bool   `json:"authAllowed"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &badRequestError{msg: "request body is not valid JSON"}
	}
	if !media.Supported(req.RemoteURL, "") {
		return nil, &badRequestError{msg: "unsupported media format, only mp3 and mp4 are accepted"}
	}

	// ffprobe reads HTTP inputs directly. A probe failure only costs
	// accuracy of the variable fee, so the job proceeds with the flat fee.
	duration, err := h.media.Duration(ctx, req.RemoteURL)
	if err != nil {
		h.log.Warn("cannot probe remote duration, pricing flat fee only", "url", req.RemoteURL, "err", err)
		duration = 0
	}

	return &jobRequest{
		data:        &store.RequestData{RemoteURL: req.RemoteURL, GUID: req.GUID},
		duration:    duration,
		authAllowed: req.AuthAllowed,
	}, nil
}

func (h *Handler) getResult(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	paymentHash := chi.URLParam(r, "paymentHash")
	skipVerify := r.URL.Query().Get("authCategory") == "1"
	ctx := r.Context()

	rec, err := h.jobs.FindByPaymentHash(ctx, paymentHash)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job found for payment hash"})
		return
	}
	if err != nil {
		h.writeInternalError(w, err)
		return
	}

	paid, inv, err := h.gate.CheckPaid(ctx, paymentHash, skipVerify)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	if !paid {
		writeJSON(w, http.StatusPaymentRequired, inv)
		return
	}

	switch rec.State {
	case store.StateDone, store.StateError:
		h.queue.Remove(paymentHash)
		writeJSON(w, http.StatusOK, mergeResult(rec.RequestResponse, paymentHash, inv))
	default:
		info := h.queue.Enqueue(paymentHash, service)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"state":       "WORKING",
			"paymentHash": paymentHash,
			"queueInfo": map[string]any{
				"status":        info.Status,
				"queuePosition": info.QueuePosition,
				"attempts":      info.Attempts,
			},
		})
	}
}

func (h *Handler) checkPayment(w http.ResponseWriter, r *http.Request) {
	paymentHash := chi.URLParam(r, "paymentHash")

	paid, inv, err := h.gate.CheckPaid(r.Context(), paymentHash, false)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job found for payment hash"})
		return
	}
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"isPaid": paid, "invoice": inv})
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"queueSize":       h.queue.QueueDepth(),
		"processingCount": h.queue.ProcessingCount(),
	})
}

// mergeResult folds the stored payload into the response envelope. Non-object
// payloads go under a data key rather than being dropped.
func mergeResult(raw json.RawMessage, paymentHash string, inv *payment.Invoice) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			out = map[string]any{"data": json.RawMessage(raw)}
		}
	}
	out["paymentHash"] = paymentHash
	if inv != nil && inv.SuccessAction != nil {
		out["successAction"] = inv.SuccessAction
	}
	return out
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func (h *Handler) writeRequestError(w http.ResponseWriter, err error) {
	var bad *badRequestError
	if errors.As(err, &bad) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": bad.msg})
		return
	}
	h.writeInternalError(w, err)
}

func (h *Handler) writePaymentError(w http.ResponseWriter, err error) {
	var rangeErr *payment.PriceRangeError
	if errors.As(err, &rangeErr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": rangeErr.Error()})
		return
	}
	var upstream *payment.UpstreamError
	if errors.As(err, &upstream) {
		h.log.Error("upstream payment failure", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment provider unavailable"})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job found for payment hash"})
		return
	}
	h.writeInternalError(w, err)
}

func (h *Handler) writeInternalError(w http.ResponseWriter, err error) {
	h.log.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
