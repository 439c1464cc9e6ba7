// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no row exists for the given key.
var ErrNotFound = errors.New("not found")

// PaymentStatus tracks invoice settlement. It never reverts from PAID.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

// State is the job's processing stage, independent of payment settlement.
// QUEUED marks a job put back for retry; the scheduler treats it like
// NOT_PAID work that is already admitted.
type State string

const (
	StateNotPaid State = "NOT_PAID"
	StateQueued  State = "QUEUED"
	StateWorking State = "WORKING"
	StateDone    State = "DONE"
	StateError   State = "ERROR"
)

// RequestData is the client-supplied payload attached at invoice time.
type RequestData struct {
	RemoteURL string `json:"remote_url,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	GUID      string `json:"guid,omitempty"`
}

// JobRecord is the durable record of one unit of work, keyed by the
// payment hash of its invoice.
type JobRecord struct {
	PaymentHash     string
	Service         string
	Invoice         json.RawMessage
	VerifyURL       string
	Price           int64 // msats
	PaymentStatus   PaymentStatus
	State           State
	RequestData     *RequestData
	RequestResponse json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WorkProduct caches a finished transcript under its content fingerprint.
// Rows are write-once; Result is an inline fallback for when the blob
// artifact has gone missing.
type WorkProduct struct {
	LookupHash string
	Type       string
	ArtifactID string
	Result     json.RawMessage
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS job_requests (
	payment_hash     TEXT PRIMARY KEY,
	service          TEXT NOT NULL,
	invoice          TEXT NOT NULL,
	verify_url       TEXT NOT NULL DEFAULT '',
	price            INTEGER NOT NULL DEFAULT 0,
	payment_status   TEXT NOT NULL,
	state            TEXT NOT NULL,
	request_data     TEXT,
	request_response TEXT,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_requests_state ON job_requests(state);
CREATE INDEX IF NOT EXISTS idx_job_requests_service ON job_requests(service);

CREATE TABLE IF NOT EXISTS work_products (
	lookup_hash TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	result      TEXT,
	created_at  TIMESTAMP NOT NULL
);
`

// Store wraps the sqlite database holding job records and cached work
// products. sqlite allows a single writer, so connections are capped at one.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateJob(ctx context.Context, rec *JobRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	data, err := marshalNullable(rec.RequestData)
	if err != nil {
		return fmt.Errorf("marshal request data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_requests
			(payment_hash, service, invoice, verify_url, price, payment_status, state, request_data, request_response, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PaymentHash, rec.Service, string(rec.Invoice), rec.VerifyURL, rec.Price,
		string(rec.PaymentStatus), string(rec.State), data, rawToNull(rec.RequestResponse),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job request: %w", err)
	}
	s.log.Info("job request created", "payment_hash", rec.PaymentHash, "service", rec.Service, "price_msats", rec.Price)
	return nil
}

func (s *Store) FindByPaymentHash(ctx context.Context, hash string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, service, invoice, verify_url, price, payment_status, state, request_data, request_response, created_at, updated_at
		FROM job_requests WHERE payment_hash = ?`, hash)
	return scanJob(row)
}

// SaveJob persists the mutable fields of an existing record. The payment
// hash is the immutable key; callers must not interleave two writers on the
// same hash.
func (s *Store) SaveJob(ctx context.Context, rec *JobRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := marshalNullable(rec.RequestData)
	if err != nil {
		return fmt.Errorf("marshal request data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_requests
		SET payment_status = ?, state = ?, request_data = ?, request_response = ?, updated_at = ?
		WHERE payment_hash = ?`,
		string(rec.PaymentStatus), string(rec.State), data, rawToNull(rec.RequestResponse),
		rec.UpdatedAt, rec.PaymentHash,
	)
	if err != nil {
		return fmt.Errorf("update job request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePaymentStatus flips only the payment axis of a record. The payment
// gate must use this instead of SaveJob: a full-row write would put back
// whatever lifecycle state the gate read before its verify round trip, and
// lifecycle state belongs to the scheduler once a job is admitted.
func (s *Store) UpdatePaymentStatus(ctx context.Context, hash string, status PaymentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_requests SET payment_status = ?, updated_at = ? WHERE payment_hash = ?`,
		string(status), time.Now().UTC(), hash,
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByState returns every record currently in one of the given states,
// oldest first. Used by the scheduler to rebuild its queue after a restart.
func (s *Store) ListByState(ctx context.Context, states ...State) ([]*JobRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_hash, service, invoice, verify_url, price, payment_status, state, request_data, request_response, created_at, updated_at
		FROM job_requests WHERE state IN (`+placeholders+`) ORDER BY updated_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list job requests: %w", err)
	}
	defer rows.Close()

	var recs []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) FindWorkProduct(ctx context.Context, lookupHash string) (*WorkProduct, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lookup_hash, type, artifact_id, result FROM work_products WHERE lookup_hash = ?`, lookupHash)

	var wp WorkProduct
	var result sql.NullString
	if err := row.Scan(&wp.LookupHash, &wp.Type, &wp.ArtifactID, &result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan work product: %w", err)
	}
	if result.Valid {
		wp.Result = json.RawMessage(result.String)
	}
	return &wp, nil
}

// CreateWorkProduct writes a cache row. Rows are write-once: a second write
// for the same lookup hash is silently ignored.
func (s *Store) CreateWorkProduct(ctx context.Context, wp *WorkProduct) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO work_products (lookup_hash, type, artifact_id, result, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		wp.LookupHash, wp.Type, wp.ArtifactID, rawToNull(wp.Result), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert work product: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var invoice string
	var paymentStatus, state string
	var data, response sql.NullString

	err := row.Scan(&rec.PaymentHash, &rec.Service, &invoice, &rec.VerifyURL, &rec.Price,
		&paymentStatus, &state, &data, &response, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job request: %w", err)
	}

	rec.Invoice = json.RawMessage(invoice)
	rec.PaymentStatus = PaymentStatus(paymentStatus)
	rec.State = State(state)
	if response.Valid {
		rec.RequestResponse = json.RawMessage(response.String)
	}
	if data.Valid && data.String != "" {
		var rd RequestData
		if err := json.Unmarshal([]byte(data.String), &rd); err != nil {
			return nil, fmt.Errorf("unmarshal request data: %w", err)
		}
		rec.RequestData = &rd
	}
	return &rec, nil
}

func marshalNullable(v *RequestData) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func rawToNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
