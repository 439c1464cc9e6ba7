// pkg/schema/events.go
package schema

// JobStage identifies where a transcription job is in its lifecycle.
type JobStage string

const (
	StageQueued     JobStage = "queued"
	StageProcessing JobStage = "processing"
	StageRetrying   JobStage = "retrying"
	StageCompleted  JobStage = "completed"
	StageFailed     JobStage = "failed"
)

// JobLifecycleEvent is published on every scheduler transition of a job.
type JobLifecycleEvent struct {
	PaymentHash   string   `json:"payment_hash"`
	Service       string   `json:"service"`
	Stage         JobStage `json:"stage"`
	Attempts      int      `json:"attempts,omitempty"`
	QueuePosition int      `json:"queue_position,omitempty"`
	FromCache     bool     `json:"from_cache,omitempty"`
	Error         string   `json:"error,omitempty"`
	HappenedAt    int64    `json:"happened_at"`
}

// Offering advertises the service terms. Published periodically so
// aggregators can discover price and endpoint without calling the API.
type Offering struct {
	Service       string `json:"service"`
	Endpoint      string `json:"endpoint"`
	FixedMsats    int64  `json:"fixed_msats"`
	VariableMsats int64  `json:"variable_msats"`
	CostUnits     string `json:"cost_units"`
	Status        string `json:"status"`
	RequestSchema string `json:"request_schema,omitempty"`
	ResultSchema  string `json:"result_schema,omitempty"`
	HappenedAt    int64  `json:"happened_at"`
}
