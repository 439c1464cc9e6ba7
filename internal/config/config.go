// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config collects every runtime knob the server reads from the environment.
type Config struct {
	ListenAddr string
	Endpoint   string // public base URL, used in invoice success actions
	TempDir    string
	DBPath     string

	LNAddress      string // user@domain Lightning address
	DeepgramAPIKey string

	FixedUSD    float64 // flat fee per job
	VariableUSD float64 // fee per minute of audio
	CostUnits   string

	MaxConcurrentJobs int
	MaxRetries        int
	DispatchInterval  time.Duration
	AttemptTimeout    time.Duration

	MaxUploadBytes int64

	NATSURL          string
	EventSubject     string
	OfferingSubject  string
	AnnounceInterval time.Duration

	Blob BlobConfig
}

// BlobConfig points at the S3-compatible bucket holding cached transcripts.
// DigitalOcean Spaces is the usual target, hence path-style defaults.
type BlobConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      ":" + getenv("PORT", "5004"),
		Endpoint:        getenv("ENDPOINT", "http://localhost:5004"),
		TempDir:         getenv("TEMP_DIR", "./data/temp"),
		DBPath:          getenv("DB_PATH", "./data/whispr.db"),
		LNAddress:       getenv("LN_ADDRESS", ""),
		DeepgramAPIKey:  getenv("DEEPGRAM_API_KEY", ""),
		CostUnits:       getenv("WHSPR_COST_UNITS", "min"),
		NATSURL:         getenv("NATS_URL", ""),
		EventSubject:    getenv("JOB_EVENT_SUBJECT", "whispr.jobs.lifecycle"),
		OfferingSubject: getenv("OFFERING_SUBJECT", "whispr.offerings"),
		Blob: BlobConfig{
			Endpoint:  getenv("SPACES_ENDPOINT", "https://nyc3.digitaloceanspaces.com"),
			Region:    getenv("SPACES_REGION", "us-east-1"),
			Bucket:    getenv("SPACES_BUCKET", ""),
			AccessKey: getenv("DO_ACCESS_KEY", ""),
			SecretKey: getenv("DO_SECRET_KEY", ""),
			PathStyle: getenvBool("SPACES_PATH_STYLE", true),
		},
	}

	fixed, err := parseNonNegativeFloat(getenv("WHSPR_FIXED_USD", "0.10"), "WHSPR_FIXED_USD")
	if err != nil {
		return Config{}, err
	}
	cfg.FixedUSD = fixed

	variable, err := parseNonNegativeFloat(getenv("WHSPR_VARIABLE_USD", "0.01"), "WHSPR_VARIABLE_USD")
	if err != nil {
		return Config{}, err
	}
	cfg.VariableUSD = variable

	maxJobs, err := parsePositiveInt(getenv("MAX_CONCURRENT_JOBS", "2"), "MAX_CONCURRENT_JOBS")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentJobs = maxJobs

	maxRetries, err := parsePositiveInt(getenv("MAX_RETRIES", "3"), "MAX_RETRIES")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRetries = maxRetries

	dispatch, err := parseDuration(getenv("DISPATCH_INTERVAL", "5s"), "DISPATCH_INTERVAL")
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchInterval = dispatch

	attempt, err := parseDuration(getenv("ATTEMPT_TIMEOUT", "10m"), "ATTEMPT_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	cfg.AttemptTimeout = attempt

	announce, err := parseDuration(getenv("ANNOUNCE_INTERVAL", "5m"), "ANNOUNCE_INTERVAL")
	if err != nil {
		return Config{}, err
	}
	cfg.AnnounceInterval = announce

	uploadMB, err := parsePositiveInt(getenv("MAX_UPLOAD_MB", "25"), "MAX_UPLOAD_MB")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(uploadMB) << 20

	return cfg, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseNonNegativeFloat(value string, name string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative (got %v)", name, v)
	}
	return v, nil
}

func parseDuration(value string, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}
