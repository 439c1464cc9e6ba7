// internal/transcribe/deepgram.go
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

const defaultBaseURL = "https://api.deepgram.com"

// Deepgram calls the pre-recorded listen API with the nova-2 model.
type Deepgram struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

func NewDeepgram(apiKey string, log *slog.Logger) *Deepgram {
	return &Deepgram{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// Per-attempt deadlines come from the caller's context; long clips
		// legitimately take minutes, so no client-level timeout here.
		client: &http.Client{},
		log:    log,
	}
}

type listenResponse struct {
	Results json.RawMessage `json:"results"`
}

// TranscribeFile uploads local audio bytes for transcription.
func (d *Deepgram) TranscribeFile(ctx context.Context, path string) (json.RawMessage, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, &ProviderError{Op: "read audio file", Err: err}
	}
	if len(audio) == 0 {
		return nil, &ProviderError{Op: "read audio file", Err: fmt.Errorf("file is empty: %s", path)}
	}

	q := url.Values{}
	q.Set("model", "nova-2")
	q.Set("smart_format", "true")
	q.Set("detect_language", "true")

	return d.listen(ctx, q, bytes.NewReader(audio), "audio/mpeg")
}

// TranscribeURL hands a remote reference straight to the provider.
func (d *Deepgram) TranscribeURL(ctx context.Context, remoteURL string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"url": remoteURL})
	if err != nil {
		return nil, &ProviderError{Op: "marshal url request", Err: err}
	}

	q := url.Values{}
	q.Set("model", "nova-2")
	q.Set("smart_format", "true")

	return d.listen(ctx, q, bytes.NewReader(body), "application/json")
}

func (d *Deepgram) listen(ctx context.Context, query url.Values, body io.Reader, contentType string) (json.RawMessage, error) {
	endpoint := d.baseURL + "/v1/listen?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, &ProviderError{Op: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Op: "call provider", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProviderError{
			Op:  "call provider",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, snippet),
		}
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, &ProviderError{Op: "decode response", Err: err}
	}
	if len(lr.Results) == 0 {
		return nil, &ProviderError{Op: "decode response", Err: fmt.Errorf("no results in provider response")}
	}

	d.log.Info("transcription complete", "elapsed_ms", time.Since(start).Milliseconds())
	return lr.Results, nil
}
