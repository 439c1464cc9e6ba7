// internal/transcribe/provider.go
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider performs speech-to-text. The returned payload is the provider's
// results object ({channels:[{alternatives:[{transcript}]}]}) kept opaque so
// extra provider fields survive round-trips through the job store.
type Provider interface {
	TranscribeFile(ctx context.Context, path string) (json.RawMessage, error)
	TranscribeURL(ctx context.Context, url string) (json.RawMessage, error)
}

// ProviderError marks a transcription failure. The scheduler retries these
// up to its retry bound before surfacing them as the terminal payload.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

// Transcript extracts the first channel's first alternative, used for log
// previews. Reports false when the payload has no transcript.
func Transcript(raw json.RawMessage) (string, bool) {
	var v struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	if len(v.Channels) == 0 || len(v.Channels[0].Alternatives) == 0 {
		return "", false
	}
	return v.Channels[0].Alternatives[0].Transcript, true
}

// Preview truncates a transcript for logging.
func Preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
