// internal/media/media.go
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Manager handles the local side of a job's audio: saving uploads, pulling
// remote files, converting video containers to mp3, and probing duration.
type Manager struct {
	tempDir  string
	maxBytes int64
	client   *http.Client
}

func NewManager(tempDir string, maxBytes int64) *Manager {
	return &Manager{
		tempDir:  tempDir,
		maxBytes: maxBytes,
		client:   &http.Client{},
	}
}

// EnsureTempDir creates the working directory if it is missing.
func (m *Manager) EnsureTempDir() error {
	return os.MkdirAll(m.tempDir, 0o755)
}

// SaveUpload writes an uploaded stream to the temp dir under a fresh name,
// enforcing the size cap. The original filename only contributes its
// extension.
func (m *Manager) SaveUpload(r io.Reader, originalName string) (string, error) {
	if err := m.EnsureTempDir(); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = ".mp3"
	}
	path := filepath.Join(m.tempDir, uuid.NewString()+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, m.maxBytes+1))
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if n > m.maxBytes {
		os.Remove(path)
		return "", &TooLargeError{Limit: m.maxBytes}
	}
	return path, nil
}

// DownloadRemote fetches a remote media URL into the temp dir. The same size
// cap applies; oversized remote files are rejected, not truncated.
func (m *Manager) DownloadRemote(ctx context.Context, remoteURL string) (string, error) {
	if err := m.EnsureTempDir(); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download remote media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download remote media: status %d", resp.StatusCode)
	}

	ext := ".mp3"
	if IsMP4(remoteURL, resp.Header.Get("Content-Type")) {
		ext = ".mp4"
	}
	path := filepath.Join(m.tempDir, uuid.NewString()+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write download: %w", err)
	}
	if n > m.maxBytes {
		os.Remove(path)
		return "", &TooLargeError{Limit: m.maxBytes}
	}
	return path, nil
}

// ExtractAudio strips the video track from an mp4, producing an mp3 next to
// it. The input file is removed on success.
func (m *Manager) ExtractAudio(ctx context.Context, inputPath string) (string, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return "", fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	outputPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".mp3"
	args := []string{
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "2",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(out))
	}

	os.Remove(inputPath)
	return outputPath, nil
}

// Duration probes the media length in seconds with ffprobe.
func (m *Manager) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(out))
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return d, nil
}

// TooLargeError is returned when an upload or download exceeds the cap.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("media exceeds the %d MB limit", e.Limit>>20)
}

// IsMP3 reports whether a filename or URL looks like mp3 audio.
func IsMP3(name, contentType string) bool {
	if strings.Contains(contentType, "audio/mpeg") || strings.Contains(contentType, "audio/mp3") {
		return true
	}
	return hasExt(name, ".mp3")
}

// IsMP4 reports whether a filename or URL looks like an mp4 container. Some
// feeds mark video enclosures only via a mime query parameter.
func IsMP4(name, contentType string) bool {
	if strings.Contains(contentType, "video/mp4") {
		return true
	}
	if hasExt(name, ".mp4") {
		return true
	}
	if u, err := url.Parse(name); err == nil {
		if u.Query().Get("mime") == "video/mp4" {
			return true
		}
	}
	return false
}

// Supported reports whether the media is in a format the service accepts.
func Supported(name, contentType string) bool {
	return IsMP3(name, contentType) || IsMP4(name, contentType)
}

func hasExt(name, ext string) bool {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	return strings.EqualFold(filepath.Ext(name), ext)
}
