package media

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsMP3(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"episode.mp3", "", true},
		{"episode.MP3", "", true},
		{"https://cdn.example/feed/ep.mp3?token=abc", "", true},
		{"episode.bin", "audio/mpeg", true},
		{"episode.wav", "", false},
		{"episode.mp4", "", false},
	}
	for _, c := range cases {
		if got := IsMP3(c.name, c.contentType); got != c.want {
			t.Errorf("IsMP3(%q, %q) = %v, want %v", c.name, c.contentType, got, c.want)
		}
	}
}

func TestIsMP4(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"episode.mp4", "", true},
		{"https://cdn.example/v/ep.mp4", "", true},
		{"https://cdn.example/v/ep?mime=video/mp4", "", true},
		{"episode.bin", "video/mp4", true},
		{"episode.mp3", "", false},
	}
	for _, c := range cases {
		if got := IsMP4(c.name, c.contentType); got != c.want {
			t.Errorf("IsMP4(%q, %q) = %v, want %v", c.name, c.contentType, got, c.want)
		}
	}
}

func TestSaveUpload(t *testing.T) {
	m := NewManager(t.TempDir(), 1<<20)

	path, err := m.SaveUpload(strings.NewReader("audio-bytes"), "episode.mp3")
	if err != nil {
		t.Fatalf("SaveUpload returned error: %v", err)
	}
	if filepath.Ext(path) != ".mp3" {
		t.Fatalf("expected .mp3 extension, got %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "audio-bytes" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestSaveUploadTooLarge(t *testing.T) {
	m := NewManager(t.TempDir(), 8)

	_, err := m.SaveUpload(bytes.NewReader(make([]byte, 64)), "big.mp3")
	var tooLarge *TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected TooLargeError, got %v", err)
	}
}

func TestDownloadRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("remote-audio"))
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(), 1<<20)
	path, err := m.DownloadRemote(context.Background(), srv.URL+"/ep.mp3")
	if err != nil {
		t.Fatalf("DownloadRemote returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "remote-audio" {
		t.Fatalf("unexpected download contents: %q", data)
	}
}

func TestDownloadRemoteTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 128))
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(), 16)
	_, err := m.DownloadRemote(context.Background(), srv.URL+"/big.mp3")
	var tooLarge *TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected TooLargeError, got %v", err)
	}
}

func TestDownloadRemoteBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(), 1<<20)
	if _, err := m.DownloadRemote(context.Background(), srv.URL+"/gone.mp3"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
