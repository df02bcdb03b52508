package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/8tomat8/whisper-lambda/internal/models"
	"github.com/8tomat8/whisper-lambda/internal/protocol"
	"github.com/8tomat8/whisper-lambda/internal/transcript"
)

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		cs       int64
		expected string
	}{
		{0, "00:00.00"},
		{150, "00:01.50"},
		{6000, "01:00.00"},
		{61234, "10:12.34"},
		{-5, "00:00.00"},
	}

	for _, tt := range tests {
		if got := formatTimestamp(tt.cs); got != tt.expected {
			t.Errorf("formatTimestamp(%d) = %q, expected %q", tt.cs, got, tt.expected)
		}
	}
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speech.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunPrintsSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" || r.Header.Get("X-Request-ID") == "" {
			t.Errorf("Unexpected request %s %v", r.URL.Path, r.Header)
		}
		req, err := protocol.ParseRequest(r.Body)
		if err != nil {
			t.Errorf("Server could not parse request: %v", err)
		}
		if req != nil && (req.Model != models.Small || string(req.Audio) != "RIFF") {
			t.Errorf("Unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(protocol.NewResponse([]transcript.Segment{
			{Start: 0, End: 150, Text: " Hello"},
			{Start: 150, End: 6100, Text: " world"},
		}))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := run(srv.URL+"/", "small", "text", time.Second, writeAudio(t), &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expected := "[00:00.00 -> 00:01.50] Hello\n[00:01.50 -> 01:01.00] world\n"
	if out.String() != expected {
		t.Errorf("Expected %q, got %q", expected, out.String())
	}
}

func TestRunJSONOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"segments":[]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := run(srv.URL, "tiny", "json", time.Second, writeAudio(t), &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), `"segments": []`) {
		t.Errorf("Unexpected output %s", out.String())
	}
}

func TestRunServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"model file not found"}`))
	}))
	defer srv.Close()

	err := run(srv.URL, "large", "text", time.Second, writeAudio(t), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "model file not found") {
		t.Errorf("Expected server error, got %v", err)
	}
}

func TestRunValidatesArguments(t *testing.T) {
	if err := run("http://unused", "huge", "text", time.Second, writeAudio(t), &bytes.Buffer{}); err == nil {
		t.Error("Expected error for unknown model")
	}
	if err := run("http://unused", "tiny", "srt", time.Second, writeAudio(t), &bytes.Buffer{}); err == nil {
		t.Error("Expected error for unknown format")
	}
	if err := run("http://unused", "tiny", "text", time.Second, filepath.Join(t.TempDir(), "missing.wav"), &bytes.Buffer{}); err == nil {
		t.Error("Expected error for missing file")
	}
}
