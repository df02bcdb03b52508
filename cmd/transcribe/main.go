// Command transcribe sends an audio file to a running transcription server
// and prints the resulting segments.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/8tomat8/whisper-lambda/internal/models"
	"github.com/8tomat8/whisper-lambda/internal/protocol"
	"github.com/8tomat8/whisper-lambda/internal/transcript"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Transcription server base URL")
	model := flag.String("model", string(models.Base), "Model name: "+strings.Join(models.Names(), ", "))
	format := flag.String("format", "text", "Output format: text or json")
	timeout := flag.Duration("timeout", 10*time.Minute, "Request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <audio file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*serverURL, *model, *format, *timeout, flag.Arg(0), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe: %v\n", err)
		os.Exit(1)
	}
}

func run(serverURL, model, format string, timeout time.Duration, path string, out io.Writer) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", format)
	}

	name, err := models.Parse(model)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}

	body, err := json.Marshal(protocol.NewTranscribeRequest(name, data))
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	result, err := protocol.DecodeResponse(resp.Body)
	if err != nil {
		return fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error %d", resp.StatusCode)
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	for _, seg := range result.Segments {
		fmt.Fprintln(out, formatSegment(seg))
	}
	return nil
}

func formatSegment(seg transcript.Segment) string {
	return fmt.Sprintf("[%s -> %s] %s", formatTimestamp(seg.Start), formatTimestamp(seg.End), strings.TrimSpace(seg.Text))
}

// formatTimestamp renders centiseconds as mm:ss.cc
func formatTimestamp(cs int64) string {
	if cs < 0 {
		cs = 0
	}
	return fmt.Sprintf("%02d:%02d.%02d", cs/6000, (cs/100)%60, cs%100)
}
