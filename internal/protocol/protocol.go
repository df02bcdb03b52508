package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/8tomat8/whisper-lambda/internal/models"
	"github.com/8tomat8/whisper-lambda/internal/transcript"
)

// ErrInvalidRequest is returned for bodies that cannot be turned into a Request
var ErrInvalidRequest = errors.New("invalid request")

// TranscribeRequest is the wire form of a transcription request.
// File holds the audio bytes as standard base64.
type TranscribeRequest struct {
	Model string `json:"model"`
	File  string `json:"file"`
}

// Request is a parsed TranscribeRequest
type Request struct {
	Model models.Name
	Audio []byte
}

// Response is returned on success. Segments is never null.
type Response struct {
	Segments []transcript.Segment `json:"segments"`
}

// ErrorResponse is returned on failure
type ErrorResponse struct {
	Error string `json:"error"`
}

// ParseRequest decodes a request body. An empty file is accepted here and
// rejected later by audio normalization.
func ParseRequest(r io.Reader) (*Request, error) {
	var wire TranscribeRequest
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %w", ErrInvalidRequest, err)
	}

	name, err := models.Parse(wire.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	audio, err := base64.StdEncoding.DecodeString(wire.File)
	if err != nil {
		return nil, fmt.Errorf("%w: file is not valid base64: %v", ErrInvalidRequest, err)
	}

	return &Request{Model: name, Audio: audio}, nil
}

// NewTranscribeRequest builds the wire request for audio
func NewTranscribeRequest(model models.Name, audio []byte) TranscribeRequest {
	return TranscribeRequest{
		Model: model.String(),
		File:  base64.StdEncoding.EncodeToString(audio),
	}
}

// NewResponse wraps segments, replacing nil with an empty slice
func NewResponse(segments []transcript.Segment) Response {
	if segments == nil {
		segments = []transcript.Segment{}
	}
	return Response{Segments: segments}
}

// DecodeResponse reads a response body. A body carrying an error field is
// returned as an error.
func DecodeResponse(r io.Reader) (*Response, error) {
	var body struct {
		Segments []transcript.Segment `json:"segments"`
		Error    *string              `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("server error: %s", *body.Error)
	}
	resp := NewResponse(body.Segments)
	return &resp, nil
}
