package serene

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
)

// SpeechService provides server-side transcription and synthesis.
type SpeechService struct {
	client *Client
}

// TranscribeRequest configures server-side transcription of one audio clip.
type TranscribeRequest struct {
	SessionID string
	Audio     []byte // Raw audio data; encoded as base64 on the wire.
	Format    string // Audio format hint (wav, mp3, webm...). Default "wav".
}

type transcribeWireRequest struct {
	SessionID   string `json:"sessionId"`
	AudioData   string `json:"audioData"`
	AudioFormat string `json:"audioFormat"`
}

type transcribeWireResponse struct {
	Status        string `json:"status"`
	Transcription string `json:"transcription"`
	Error         string `json:"error,omitempty"`
}

// Transcribe sends one assembled audio clip to POST /speech/transcribe and
// returns the recognized text.
func (s *SpeechService) Transcribe(ctx context.Context, req *TranscribeRequest) (string, error) {
	if req == nil {
		return "", NewInvalidRequestError("req must not be nil")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return "", NewInvalidRequestError("sessionID must not be empty")
	}
	if len(req.Audio) == 0 {
		return "", NewInvalidRequestError("audio must not be empty")
	}
	format := req.Format
	if format == "" {
		format = "wav"
	}

	wire := transcribeWireRequest{
		SessionID:   req.SessionID,
		AudioData:   base64.StdEncoding.EncodeToString(req.Audio),
		AudioFormat: format,
	}
	var resp transcribeWireResponse
	if err := s.client.doJSON(ctx, http.MethodPost, "/speech/transcribe", wire, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" {
		message := strings.TrimSpace(resp.Error)
		if message == "" {
			message = "transcription failed"
		}
		return "", NewAPIError(message)
	}
	return resp.Transcription, nil
}

// SynthesizeRequest configures server-side speech synthesis.
type SynthesizeRequest struct {
	Text  string
	Voice string // Default "alloy".
	Speed string // Playback speed multiplier as a string, default "1.0".
}

// SynthesisResult references the synthesized audio.
type SynthesisResult struct {
	AudioURL string `json:"audioUrl"`
	Format   string `json:"format,omitempty"`
}

type synthesizeWireRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Speed string `json:"speed"`
}

// Synthesize sends text to POST /speech/synthesize and returns an audio
// reference for playback.
func (s *SpeechService) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesisResult, error) {
	if req == nil {
		return nil, NewInvalidRequestError("req must not be nil")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, NewInvalidRequestError("text must not be empty")
	}
	voice := req.Voice
	if voice == "" {
		voice = "alloy"
	}
	speed := req.Speed
	if speed == "" {
		speed = "1.0"
	}

	var result SynthesisResult
	wire := synthesizeWireRequest{Text: req.Text, Voice: voice, Speed: speed}
	if err := s.client.doJSON(ctx, http.MethodPost, "/speech/synthesize", wire, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
