package serene

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRecordingActive is returned when Start is called while a recording is
// already in progress.
var ErrRecordingActive = errors.New("recording already in progress")

// ErrNoRecording is returned when Stop is called with no active recording.
var ErrNoRecording = errors.New("no recording in progress")

// RecordingState is the recorder's lifecycle state.
type RecordingState int

const (
	RecordingIdle RecordingState = iota
	RecordingActive
	RecordingStopped
	RecordingTranscribing
)

func (s RecordingState) String() string {
	switch s {
	case RecordingIdle:
		return "idle"
	case RecordingActive:
		return "recording"
	case RecordingStopped:
		return "stopped"
	case RecordingTranscribing:
		return "transcribing"
	default:
		return "unknown"
	}
}

const transcribeTimeout = 30 * time.Second

// RecorderCapability captures a complete audio clip and submits it for
// server-side transcription. Unlike live recognition, nothing is recognized
// until the recording stops; the whole clip is transcribed in one request
// and the result arrives through the pipeline's transcript handlers.
type RecorderCapability interface {
	// Supported reports whether a capture device is present.
	Supported() bool

	// Start begins recording for the given session. At most one recording
	// runs at a time; a second Start returns ErrRecordingActive.
	Start(sessionID string) error

	// Stop ends the recording and dispatches the clip for transcription.
	// The transcript, or the failure, is delivered asynchronously.
	Stop() error

	// Cancel ends the recording and discards the clip without transcribing.
	Cancel() error

	// State returns the current lifecycle state.
	State() RecordingState
}

const micOwnerRecording = "recording"

type recorder struct {
	client   *Client
	device   CaptureDevice
	mic      *micGate
	dispatch func(TranscriptResult)
	logger   *slog.Logger

	mu         sync.Mutex
	state      RecordingState
	generation int
	sessionID  string
	chunks     [][]byte
}

func newRecorder(client *Client, device CaptureDevice, mic *micGate, dispatch func(TranscriptResult), logger *slog.Logger) *recorder {
	return &recorder{
		client:   client,
		device:   device,
		mic:      mic,
		dispatch: dispatch,
		logger:   logger,
	}
}

func (r *recorder) Supported() bool { return true }

func (r *recorder) Start(sessionID string) error {
	r.mu.Lock()
	if r.state == RecordingActive {
		r.mu.Unlock()
		return ErrRecordingActive
	}
	if err := r.mic.acquire(micOwnerRecording); err != nil {
		r.mu.Unlock()
		return err
	}
	r.generation++
	gen := r.generation
	r.state = RecordingActive
	r.sessionID = sessionID
	r.chunks = nil
	r.mu.Unlock()

	err := r.device.Start(func(chunk []byte) {
		r.appendChunk(gen, chunk)
	})
	if err != nil {
		r.mu.Lock()
		r.state = RecordingIdle
		r.mu.Unlock()
		r.mic.release(micOwnerRecording)
		return &SpeechError{Code: SpeechErrAudioCapture, Err: err}
	}
	return nil
}

func (r *recorder) Stop() error {
	r.mu.Lock()
	if r.state != RecordingActive {
		r.mu.Unlock()
		return ErrNoRecording
	}
	r.generation++
	gen := r.generation
	r.state = RecordingStopped
	sessionID := r.sessionID
	clip := bytes.Join(r.chunks, nil)
	r.chunks = nil
	r.mu.Unlock()

	if err := r.device.Stop(); err != nil {
		r.logger.Debug("capture stop failed", "error", err)
	}
	r.mic.release(micOwnerRecording)

	r.mu.Lock()
	if gen == r.generation {
		r.state = RecordingTranscribing
	}
	r.mu.Unlock()

	go r.transcribe(gen, sessionID, clip)
	return nil
}

func (r *recorder) Cancel() error {
	r.mu.Lock()
	if r.state != RecordingActive {
		r.mu.Unlock()
		return ErrNoRecording
	}
	r.generation++
	r.state = RecordingIdle
	r.chunks = nil
	r.mu.Unlock()

	if err := r.device.Stop(); err != nil {
		r.logger.Debug("capture stop failed", "error", err)
	}
	r.mic.release(micOwnerRecording)
	return nil
}

func (r *recorder) State() RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *recorder) appendChunk(gen int, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation || r.state != RecordingActive {
		return
	}
	r.chunks = append(r.chunks, buf)
}

func (r *recorder) transcribe(gen int, sessionID string, clip []byte) {
	defer r.finishTranscription(gen)

	if len(clip) == 0 {
		r.dispatch(TranscriptResult{
			Source: SourceRecording,
			Err:    &SpeechError{Code: SpeechErrNoSpeech, Err: errors.New("empty recording")},
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
	defer cancel()

	format := r.device.Format()
	if format == "pcm" {
		clip = PCMToWAVDefault(clip)
		format = "wav"
	}

	text, err := r.client.Speech.Transcribe(ctx, &TranscribeRequest{
		SessionID: sessionID,
		Audio:     clip,
		Format:    format,
	})
	if err != nil {
		r.logger.Debug("transcription failed", "error", err)
		r.dispatch(TranscriptResult{
			Source: SourceRecording,
			Err:    &SpeechError{Code: SpeechErrNetwork, Err: err},
		})
		return
	}

	r.dispatch(TranscriptResult{
		Text:   text,
		Source: SourceRecording,
	})
}

func (r *recorder) finishTranscription(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.generation && r.state == RecordingTranscribing {
		r.state = RecordingIdle
	}
}

// unavailableRecorder is the fallback when no capture device is configured.
type unavailableRecorder struct{}

func (unavailableRecorder) Supported() bool       { return false }
func (unavailableRecorder) Start(string) error    { return ErrSpeechUnavailable }
func (unavailableRecorder) Stop() error           { return ErrSpeechUnavailable }
func (unavailableRecorder) Cancel() error         { return ErrSpeechUnavailable }
func (unavailableRecorder) State() RecordingState { return RecordingIdle }
