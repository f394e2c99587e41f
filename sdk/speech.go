package serene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSpeechUnavailable is returned by speech operations when the required
// engine or device is not present. Text entry is unaffected; callers fall
// back to it.
var ErrSpeechUnavailable = errors.New("speech capability unavailable")

// ErrMicrophoneBusy is returned when live recognition and recording-for-
// transcription contend for the microphone. The microphone is a process-wide
// exclusive resource.
var ErrMicrophoneBusy = errors.New("microphone already in use")

// SpeechErrorCode classifies speech failures. Codes mirror the recognition
// engine taxonomy so downstream handling is uniform across capture modes.
type SpeechErrorCode string

const (
	SpeechErrNoSpeech     SpeechErrorCode = "no-speech"
	SpeechErrAudioCapture SpeechErrorCode = "audio-capture"
	SpeechErrNotAllowed   SpeechErrorCode = "not-allowed"
	SpeechErrNetwork      SpeechErrorCode = "network"
	SpeechErrOther        SpeechErrorCode = "other"
)

// SpeechError is a speech failure with a stable code and a human-readable
// message. Speech errors are never fatal to the session.
type SpeechError struct {
	Code SpeechErrorCode
	Err  error
}

func (e *SpeechError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("speech error (%s): %v", e.Code, e.Err)
}

func (e *SpeechError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message returns the user-facing text for the error code.
func (e *SpeechError) Message() string {
	switch e.Code {
	case SpeechErrNoSpeech:
		return "No speech detected. Try speaking louder."
	case SpeechErrAudioCapture:
		return "No microphone found. Please check your microphone."
	case SpeechErrNotAllowed:
		return "Microphone access denied. Please allow microphone access."
	case SpeechErrNetwork:
		return "Network error. Please check your internet connection."
	default:
		return fmt.Sprintf("Speech error: %v", e.Err)
	}
}

// TranscriptSource identifies which capture mode produced a transcript.
type TranscriptSource string

const (
	SourceRecognition TranscriptSource = "recognition"
	SourceRecording   TranscriptSource = "recording"
)

// TranscriptResult is one finalized piece of recognized speech, from either
// live recognition or server-side transcription of a recording. Err is set
// when the capture mode failed; Text is empty in that case.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Source     TranscriptSource
	Err        *SpeechError
}

// TranscriptHandler receives transcript results from any capture mode, so
// downstream text-entry logic is agnostic to which mode produced them.
type TranscriptHandler func(TranscriptResult)

// RecognitionCallbacks deliver engine events to the recognizer.
type RecognitionCallbacks struct {
	OnInterim func(text string)
	OnFinal   func(text string, confidence float64)
	OnError   func(code SpeechErrorCode, err error)
	OnEnd     func()
}

// RecognitionEngine is a live speech-to-text engine. Start begins listening
// and returns immediately; events arrive through the callbacks until OnEnd.
type RecognitionEngine interface {
	Start(RecognitionCallbacks) error
	Stop() error
}

// Voice describes one synthesis voice.
type Voice struct {
	Name     string
	Language string
	Local    bool
}

// Utterance is one synthesis request. Engine callbacks drive the
// synthesizer's state machine.
type Utterance struct {
	Text   string
	Voice  *Voice
	Rate   float64
	Pitch  float64
	Volume float64

	OnStart  func()
	OnEnd    func()
	OnPause  func()
	OnResume func()
	OnError  func(error)
}

// SynthesisEngine is a local text-to-speech engine.
type SynthesisEngine interface {
	Voices() []Voice
	Speak(*Utterance) error
	Pause() error
	Resume() error
	Cancel() error
}

// CaptureDevice records raw audio from the microphone. Chunks are delivered
// to the callback until Stop. Format names the clip container produced by
// concatenating the chunks; "pcm" means raw 16kHz mono 16-bit samples, which
// are wrapped in a WAV container before upload.
type CaptureDevice interface {
	Start(onChunk func([]byte)) error
	Stop() error
	Format() string
}

// Player plays one audio clip referenced by URL, blocking until the clip
// finishes or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audioURL string) error
}

// Speech is the speech interaction pipeline: live recognition, synthesis,
// recording-for-transcription, and agent-audio playback, each an independent
// capability with its own state machine and failure surface.
//
// Capability support is resolved once at construction: a capability whose
// engine or device is absent becomes the Unavailable variant, whose
// operations return ErrSpeechUnavailable.
type Speech struct {
	Recognition Recognition
	Synthesis   Synthesis
	Recorder    RecorderCapability
	Playback    PlaybackCapability

	client *Client
	mic    *micGate

	mu         sync.Mutex
	nextSubID  int
	resultSubs []transcriptSubscriber
	history    []AudioHistoryEntry
}

// AudioHistoryEntry records one server-synthesized utterance.
type AudioHistoryEntry struct {
	Text     string
	Voice    string
	AudioURL string
	At       time.Time
}

type transcriptSubscriber struct {
	id      int
	handler TranscriptHandler
}

// SpeechOption configures the pipeline.
type SpeechOption func(*speechConfig)

type speechConfig struct {
	recognition RecognitionEngine
	synthesis   SynthesisEngine
	capture     CaptureDevice
	player      Player
	language    string
	autoplay    bool
}

// WithRecognitionEngine supplies the live recognition engine.
func WithRecognitionEngine(engine RecognitionEngine) SpeechOption {
	return func(cfg *speechConfig) {
		cfg.recognition = engine
	}
}

// WithSynthesisEngine supplies the local synthesis engine.
func WithSynthesisEngine(engine SynthesisEngine) SpeechOption {
	return func(cfg *speechConfig) {
		cfg.synthesis = engine
	}
}

// WithCaptureDevice supplies the microphone device for recording.
func WithCaptureDevice(device CaptureDevice) SpeechOption {
	return func(cfg *speechConfig) {
		cfg.capture = device
	}
}

// WithPlayer supplies the audio clip player.
func WithPlayer(player Player) SpeechOption {
	return func(cfg *speechConfig) {
		cfg.player = player
	}
}

// WithSpeechLanguage sets the session language used for default voice
// selection. Default "en".
func WithSpeechLanguage(language string) SpeechOption {
	return func(cfg *speechConfig) {
		cfg.language = language
	}
}

// WithAutoplay controls whether queued agent audio starts playing on arrival
// (true) or waits for an explicit Play call (false). Default true.
func WithAutoplay(autoplay bool) SpeechOption {
	return func(cfg *speechConfig) {
		cfg.autoplay = autoplay
	}
}

// NewSpeechPipeline builds the pipeline, resolving capability support once.
func (c *Client) NewSpeechPipeline(opts ...SpeechOption) *Speech {
	cfg := speechConfig{language: "en", autoplay: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Speech{
		client: c,
		mic:    &micGate{},
	}

	if cfg.recognition != nil {
		s.Recognition = newRecognizer(cfg.recognition, s.mic, s.dispatchResult, c.logger)
	} else {
		s.Recognition = unavailableRecognition{}
	}

	if cfg.synthesis != nil {
		s.Synthesis = newSynthesizer(cfg.synthesis, cfg.language, c.logger)
	} else {
		s.Synthesis = unavailableSynthesis{}
	}

	if cfg.capture != nil {
		s.Recorder = newRecorder(c, cfg.capture, s.mic, s.dispatchResult, c.logger)
	} else {
		s.Recorder = unavailableRecorder{}
	}

	if cfg.player != nil {
		s.Playback = newPlayback(cfg.player, cfg.autoplay, c.logger)
	} else {
		s.Playback = unavailablePlayback{}
	}

	return s
}

// Supported reports whether at least one speech capability is available.
func (s *Speech) Supported() bool {
	return s.Recognition.Supported() || s.Synthesis.Supported() ||
		s.Recorder.Supported() || s.Playback.Supported()
}

// Synthesize requests server-side synthesis of text and records the result
// in the audio history. The returned clip reference can be handed to
// Playback.
func (s *Speech) Synthesize(ctx context.Context, text, voice string) (*SynthesisResult, error) {
	result, err := s.client.Speech.Synthesize(ctx, &SynthesizeRequest{Text: text, Voice: voice})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.history = append(s.history, AudioHistoryEntry{
		Text:     text,
		Voice:    voice,
		AudioURL: result.AudioURL,
		At:       time.Now(),
	})
	s.mu.Unlock()
	return result, nil
}

// AudioHistory returns the synthesized utterances in request order.
func (s *Speech) AudioHistory() []AudioHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AudioHistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// ClearAudioHistory empties the synthesis history.
func (s *Speech) ClearAudioHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// OnTranscript registers a handler for finalized transcripts from either
// capture mode. The returned func removes the handler.
func (s *Speech) OnTranscript(handler TranscriptHandler) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.resultSubs = append(s.resultSubs, transcriptSubscriber{id: id, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.resultSubs {
			if sub.id == id {
				s.resultSubs = append(s.resultSubs[:i:i], s.resultSubs[i+1:]...)
				return
			}
		}
	}
}

func (s *Speech) dispatchResult(result TranscriptResult) {
	s.mu.Lock()
	subs := make([]transcriptSubscriber, len(s.resultSubs))
	copy(subs, s.resultSubs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.handler(result)
	}
}

// micGate arbitrates the microphone between live recognition and recording.
type micGate struct {
	mu    sync.Mutex
	owner string
}

func (g *micGate) acquire(owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != "" && g.owner != owner {
		return ErrMicrophoneBusy
	}
	g.owner = owner
	return nil
}

func (g *micGate) release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == owner {
		g.owner = ""
	}
}
