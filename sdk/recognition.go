package serene

import (
	"log/slog"
	"strings"
	"sync"
)

// Recognition is the live speech-to-text capability. It runs a two-state
// machine, idle and listening, and accumulates interim and finalized text
// while listening. Any engine error ends the session and returns the
// machine to idle; recognition errors never propagate to the conversation.
type Recognition interface {
	// Supported reports whether a recognition engine is present.
	Supported() bool

	// Start begins listening. Starting while already listening is a no-op.
	Start() error

	// Stop ends the listening session. Accumulated transcript is retained.
	Stop()

	// Listening reports whether a session is active.
	Listening() bool

	// Transcript returns the finalized text accumulated since the last reset.
	Transcript() string

	// InterimTranscript returns the provisional text for speech still being
	// recognized. It is replaced, not appended, as recognition refines it.
	InterimTranscript() string

	// Confidence returns the engine's confidence for the most recent
	// finalized segment, in [0, 1].
	Confidence() float64

	// ResetTranscript clears accumulated text, interim text, and confidence.
	ResetTranscript()
}

const micOwnerRecognition = "recognition"

type recognizer struct {
	engine   RecognitionEngine
	mic      *micGate
	dispatch func(TranscriptResult)
	logger   *slog.Logger

	mu         sync.Mutex
	listening  bool
	transcript strings.Builder
	interim    string
	confidence float64
}

func newRecognizer(engine RecognitionEngine, mic *micGate, dispatch func(TranscriptResult), logger *slog.Logger) *recognizer {
	return &recognizer{
		engine:   engine,
		mic:      mic,
		dispatch: dispatch,
		logger:   logger,
	}
}

func (r *recognizer) Supported() bool { return true }

func (r *recognizer) Start() error {
	r.mu.Lock()
	if r.listening {
		r.mu.Unlock()
		return nil
	}
	if err := r.mic.acquire(micOwnerRecognition); err != nil {
		r.mu.Unlock()
		return err
	}
	r.listening = true
	r.mu.Unlock()

	err := r.engine.Start(RecognitionCallbacks{
		OnInterim: r.handleInterim,
		OnFinal:   r.handleFinal,
		OnError:   r.handleError,
		OnEnd:     r.handleEnd,
	})
	if err != nil {
		r.mu.Lock()
		r.listening = false
		r.mu.Unlock()
		r.mic.release(micOwnerRecognition)
		return &SpeechError{Code: SpeechErrAudioCapture, Err: err}
	}
	return nil
}

func (r *recognizer) Stop() {
	r.mu.Lock()
	if !r.listening {
		r.mu.Unlock()
		return
	}
	r.listening = false
	r.mu.Unlock()

	if err := r.engine.Stop(); err != nil {
		r.logger.Debug("recognition stop failed", "error", err)
	}
	r.mic.release(micOwnerRecognition)
}

func (r *recognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

func (r *recognizer) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

func (r *recognizer) InterimTranscript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interim
}

func (r *recognizer) Confidence() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confidence
}

func (r *recognizer) ResetTranscript() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcript.Reset()
	r.interim = ""
	r.confidence = 0
}

func (r *recognizer) handleInterim(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interim = text
}

func (r *recognizer) handleFinal(text string, confidence float64) {
	r.mu.Lock()
	if r.transcript.Len() > 0 {
		r.transcript.WriteByte(' ')
	}
	r.transcript.WriteString(text)
	r.interim = ""
	r.confidence = confidence
	r.mu.Unlock()

	r.dispatch(TranscriptResult{
		Text:       text,
		Confidence: confidence,
		Source:     SourceRecognition,
	})
}

func (r *recognizer) handleError(code SpeechErrorCode, err error) {
	speechErr := &SpeechError{Code: code, Err: err}
	r.logger.Debug("recognition error", "code", code, "error", err)

	r.mu.Lock()
	wasListening := r.listening
	r.listening = false
	r.mu.Unlock()
	if wasListening {
		r.mic.release(micOwnerRecognition)
	}

	r.dispatch(TranscriptResult{Source: SourceRecognition, Err: speechErr})
}

func (r *recognizer) handleEnd() {
	r.mu.Lock()
	wasListening := r.listening
	r.listening = false
	r.mu.Unlock()
	if wasListening {
		r.mic.release(micOwnerRecognition)
	}
}

// unavailableRecognition is the fallback when no engine is configured.
type unavailableRecognition struct{}

func (unavailableRecognition) Supported() bool           { return false }
func (unavailableRecognition) Start() error              { return ErrSpeechUnavailable }
func (unavailableRecognition) Stop()                     {}
func (unavailableRecognition) Listening() bool           { return false }
func (unavailableRecognition) Transcript() string        { return "" }
func (unavailableRecognition) InterimTranscript() string { return "" }
func (unavailableRecognition) Confidence() float64       { return 0 }
func (unavailableRecognition) ResetTranscript()          {}
