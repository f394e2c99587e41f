package serene

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrEmptyUtterance is returned when Speak is called with no text.
var ErrEmptyUtterance = errors.New("utterance text is empty")

// SynthesisState is the synthesizer's lifecycle state.
type SynthesisState int

const (
	SynthIdle SynthesisState = iota
	SynthSpeaking
	SynthPaused
)

func (s SynthesisState) String() string {
	switch s {
	case SynthIdle:
		return "idle"
	case SynthSpeaking:
		return "speaking"
	case SynthPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// SpeakOptions tune one utterance. Zero values take the defaults.
type SpeakOptions struct {
	// VoiceName selects a voice by name. Empty picks the default voice for
	// the session language.
	VoiceName string

	// Rate is the speaking rate multiplier. Zero means 1.0.
	Rate float64

	// Pitch is the pitch multiplier. Zero means 1.0.
	Pitch float64

	// Volume is the output volume in [0, 1]. Zero means 1.0.
	Volume float64
}

// Synthesis is the local text-to-speech capability. At most one utterance is
// active; speaking while already speaking cancels the current utterance
// first, so the latest request always wins.
type Synthesis interface {
	// Supported reports whether a synthesis engine is present.
	Supported() bool

	// Speak cancels any active utterance and starts speaking text.
	Speak(text string, opts *SpeakOptions) error

	// Pause suspends the active utterance. No-op unless speaking.
	Pause()

	// Resume continues a paused utterance. No-op unless paused.
	Resume()

	// Stop cancels the active utterance and returns to idle. No-op when idle.
	Stop()

	// State returns the current lifecycle state.
	State() SynthesisState

	// Voices lists the engine's available voices.
	Voices() []Voice
}

type synthesizer struct {
	engine   SynthesisEngine
	language string
	logger   *slog.Logger

	mu         sync.Mutex
	state      SynthesisState
	generation int
}

func newSynthesizer(engine SynthesisEngine, language string, logger *slog.Logger) *synthesizer {
	return &synthesizer{
		engine:   engine,
		language: language,
		logger:   logger,
	}
}

func (s *synthesizer) Supported() bool { return true }

func (s *synthesizer) Speak(text string, opts *SpeakOptions) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyUtterance
	}
	if opts == nil {
		opts = &SpeakOptions{}
	}

	s.mu.Lock()
	if s.state != SynthIdle {
		if err := s.engine.Cancel(); err != nil {
			s.logger.Debug("synthesis cancel failed", "error", err)
		}
	}
	s.generation++
	gen := s.generation
	s.state = SynthSpeaking
	s.mu.Unlock()

	utterance := &Utterance{
		Text:   text,
		Voice:  s.pickVoice(opts.VoiceName),
		Rate:   orDefault(opts.Rate, 1.0),
		Pitch:  orDefault(opts.Pitch, 1.0),
		Volume: orDefault(opts.Volume, 1.0),

		OnStart:  func() { s.setState(gen, SynthSpeaking) },
		OnEnd:    func() { s.setState(gen, SynthIdle) },
		OnPause:  func() { s.setState(gen, SynthPaused) },
		OnResume: func() { s.setState(gen, SynthSpeaking) },
		OnError: func(err error) {
			s.logger.Debug("synthesis error", "error", err)
			s.setState(gen, SynthIdle)
		},
	}

	if err := s.engine.Speak(utterance); err != nil {
		s.setState(gen, SynthIdle)
		return &SpeechError{Code: SpeechErrOther, Err: err}
	}
	return nil
}

func (s *synthesizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SynthSpeaking {
		return
	}
	if err := s.engine.Pause(); err != nil {
		s.logger.Debug("synthesis pause failed", "error", err)
		return
	}
	s.state = SynthPaused
}

func (s *synthesizer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SynthPaused {
		return
	}
	if err := s.engine.Resume(); err != nil {
		s.logger.Debug("synthesis resume failed", "error", err)
		return
	}
	s.state = SynthSpeaking
}

func (s *synthesizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SynthIdle {
		return
	}
	if err := s.engine.Cancel(); err != nil {
		s.logger.Debug("synthesis cancel failed", "error", err)
	}
	s.generation++
	s.state = SynthIdle
}

func (s *synthesizer) State() SynthesisState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *synthesizer) Voices() []Voice {
	return s.engine.Voices()
}

// setState applies a state transition from an engine callback, ignoring
// callbacks from utterances that have since been cancelled or replaced.
func (s *synthesizer) setState(gen int, state SynthesisState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.state = state
}

// pickVoice resolves the voice for an utterance. A named voice wins when it
// exists. Otherwise the first local voice matching the session language is
// preferred, then any matching voice, then the engine's first voice.
func (s *synthesizer) pickVoice(name string) *Voice {
	voices := s.engine.Voices()
	if len(voices) == 0 {
		return nil
	}
	if name != "" {
		for i := range voices {
			if voices[i].Name == name {
				return &voices[i]
			}
		}
	}
	var languageMatch *Voice
	for i := range voices {
		if !strings.HasPrefix(voices[i].Language, s.language) {
			continue
		}
		if voices[i].Local {
			return &voices[i]
		}
		if languageMatch == nil {
			languageMatch = &voices[i]
		}
	}
	if languageMatch != nil {
		return languageMatch
	}
	return &voices[0]
}

func orDefault(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// unavailableSynthesis is the fallback when no engine is configured.
type unavailableSynthesis struct{}

func (unavailableSynthesis) Supported() bool                      { return false }
func (unavailableSynthesis) Speak(string, *SpeakOptions) error    { return ErrSpeechUnavailable }
func (unavailableSynthesis) Pause()                               {}
func (unavailableSynthesis) Resume()                              {}
func (unavailableSynthesis) Stop()                                {}
func (unavailableSynthesis) State() SynthesisState                { return SynthIdle }
func (unavailableSynthesis) Voices() []Voice                      { return nil }
