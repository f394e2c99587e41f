package main

import (
	"fmt"

	"github.com/serenehq/serene-go/internal/audiodev"
	serene "github.com/serenehq/serene-go/sdk"
)

// buildSpeechOptions wires the real microphone and speaker into the speech
// pipeline when -audio is set. The returned cleanup releases the audio
// backends and must be called after the pipeline is done.
func buildSpeechOptions(cfg chatConfig, client *serene.Client) ([]serene.SpeechOption, func(), error) {
	if !cfg.Audio {
		return nil, func() {}, nil
	}

	audioCtx, err := audiodev.New()
	if err != nil {
		return nil, nil, fmt.Errorf("init audio: %w", err)
	}

	opts := []serene.SpeechOption{
		serene.WithCaptureDevice(audioCtx.Microphone()),
		serene.WithPlayer(audioCtx.Player(nil)),
		serene.WithAutoplay(cfg.Autoplay),
		serene.WithSpeechLanguage(cfg.Language),
	}
	return opts, audioCtx.Close, nil
}
