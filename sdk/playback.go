package serene

import (
	"context"
	"log/slog"
	"sync"
)

// PlaybackCapability plays agent audio clips in arrival order. Each clip
// plays to completion before the next starts. With autoplay enabled a
// queued clip starts as soon as the player is idle; otherwise playback
// waits for an explicit Play call.
type PlaybackCapability interface {
	// Supported reports whether a player is present.
	Supported() bool

	// Enqueue appends a clip to the queue.
	Enqueue(audioURL string)

	// Play starts draining the queue if playback is not already running.
	Play()

	// Stop interrupts the current clip and discards everything queued.
	Stop()

	// Playing reports whether a clip is playing or queued clips are being
	// drained.
	Playing() bool

	// QueueLen returns the number of clips waiting behind the current one.
	QueueLen() int
}

type playback struct {
	player   Player
	autoplay bool
	logger   *slog.Logger

	mu         sync.Mutex
	queue      []string
	playing    bool
	generation int
	cancel     context.CancelFunc
}

func newPlayback(player Player, autoplay bool, logger *slog.Logger) *playback {
	return &playback{
		player:   player,
		autoplay: autoplay,
		logger:   logger,
	}
}

func (p *playback) Supported() bool { return true }

func (p *playback) Enqueue(audioURL string) {
	if audioURL == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, audioURL)
	if p.autoplay && !p.playing {
		p.startLocked()
	}
}

func (p *playback) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing || len(p.queue) == 0 {
		return
	}
	p.startLocked()
}

func (p *playback) Stop() {
	p.mu.Lock()
	p.generation++
	p.queue = nil
	p.playing = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (p *playback) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *playback) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *playback) startLocked() {
	p.playing = true
	p.generation++
	go p.drain(p.generation)
}

// drain plays queued clips in order until the queue empties or Stop bumps
// the generation.
func (p *playback) drain(gen int) {
	for {
		p.mu.Lock()
		if gen != p.generation {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.playing = false
			p.cancel = nil
			p.mu.Unlock()
			return
		}
		audioURL := p.queue[0]
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.mu.Unlock()

		if err := p.player.Play(ctx, audioURL); err != nil && ctx.Err() == nil {
			p.logger.Debug("audio playback failed", "url", audioURL, "error", err)
		}
		cancel()
	}
}

// unavailablePlayback is the fallback when no player is configured.
type unavailablePlayback struct{}

func (unavailablePlayback) Supported() bool { return false }
func (unavailablePlayback) Enqueue(string)  {}
func (unavailablePlayback) Play()           {}
func (unavailablePlayback) Stop()           {}
func (unavailablePlayback) Playing() bool   { return false }
func (unavailablePlayback) QueueLen() int   { return 0 }
