// Package audiodev provides the real microphone and speaker devices behind
// the speech pipeline, built on malgo for capture and oto for playback.
package audiodev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

const (
	captureSampleRate  = 16000
	playbackSampleRate = 24000
	channels           = 1
)

// Context owns the shared audio backends. Create one per process and Close
// it when done.
type Context struct {
	malgoCtx *malgo.AllocatedContext
	otoCtx   *oto.Context
}

// New initializes the capture and playback backends.
func New() (*Context, error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init capture context: %w", err)
	}

	// At 24kHz mono 16-bit: 4800 bytes = 100ms of audio
	otoOpts := &oto.NewContextOptions{
		SampleRate:   playbackSampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4800,
	}
	otoCtx, ready, err := oto.NewContext(otoOpts)
	if err != nil {
		malgoCtx.Uninit()
		return nil, fmt.Errorf("init playback context: %w", err)
	}
	<-ready

	return &Context{malgoCtx: malgoCtx, otoCtx: otoCtx}, nil
}

// Close releases both backends. Stop any active devices first.
func (c *Context) Close() {
	c.malgoCtx.Uninit()
}

// Microphone returns a capture device recording 16kHz mono 16-bit PCM.
func (c *Context) Microphone() *Microphone {
	return &Microphone{ctx: c.malgoCtx.Context}
}

// Player returns a clip player for agent audio.
func (c *Context) Player(httpClient *http.Client) *ClipPlayer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClipPlayer{ctx: c.otoCtx, httpClient: httpClient}
}

// Microphone captures raw PCM from the default input device.
type Microphone struct {
	ctx malgo.Context

	mu     sync.Mutex
	device *malgo.Device
}

// Start begins capture, delivering PCM chunks to onChunk from the audio
// thread until Stop.
func (m *Microphone) Start(onChunk func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return errors.New("microphone already started")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.SampleRate = captureSampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			onChunk(pInputSamples)
		},
	}

	device, err := malgo.InitDevice(m.ctx, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	return nil
}

// Stop ends capture and releases the device.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	device := m.device
	m.device = nil
	m.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		device.Uninit()
		return fmt.Errorf("stop microphone: %w", err)
	}
	device.Uninit()
	return nil
}

// Format reports the chunk format produced by Start.
func (m *Microphone) Format() string { return "pcm" }

// ClipPlayer fetches an audio clip by URL and plays it through the speaker.
type ClipPlayer struct {
	ctx        *oto.Context
	httpClient *http.Client
}

// Play fetches and plays one clip, blocking until it finishes or ctx is
// cancelled. Clips are expected to be 24kHz mono 16-bit WAV; raw PCM is
// played as-is.
func (p *ClipPlayer) Play(ctx context.Context, audioURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return fmt.Errorf("fetch clip: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch clip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch clip: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fetch clip: %w", err)
	}

	pcm := stripWAVHeader(data)
	if len(pcm) == 0 {
		return nil
	}

	player := p.ctx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// stripWAVHeader returns the PCM payload of a canonical 44-byte-header WAV
// clip, or the input unchanged when it is not WAV.
func stripWAVHeader(data []byte) []byte {
	if len(data) > 44 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return data[44:]
	}
	return data
}
