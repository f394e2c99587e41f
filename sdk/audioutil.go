package serene

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// Recording format defaults for microphone capture.
const (
	// DefaultCaptureSampleRate is the capture sample rate (16kHz).
	DefaultCaptureSampleRate = 16000

	// DefaultCaptureBitsPerSample is the capture bit depth (16-bit).
	DefaultCaptureBitsPerSample = 16

	// DefaultCaptureChannels is the capture channel count (mono).
	DefaultCaptureChannels = 1
)

// PCMToWAV wraps raw PCM audio with a WAV header, producing a clip suitable
// for the transcription endpoint or for saving to disk.
func PCMToWAV(pcmData []byte, sampleRate, bitsPerSample, channels int) []byte {
	dataLen := len(pcmData)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	// WAV header is 44 bytes
	header := make([]byte, 44)

	// RIFF chunk descriptor
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	// fmt sub-chunk
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // PCM sub-chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))

	// data sub-chunk
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcmData...)
}

// PCMToWAVDefault wraps PCM data with a WAV header using the default
// capture format. Equivalent to PCMToWAV(pcmData, 16000, 16, 1).
func PCMToWAVDefault(pcmData []byte) []byte {
	return PCMToWAV(pcmData, DefaultCaptureSampleRate, DefaultCaptureBitsPerSample, DefaultCaptureChannels)
}

// SniffAudioFormat inspects a clip's leading bytes and returns its container
// format, or "" when the format is not recognized.
func SniffAudioFormat(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "wav"
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS")):
		return "ogg"
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "webm"
	default:
		return ""
	}
}

// EncodeAudio encodes a clip as base64 for JSON transport.
func EncodeAudio(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeAudio decodes a base64 clip received over JSON transport.
func DecodeAudio(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return data, nil
}

// FormatDuration renders a clip duration as m:ss for display.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
