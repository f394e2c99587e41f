package serene

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestPCMToWAV(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	wav := PCMToWAV(pcm, 16000, 16, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len=%d, want 44-byte header plus payload", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("header magic wrong: %q %q", wav[0:4], wav[8:12])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Fatalf("sampleRate=%d, want 16000", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != uint32(len(pcm)) {
		t.Fatalf("dataSize=%d, want %d", size, len(pcm))
	}
	if string(wav[44:]) != string(pcm) {
		t.Fatalf("payload not preserved")
	}
}

func TestSniffAudioFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"wav", PCMToWAVDefault([]byte{0, 0}), "wav"},
		{"mp3 id3", []byte("ID3\x04rest"), "mp3"},
		{"mp3 frame", []byte{0xFF, 0xFB, 0x90, 0x00}, "mp3"},
		{"ogg", []byte("OggS\x00\x00"), "ogg"},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00}, "webm"},
		{"unknown", []byte("plain text"), ""},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		if got := SniffAudioFormat(tc.data); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDecodeAudio_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := DecodeAudio("not base64!!"); err == nil {
		t.Fatalf("expected decode error")
	}
	data, err := DecodeAudio(EncodeAudio([]byte("clip")))
	if err != nil || string(data) != "clip" {
		t.Fatalf("round trip got %q, %v", data, err)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{9 * time.Second, "0:09"},
		{61 * time.Second, "1:01"},
		{10 * time.Minute, "10:00"},
		{-time.Second, "0:00"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.d); got != tc.want {
			t.Fatalf("FormatDuration(%v)=%q, want %q", tc.d, got, tc.want)
		}
	}
}
