package media

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/lecternlabs/lectern/internal/config"
)

// MockExtractor fabricates a second of silence instead of invoking
// ffmpeg, for development hosts without media tools installed.
type MockExtractor struct {
	sampleRate int
	channels   int
}

func NewMockExtractor(cfg config.ExtractConfig) *MockExtractor {
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	return &MockExtractor{sampleRate: sampleRate, channels: channels}
}

func (m *MockExtractor) Extract(_ context.Context, videoPath, outPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("stat video: %w", err)
	}
	return WriteSilenceWAV(outPath, m.sampleRate, m.channels, time.Second)
}

// MockDenoiser passes the audio through untouched.
type MockDenoiser struct{}

func (MockDenoiser) Denoise(_ context.Context, inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// WriteSilenceWAV writes dur of 16-bit PCM silence to path.
func WriteSilenceWAV(path string, sampleRate, channels int, dur time.Duration) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	frames := int(float64(sampleRate)*dur.Seconds() + 0.5)
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		f.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return f.Close()
}
