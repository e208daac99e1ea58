package media

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/wav"
)

// AudioInfo summarizes a WAV file's format header.
type AudioInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// ProbeWAV reads the RIFF header of the file at path without decoding
// the payload.
func ProbeWAV(path string) (AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return AudioInfo{}, fmt.Errorf("%s is not a valid wav file", filepath.Base(path))
	}
	dur, err := dec.Duration()
	if err != nil {
		return AudioInfo{}, fmt.Errorf("wav duration: %w", err)
	}
	return AudioInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Duration:   dur,
	}, nil
}

// maxDurationDrift tolerates the padding some filters add at the tail
// of the final frame.
const maxDurationDrift = 25 * time.Millisecond

// VerifyDenoiseContract confirms a denoise pass preserved the audio
// shape: same sample rate, same channel count, duration within
// maxDurationDrift of the original.
func VerifyDenoiseContract(inPath, outPath string) error {
	in, err := ProbeWAV(inPath)
	if err != nil {
		return fmt.Errorf("probe original: %w", err)
	}
	out, err := ProbeWAV(outPath)
	if err != nil {
		return fmt.Errorf("probe denoised: %w", err)
	}
	if out.SampleRate != in.SampleRate {
		return fmt.Errorf("denoise changed sample rate from %d to %d", in.SampleRate, out.SampleRate)
	}
	if out.Channels != in.Channels {
		return fmt.Errorf("denoise changed channel count from %d to %d", in.Channels, out.Channels)
	}
	drift := out.Duration - in.Duration
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDurationDrift {
		return fmt.Errorf("denoise changed duration by %s (in %s, out %s)", drift, in.Duration, out.Duration)
	}
	return nil
}
