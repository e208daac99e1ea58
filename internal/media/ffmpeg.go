package media

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lecternlabs/lectern/internal/config"
)

// FFmpegExtractor pulls the audio track out of a video container and
// writes 16-bit PCM WAV shaped for speech recognition.
type FFmpegExtractor struct {
	path       string
	sampleRate int
	channels   int
	run        runner
}

func NewFFmpegExtractor(cfg config.ExtractConfig) *FFmpegExtractor {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	return &FFmpegExtractor{path: path, sampleRate: sampleRate, channels: channels, run: execRunner{}}
}

func (e *FFmpegExtractor) Extract(ctx context.Context, videoPath, outPath string) error {
	args := extractArgs(videoPath, outPath, e.sampleRate, e.channels)
	res, err := e.run.Run(ctx, e.path, args...)
	if err != nil {
		return toolError("ffmpeg", err, res)
	}
	return requireOutput(outPath, "ffmpeg")
}

func extractArgs(in, out string, sampleRate, channels int) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-vn",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s16le",
		out,
	}
}

// FFmpegDenoiser runs audio through an ffmpeg filter chain, afftdn by
// default. The output must keep the input's sample rate, channel count
// and duration; Denoise verifies that before reporting success.
type FFmpegDenoiser struct {
	path   string
	filter string
	run    runner
}

func NewFFmpegDenoiser(cfg config.DenoiseConfig) *FFmpegDenoiser {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	filter := cfg.Filter
	if filter == "" {
		filter = "afftdn=nr=12:nf=-25"
	}
	return &FFmpegDenoiser{path: path, filter: filter, run: execRunner{}}
}

func (d *FFmpegDenoiser) Denoise(ctx context.Context, inPath, outPath string) error {
	info, err := ProbeWAV(inPath)
	if err != nil {
		return fmt.Errorf("probe input: %w", err)
	}
	args := denoiseArgs(inPath, outPath, d.filter, info.SampleRate, info.Channels)
	res, err := d.run.Run(ctx, d.path, args...)
	if err != nil {
		return toolError("ffmpeg", err, res)
	}
	if err := requireOutput(outPath, "ffmpeg"); err != nil {
		return err
	}
	return VerifyDenoiseContract(inPath, outPath)
}

func denoiseArgs(in, out, filter string, sampleRate, channels int) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-af", filter,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s16le",
		out,
	}
}
