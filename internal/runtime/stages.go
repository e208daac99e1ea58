package runtime

import (
	"fmt"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/media"
	"github.com/lecternlabs/lectern/internal/pipeline"
	"github.com/lecternlabs/lectern/internal/stt"
)

// BuildStages selects the configured backend for each pipeline stage.
// Config validation has already vetted the mode strings, so an unknown
// value here means validation and this switch drifted apart.
func BuildStages(cfg config.Config) (pipeline.Stages, error) {
	var stages pipeline.Stages

	switch cfg.Extract.Mode {
	case "ffmpeg":
		stages.Extractor = media.NewFFmpegExtractor(cfg.Extract)
	case "mock":
		stages.Extractor = media.NewMockExtractor(cfg.Extract)
	default:
		return stages, fmt.Errorf("unknown extract mode %q", cfg.Extract.Mode)
	}

	switch cfg.Denoise.Mode {
	case "ffmpeg":
		stages.Denoiser = media.NewFFmpegDenoiser(cfg.Denoise)
	case "exec":
		den, err := media.NewExecDenoiser(cfg.Denoise.Command)
		if err != nil {
			return stages, fmt.Errorf("denoise command: %w", err)
		}
		stages.Denoiser = den
	case "mock":
		stages.Denoiser = media.MockDenoiser{}
	default:
		return stages, fmt.Errorf("unknown denoise mode %q", cfg.Denoise.Mode)
	}

	switch cfg.STT.Mode {
	case "exec":
		tr, err := stt.NewExecTranscriber(cfg.STT)
		if err != nil {
			return stages, fmt.Errorf("stt command: %w", err)
		}
		stages.Transcriber = tr
	case "http":
		stages.Transcriber = stt.NewHTTPTranscriber(cfg.STT)
	case "mock":
		stages.Transcriber = stt.NewMockTranscriber()
	default:
		return stages, fmt.Errorf("unknown stt mode %q", cfg.STT.Mode)
	}

	return stages, nil
}
