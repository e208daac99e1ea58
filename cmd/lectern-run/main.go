// lectern-run drives one recording through the whole pipeline without
// the daemon: upload, extract, optional denoise, transcribe, export.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lecternlabs/lectern/internal/artifact"
	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/export"
	"github.com/lecternlabs/lectern/internal/pipeline"
	"github.com/lecternlabs/lectern/internal/runtime"
)

var version = "0.1.0-dev"

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorRed    = "\033[31m"
)

func info(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[info] "+colorReset+msg+"\n", a...)
}

func warn(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[warn] "+colorReset+msg+"\n", a...)
}

func ok(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[ok] "+colorReset+msg+"\n", a...)
}

func fail(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[error] "+colorReset+msg+"\n", a...)
}

func main() {
	var (
		configPath  string
		inPath      string
		outPath     string
		formatName  string
		skipDenoise bool
		keepAudio   string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults and env when empty)")
	flag.StringVar(&inPath, "input", "", "Input video file path (-i)")
	flag.StringVar(&inPath, "i", "", "Input video file path")
	flag.StringVar(&outPath, "output", "", "Output transcript file (-o, default derived from input)")
	flag.StringVar(&outPath, "o", "", "Output transcript file")
	flag.StringVar(&formatName, "format", "txt", "Export format: txt|csv|xlsx")
	flag.BoolVar(&skipDenoise, "skip-denoise", false, "Transcribe the raw extracted audio without noise reduction")
	flag.StringVar(&keepAudio, "keep-audio", "", "Directory to keep the intermediate WAV tracks in")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if inPath == "" {
		fail("missing --input/-i video path")
		os.Exit(2)
	}
	format, err := export.ParseFormat(formatName)
	if err != nil {
		fail("%v", err)
		os.Exit(2)
	}
	if outPath == "" {
		base := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
		outPath = base + "." + string(format)
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fail("load config: %v", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	stages, err := runtime.BuildStages(cfg)
	if err != nil {
		fail("configure stage backends: %v", err)
		os.Exit(1)
	}

	store, err := artifact.NewStore("", logger)
	if err != nil {
		fail("open artifact store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	ctrl := pipeline.NewController("local", store, stages, pipeline.Options{
		Logger: logger,
		Timeouts: pipeline.Timeouts{
			Extract:    time.Duration(cfg.Extract.TimeoutS) * time.Second,
			Denoise:    time.Duration(cfg.Denoise.TimeoutS) * time.Second,
			Transcribe: time.Duration(cfg.STT.TimeoutS) * time.Second,
		},
		MaxUploadBytes: int64(cfg.Store.MaxUploadMB) << 20,
		AllowedTypes:   cfg.Store.AllowedTypes,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, ctrl, inPath, outPath, format, skipDenoise, keepAudio); err != nil {
		fail("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, ctrl *pipeline.Controller, inPath, outPath string, format export.Format, skipDenoise bool, keepAudio string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if _, err := ctrl.Upload(ctx, data, filepath.Base(inPath)); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	info("Loaded %s (%d bytes)", inPath, len(data))

	info("Extracting audio...")
	if _, err := ctrl.ExtractAudio(ctx); err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}
	ok("Audio extracted")

	if skipDenoise {
		info("Skipping noise reduction")
	} else {
		info("Reducing noise...")
		if _, err := ctrl.Denoise(ctx); err != nil {
			warn("noise reduction failed, continuing with the raw track: %v", err)
		} else {
			ok("Noise reduced")
		}
	}

	info("Transcribing...")
	if _, err := ctrl.Transcribe(ctx); err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	text, err := ctrl.Transcript()
	if err != nil {
		return fmt.Errorf("transcript: %w", err)
	}
	if text == "" {
		warn("transcription produced no text")
	} else {
		ok("Transcription done: %d characters", len(text))
	}

	out, err := ctrl.Export(format)
	if err != nil {
		return fmt.Errorf("render %s: %w", format, err)
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	ok("Wrote %s", outPath)

	if keepAudio != "" {
		if err := saveAudioTracks(ctrl, keepAudio); err != nil {
			warn("keeping audio tracks: %v", err)
		}
	}
	return nil
}

func saveAudioTracks(ctrl *pipeline.Controller, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, variant := range []pipeline.AudioVariant{pipeline.AudioExtracted, pipeline.AudioCleaned} {
		data, err := ctrl.ReadAudio(variant)
		if err != nil {
			continue
		}
		path := filepath.Join(dir, string(variant)+".wav")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		ok("Kept %s", path)
	}
	return nil
}
