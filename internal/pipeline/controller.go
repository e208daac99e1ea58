// Package pipeline drives a classroom recording through its processing
// stages: video upload, audio extraction, noise reduction and
// transcription. The Controller owns one session's artifacts and gates
// each stage on the state implied by what the session already holds.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lecternlabs/lectern/internal/artifact"
	"github.com/lecternlabs/lectern/internal/export"
	"github.com/lecternlabs/lectern/internal/protocol"
)

// Extractor pulls the audio track out of videoPath and writes a WAV
// file at outPath.
type Extractor interface {
	Extract(ctx context.Context, videoPath, outPath string) error
}

// Denoiser writes a noise reduced copy of inPath at outPath without
// changing duration, sample rate or channel count.
type Denoiser interface {
	Denoise(ctx context.Context, inPath, outPath string) error
}

// Transcriber produces a transcript for the audio file at audioPath.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Publisher broadcasts session lifecycle events. Publish failures are
// logged, never fatal.
type Publisher interface {
	PublishStageEvent(evt protocol.StageEvent) error
}

// NopPublisher drops events, for batch runs without a bus.
type NopPublisher struct{}

func (NopPublisher) PublishStageEvent(protocol.StageEvent) error { return nil }

// Stages bundles the three processing backends a session needs.
type Stages struct {
	Extractor   Extractor
	Denoiser    Denoiser
	Transcriber Transcriber
}

// Timeouts bounds each stage's wall time. Zero means unbounded.
type Timeouts struct {
	Extract    time.Duration
	Denoise    time.Duration
	Transcribe time.Duration
}

// Options tunes a Controller beyond its required collaborators.
type Options struct {
	Publisher      Publisher
	Logger         *slog.Logger
	Metrics        *Metrics
	Timeouts       Timeouts
	MaxUploadBytes int64    // 0 means unlimited
	AllowedTypes   []string // video file extensions, with or without dot
	Clock          func() time.Time
}

var defaultAllowedTypes = []string{".mp4", ".mov", ".avi", ".mkv"}

// Controller walks one session through the pipeline. Methods are safe
// for concurrent use; stage work runs under the session lock, so at
// most one stage executes per session at a time. A stage failure
// leaves the session exactly as it was, ready for a retry.
type Controller struct {
	id             string
	store          *artifact.Store
	stages         Stages
	pub            Publisher
	log            *slog.Logger
	metrics        *Metrics
	tracer         trace.Tracer
	timeouts       Timeouts
	maxUploadBytes int64
	allowed        map[string]struct{}
	clock          func() time.Time

	mu        sync.Mutex
	sess      session
	updatedAt atomic.Int64 // unix nanos of the last mutation
	snap      atomic.Value // Snapshot, readable without the lock
}

func NewController(id string, store *artifact.Store, stages Stages, opts Options) *Controller {
	pub := opts.Publisher
	if pub == nil {
		pub = NopPublisher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	types := opts.AllowedTypes
	if len(types) == 0 {
		types = defaultAllowedTypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		ext := strings.ToLower(strings.TrimSpace(t))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	c := &Controller{
		id:             id,
		store:          store,
		stages:         stages,
		pub:            pub,
		log:            logger.With(slog.String("component", "pipeline"), slog.String("session_id", id)),
		metrics:        opts.Metrics,
		tracer:         otel.Tracer("github.com/lecternlabs/lectern/pipeline"),
		timeouts:       opts.Timeouts,
		maxUploadBytes: opts.MaxUploadBytes,
		allowed:        allowed,
		clock:          clock,
	}
	c.updatedAt.Store(clock().UnixNano())
	c.snap.Store(c.buildSnapshot())
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// LastActivity reports when the session last changed. It never blocks,
// even while a stage is running.
func (c *Controller) LastActivity() time.Time {
	return time.Unix(0, c.updatedAt.Load())
}

// Snapshot returns the session's last committed view. It never blocks:
// while a stage runs it reports the state the stage started from.
func (c *Controller) Snapshot() Snapshot {
	return c.snap.Load().(Snapshot)
}

// Upload accepts a new source video, invalidating everything derived
// from a previous one. Validation failures leave the session untouched.
func (c *Controller) Upload(ctx context.Context, data []byte, filename string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := c.allowed[ext]; !ok {
		return c.Snapshot(), fmt.Errorf("%w: %q", ErrUnsupportedMedia, ext)
	}
	if c.maxUploadBytes > 0 && int64(len(data)) > c.maxUploadBytes {
		return c.Snapshot(), fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, len(data))
	}

	handle, err := c.store.Put(data, ext)
	if err != nil {
		c.publishLocked(protocol.EventStageFailed, StageUpload, err.Error())
		return c.Snapshot(), fmt.Errorf("store video: %w", err)
	}

	stale := []*artifact.Handle{c.sess.video, c.sess.audio, c.sess.cleaned}
	c.sess = session{video: handle, videoName: filepath.Base(filename)}
	c.releaseLocked(stale)
	c.metrics.recordUpload(ctx, handle.Size())
	c.log.Info("video uploaded",
		slog.String("file", c.sess.videoName),
		slog.Int64("bytes", handle.Size()))
	c.publishLocked(protocol.EventStageSucceeded, StageUpload, c.sess.videoName)
	return c.commitLocked(), nil
}

// ExtractAudio derives the speech ready WAV track from the uploaded
// video. Re-running replaces the extracted audio and drops everything
// derived from the previous track.
func (c *Controller) ExtractAudio(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.video == nil {
		return c.Snapshot(), fmt.Errorf("extract audio: %w", ErrInvalidState)
	}
	videoPath, err := c.store.Path(c.sess.video)
	if err != nil {
		return c.Snapshot(), fmt.Errorf("resolve video: %w", err)
	}

	handle, err := c.runFileStage(ctx, StageExtract, c.timeouts.Extract, "audio.wav",
		func(ctx context.Context, outPath string) error {
			return c.stages.Extractor.Extract(ctx, videoPath, outPath)
		})
	if err != nil {
		return c.commitLocked(), err
	}

	stale := []*artifact.Handle{c.sess.audio, c.sess.cleaned}
	c.sess.audio = handle
	c.sess.cleaned = nil
	c.sess.transcript = ""
	c.sess.transcribed = false
	c.releaseLocked(stale)
	c.publishLocked(protocol.EventStageSucceeded, StageExtract, "")
	return c.commitLocked(), nil
}

// Denoise runs noise reduction over the extracted audio. Re-running
// replaces the cleaned track and clears any transcript derived from
// the old one. The raw extracted audio is kept.
func (c *Controller) Denoise(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.audio == nil {
		return c.Snapshot(), fmt.Errorf("denoise: %w", ErrInvalidState)
	}
	inPath, err := c.store.Path(c.sess.audio)
	if err != nil {
		return c.Snapshot(), fmt.Errorf("resolve audio: %w", err)
	}

	handle, err := c.runFileStage(ctx, StageDenoise, c.timeouts.Denoise, "cleaned.wav",
		func(ctx context.Context, outPath string) error {
			return c.stages.Denoiser.Denoise(ctx, inPath, outPath)
		})
	if err != nil {
		return c.commitLocked(), err
	}

	stale := []*artifact.Handle{c.sess.cleaned}
	c.sess.cleaned = handle
	c.sess.transcript = ""
	c.sess.transcribed = false
	c.releaseLocked(stale)
	c.publishLocked(protocol.EventStageSucceeded, StageDenoise, "")
	return c.commitLocked(), nil
}

// Transcribe produces text from the best available audio, preferring
// the cleaned track when one exists. An empty transcript is a valid
// outcome and still marks the session transcribed.
func (c *Controller) Transcribe(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	source := c.sess.cleaned
	if source == nil {
		source = c.sess.audio
	}
	if source == nil {
		return c.Snapshot(), fmt.Errorf("transcribe: %w", ErrInvalidState)
	}
	audioPath, err := c.store.Path(source)
	if err != nil {
		return c.Snapshot(), fmt.Errorf("resolve audio: %w", err)
	}

	start := c.clock()
	c.publishLocked(protocol.EventStageStarted, StageTranscribe, "")
	sctx, span := c.tracer.Start(ctx, "pipeline.transcribe",
		trace.WithAttributes(attribute.String("session_id", c.id)))
	defer span.End()
	if c.timeouts.Transcribe > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, c.timeouts.Transcribe)
		defer cancel()
	}

	text, err := c.stages.Transcriber.Transcribe(sctx, audioPath)
	if err != nil {
		return c.commitLocked(), c.failStageLocked(sctx, span, StageTranscribe, start, err)
	}

	elapsed := c.clock().Sub(start)
	c.metrics.recordStage(sctx, StageTranscribe, "success", elapsed)
	span.SetStatus(codes.Ok, "")
	c.sess.transcript = text
	c.sess.transcribed = true
	c.log.Info("stage completed",
		slog.String("stage", string(StageTranscribe)),
		slog.Duration("elapsed", elapsed),
		slog.Int("chars", len(text)))
	c.publishLocked(protocol.EventStageSucceeded, StageTranscribe, "")
	return c.commitLocked(), nil
}

// Transcript returns the transcript text. Before transcription has
// succeeded it fails with ErrNoTranscript; afterwards an empty string
// is a valid result.
func (c *Controller) Transcript() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sess.transcribed {
		return "", ErrNoTranscript
	}
	return c.sess.transcript, nil
}

// Export renders the transcript in the requested format.
func (c *Controller) Export(format export.Format) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sess.transcribed {
		return nil, ErrNoTranscript
	}
	return export.Render(format, c.sess.transcript)
}

// ReadVideo returns the uploaded source video and its original name.
func (c *Controller) ReadVideo() ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.video == nil {
		return nil, "", fmt.Errorf("video: %w", artifact.ErrNotFound)
	}
	data, err := c.store.Read(c.sess.video)
	if err != nil {
		return nil, "", err
	}
	return data, c.sess.videoName, nil
}

// AudioVariant selects which audio track to read.
type AudioVariant string

const (
	AudioExtracted AudioVariant = "extracted"
	AudioCleaned   AudioVariant = "cleaned"
)

// ReadAudio returns the requested audio track's bytes.
func (c *Controller) ReadAudio(variant AudioVariant) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var h *artifact.Handle
	switch variant {
	case AudioExtracted:
		h = c.sess.audio
	case AudioCleaned:
		h = c.sess.cleaned
	default:
		return nil, fmt.Errorf("unknown audio variant %q", variant)
	}
	if h == nil {
		return nil, fmt.Errorf("%s audio: %w", variant, artifact.ErrNotFound)
	}
	return c.store.Read(h)
}

// Reset releases every artifact and returns the session to empty.
// Release failures are logged and surfaced as a warning event but
// never block the reset.
func (c *Controller) Reset() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := []*artifact.Handle{c.sess.video, c.sess.audio, c.sess.cleaned}
	c.sess = session{}
	c.releaseLocked(stale)
	c.publishLocked(protocol.EventSessionReset, "", "")
	c.log.Info("session reset")
	return c.commitLocked()
}

// runFileStage executes one artifact producing stage: scratch dir,
// stage function, adopt the output into the store. On failure the
// session is untouched and the caller gets a *StageError.
func (c *Controller) runFileStage(ctx context.Context, stage Stage, timeout time.Duration, outName string, fn func(ctx context.Context, outPath string) error) (*artifact.Handle, error) {
	start := c.clock()
	c.publishLocked(protocol.EventStageStarted, stage, "")

	sctx, span := c.tracer.Start(ctx, "pipeline."+string(stage),
		trace.WithAttributes(attribute.String("session_id", c.id)))
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, timeout)
		defer cancel()
	}

	scratch, err := os.MkdirTemp("", "lectern-"+string(stage)+"-*")
	if err != nil {
		return nil, c.failStageLocked(sctx, span, stage, start, fmt.Errorf("scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	outPath := filepath.Join(scratch, outName)
	if err := fn(sctx, outPath); err != nil {
		return nil, c.failStageLocked(sctx, span, stage, start, err)
	}

	handle, err := c.store.Adopt(outPath, filepath.Ext(outName))
	if err != nil {
		return nil, c.failStageLocked(sctx, span, stage, start, err)
	}

	elapsed := c.clock().Sub(start)
	c.metrics.recordStage(sctx, stage, "success", elapsed)
	span.SetStatus(codes.Ok, "")
	c.log.Info("stage completed",
		slog.String("stage", string(stage)),
		slog.Duration("elapsed", elapsed),
		slog.Int64("bytes", handle.Size()))
	return handle, nil
}

func (c *Controller) failStageLocked(ctx context.Context, span trace.Span, stage Stage, start time.Time, err error) error {
	stageErr := &StageError{Stage: stage, Err: err}
	elapsed := c.clock().Sub(start)
	c.metrics.recordStage(ctx, stage, "failure", elapsed)
	span.RecordError(stageErr)
	span.SetStatus(codes.Error, stageErr.Error())
	c.log.Error("stage failed",
		slog.String("stage", string(stage)),
		slog.Duration("elapsed", elapsed),
		slogError(err))
	c.publishLocked(protocol.EventStageFailed, stage, err.Error())
	return stageErr
}

func (c *Controller) releaseLocked(handles []*artifact.Handle) {
	if err := c.store.ReleaseAll(handles...); err != nil {
		c.log.Warn("failed to release artifacts", slogError(err))
		c.publishLocked(protocol.EventWarning, "", fmt.Sprintf("artifact release: %v", err))
	}
}

func (c *Controller) publishLocked(evtType protocol.EventType, stage Stage, message string) {
	evt := protocol.StageEvent{
		SessionID: c.id,
		Type:      evtType,
		Stage:     string(stage),
		State:     string(c.sess.state()),
		Message:   message,
		Timestamp: c.clock().UTC(),
	}
	if err := c.pub.PublishStageEvent(evt); err != nil {
		c.log.Warn("failed to publish stage event", slogError(err))
	}
}

// commitLocked refreshes the lock free snapshot after a mutation and
// returns it.
func (c *Controller) commitLocked() Snapshot {
	c.updatedAt.Store(c.clock().UnixNano())
	snap := c.buildSnapshot()
	c.snap.Store(snap)
	return snap
}

func (c *Controller) buildSnapshot() Snapshot {
	return Snapshot{
		SessionID:   c.id,
		State:       c.sess.state(),
		VideoName:   c.sess.videoName,
		Video:       artifactInfo(c.sess.video),
		Audio:       artifactInfo(c.sess.audio),
		Cleaned:     artifactInfo(c.sess.cleaned),
		Transcribed: c.sess.transcribed,
		Transcript:  c.sess.transcript,
		UpdatedAt:   time.Unix(0, c.updatedAt.Load()),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
