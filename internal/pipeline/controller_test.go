package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lecternlabs/lectern/internal/artifact"
	"github.com/lecternlabs/lectern/internal/export"
	"github.com/lecternlabs/lectern/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeExtractor struct {
	err       error
	calls     int
	lastVideo string
}

func (f *fakeExtractor) Extract(_ context.Context, videoPath, outPath string) error {
	f.calls++
	f.lastVideo = videoPath
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outPath, []byte("raw-audio"), 0o644)
}

type fakeDenoiser struct {
	err    error
	calls  int
	lastIn string
}

func (f *fakeDenoiser) Denoise(_ context.Context, inPath, outPath string) error {
	f.calls++
	f.lastIn = inPath
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append([]byte("clean:"), data...), 0o644)
}

type fakeTranscriber struct {
	text      string
	err       error
	calls     int
	lastBytes []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath string) (string, error) {
	f.calls++
	f.lastBytes, _ = os.ReadFile(audioPath)
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []protocol.StageEvent
}

func (p *capturePublisher) PublishStageEvent(evt protocol.StageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) all() []protocol.StageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.StageEvent{}, p.events...)
}

type testRig struct {
	store       *artifact.Store
	extractor   *fakeExtractor
	denoiser    *fakeDenoiser
	transcriber *fakeTranscriber
	publisher   *capturePublisher
	ctrl        *Controller
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rig := &testRig{
		store:       store,
		extractor:   &fakeExtractor{},
		denoiser:    &fakeDenoiser{},
		transcriber: &fakeTranscriber{text: "hello class"},
		publisher:   &capturePublisher{},
	}
	rig.ctrl = NewController("sess-1", store, Stages{
		Extractor:   rig.extractor,
		Denoiser:    rig.denoiser,
		Transcriber: rig.transcriber,
	}, Options{
		Publisher: rig.publisher,
		Logger:    testLogger(),
	})
	return rig
}

func mustUpload(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	snap, err := c.Upload(context.Background(), []byte("fake video bytes"), "lecture.mp4")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return snap
}

func TestFreshSessionIsEmpty(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.ctrl.Snapshot()
	if snap.State != StateEmpty {
		t.Fatalf("state = %q, want %q", snap.State, StateEmpty)
	}
	if snap.Video != nil || snap.Audio != nil || snap.Cleaned != nil {
		t.Fatalf("fresh session should hold no artifacts: %+v", snap)
	}
}

func TestUploadMovesToVideoUploaded(t *testing.T) {
	rig := newTestRig(t)
	snap := mustUpload(t, rig.ctrl)

	if snap.State != StateVideoUploaded {
		t.Fatalf("state = %q, want %q", snap.State, StateVideoUploaded)
	}
	if snap.Video == nil || snap.Video.Size != int64(len("fake video bytes")) {
		t.Fatalf("video artifact missing or wrong size: %+v", snap.Video)
	}
	if snap.VideoName != "lecture.mp4" {
		t.Fatalf("video name = %q", snap.VideoName)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.ctrl.Upload(context.Background(), []byte("gif"), "loop.gif")
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("err = %v, want ErrUnsupportedMedia", err)
	}
	if rig.ctrl.Snapshot().State != StateEmpty {
		t.Fatalf("rejected upload must not change state")
	}
}

func TestUploadAcceptsUppercaseExtension(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.ctrl.Upload(context.Background(), []byte("v"), "LECTURE.MP4"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
}

func TestUploadEnforcesSizeCap(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctrl := NewController("s", store, Stages{}, Options{
		Logger:         testLogger(),
		MaxUploadBytes: 4,
	})
	_, err = ctrl.Upload(context.Background(), []byte("12345"), "big.mp4")
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("err = %v, want ErrUploadTooLarge", err)
	}
}

func TestFullPipelineWalk(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)

	snap, err := rig.ctrl.ExtractAudio(ctx)
	if err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	if snap.State != StateAudioExtracted {
		t.Fatalf("state = %q, want %q", snap.State, StateAudioExtracted)
	}
	if snap.Audio == nil {
		t.Fatal("audio artifact missing after extract")
	}

	snap, err = rig.ctrl.Denoise(ctx)
	if err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	if snap.State != StateNoiseRemoved {
		t.Fatalf("state = %q, want %q", snap.State, StateNoiseRemoved)
	}
	if snap.Cleaned == nil {
		t.Fatal("cleaned artifact missing after denoise")
	}
	if snap.Audio == nil {
		t.Fatal("denoise must keep the raw extracted audio")
	}

	snap, err = rig.ctrl.Transcribe(ctx)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if snap.State != StateTranscribed {
		t.Fatalf("state = %q, want %q", snap.State, StateTranscribed)
	}
	text, err := rig.ctrl.Transcript()
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if text != "hello class" {
		t.Fatalf("transcript = %q", text)
	}
}

func TestStageGating(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.ctrl.ExtractAudio(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("extract on empty session: err = %v, want ErrInvalidState", err)
	}
	if _, err := rig.ctrl.Denoise(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("denoise on empty session: err = %v, want ErrInvalidState", err)
	}
	if _, err := rig.ctrl.Transcribe(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("transcribe on empty session: err = %v, want ErrInvalidState", err)
	}
	if _, err := rig.ctrl.Transcript(); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("transcript on empty session: err = %v, want ErrNoTranscript", err)
	}
	if _, err := rig.ctrl.Export(export.FormatCSV); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("export on empty session: err = %v, want ErrNoTranscript", err)
	}

	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.Denoise(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("denoise before extract: err = %v, want ErrInvalidState", err)
	}
	if _, err := rig.ctrl.Transcribe(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("transcribe before extract: err = %v, want ErrInvalidState", err)
	}
}

func TestTranscribePrefersCleanedAudio(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	if _, err := rig.ctrl.Denoise(ctx); err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	if _, err := rig.ctrl.Transcribe(ctx); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !strings.HasPrefix(string(rig.transcriber.lastBytes), "clean:") {
		t.Fatalf("transcriber should read the cleaned track, got %q", rig.transcriber.lastBytes)
	}
}

func TestTranscribeWithoutDenoiseUsesRawAudio(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	snap, err := rig.ctrl.Transcribe(ctx)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if snap.State != StateTranscribed {
		t.Fatalf("state = %q, want %q", snap.State, StateTranscribed)
	}
	if string(rig.transcriber.lastBytes) != "raw-audio" {
		t.Fatalf("transcriber should read the raw track, got %q", rig.transcriber.lastBytes)
	}
	if rig.denoiser.calls != 0 {
		t.Fatalf("denoiser should not run, calls = %d", rig.denoiser.calls)
	}
}

func TestEmptyTranscriptIsValid(t *testing.T) {
	rig := newTestRig(t)
	rig.transcriber.text = ""
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	snap, err := rig.ctrl.Transcribe(ctx)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if snap.State != StateTranscribed {
		t.Fatalf("empty transcript must still mark the session transcribed, state = %q", snap.State)
	}
	text, err := rig.ctrl.Transcript()
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if text != "" {
		t.Fatalf("transcript = %q, want empty", text)
	}
	if _, err := rig.ctrl.Export(export.FormatCSV); err != nil {
		t.Fatalf("Export of empty transcript: %v", err)
	}
}

func TestReUploadInvalidatesEverything(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	if _, err := rig.ctrl.Denoise(ctx); err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	if _, err := rig.ctrl.Transcribe(ctx); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	before := rig.ctrl.Snapshot()

	snap, err := rig.ctrl.Upload(ctx, []byte("second video"), "retake.mov")
	if err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if snap.State != StateVideoUploaded {
		t.Fatalf("state = %q, want %q", snap.State, StateVideoUploaded)
	}
	if snap.Audio != nil || snap.Cleaned != nil || snap.Transcribed {
		t.Fatalf("derived artifacts must be dropped on re-upload: %+v", snap)
	}
	if snap.Video.ID == before.Video.ID {
		t.Fatal("re-upload must mint a fresh video artifact")
	}
	if _, err := rig.ctrl.Transcript(); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("transcript must be cleared, err = %v", err)
	}
	// the store must no longer hold the old files
	if _, err := rig.ctrl.ReadAudio(AudioExtracted); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("old audio should be gone, err = %v", err)
	}
}

func TestReExtractDropsDerivedArtifacts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	if _, err := rig.ctrl.Denoise(ctx); err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	if _, err := rig.ctrl.Transcribe(ctx); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	firstAudio := rig.ctrl.Snapshot().Audio.ID

	snap, err := rig.ctrl.ExtractAudio(ctx)
	if err != nil {
		t.Fatalf("second ExtractAudio: %v", err)
	}
	if snap.State != StateAudioExtracted {
		t.Fatalf("state = %q, want %q", snap.State, StateAudioExtracted)
	}
	if snap.Cleaned != nil {
		t.Fatal("cleaned track must be dropped on re-extract")
	}
	if snap.Transcribed {
		t.Fatal("transcript must be dropped on re-extract")
	}
	if snap.Audio.ID == firstAudio {
		t.Fatal("re-extract must mint a fresh audio artifact")
	}
	if snap.Video == nil {
		t.Fatal("re-extract must keep the uploaded video")
	}
}

func TestReDenoiseClearsTranscript(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	if _, err := rig.ctrl.Denoise(ctx); err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	if _, err := rig.ctrl.Transcribe(ctx); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	snap, err := rig.ctrl.Denoise(ctx)
	if err != nil {
		t.Fatalf("second Denoise: %v", err)
	}
	if snap.State != StateNoiseRemoved {
		t.Fatalf("state = %q, want %q", snap.State, StateNoiseRemoved)
	}
	if snap.Transcribed {
		t.Fatal("transcript derived from the old cleaned track must be dropped")
	}
}

func TestStageFailureLeavesStateUntouched(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)

	rig.extractor.err = errors.New("no audio stream")
	_, err := rig.ctrl.ExtractAudio(ctx)
	if err == nil {
		t.Fatal("expected extraction failure")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("err = %T, want *StageError", err)
	}
	if stageErr.Stage != StageExtract {
		t.Fatalf("stage = %q, want %q", stageErr.Stage, StageExtract)
	}
	if rig.ctrl.Snapshot().State != StateVideoUploaded {
		t.Fatalf("failed stage must leave state, got %q", rig.ctrl.Snapshot().State)
	}

	// a retry after the tool recovers succeeds
	rig.extractor.err = nil
	snap, err := rig.ctrl.ExtractAudio(ctx)
	if err != nil {
		t.Fatalf("retry ExtractAudio: %v", err)
	}
	if snap.State != StateAudioExtracted {
		t.Fatalf("retry state = %q, want %q", snap.State, StateAudioExtracted)
	}
}

func TestTranscribeFailureKeepsAudio(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}

	rig.transcriber.err = errors.New("model not loaded")
	_, err := rig.ctrl.Transcribe(ctx)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageTranscribe {
		t.Fatalf("err = %v, want transcribe StageError", err)
	}
	snap := rig.ctrl.Snapshot()
	if snap.State != StateAudioExtracted {
		t.Fatalf("state = %q, want %q", snap.State, StateAudioExtracted)
	}
	if snap.Transcribed {
		t.Fatal("failed transcription must not mark the session transcribed")
	}
}

func TestResetReleasesEverything(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	if _, err := rig.ctrl.Denoise(ctx); err != nil {
		t.Fatalf("Denoise: %v", err)
	}

	snap := rig.ctrl.Reset()
	if snap.State != StateEmpty {
		t.Fatalf("state = %q, want %q", snap.State, StateEmpty)
	}
	if _, _, err := rig.ctrl.ReadVideo(); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("video should be gone after reset, err = %v", err)
	}
	if _, err := rig.ctrl.ReadAudio(AudioExtracted); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("audio should be gone after reset, err = %v", err)
	}

	// resetting an empty session stays quiet
	if snap := rig.ctrl.Reset(); snap.State != StateEmpty {
		t.Fatalf("double reset state = %q", snap.State)
	}
}

func TestReadAudioVariants(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}

	raw, err := rig.ctrl.ReadAudio(AudioExtracted)
	if err != nil {
		t.Fatalf("ReadAudio(extracted): %v", err)
	}
	if string(raw) != "raw-audio" {
		t.Fatalf("extracted audio = %q", raw)
	}
	if _, err := rig.ctrl.ReadAudio(AudioCleaned); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("cleaned before denoise: err = %v, want ErrNotFound", err)
	}
	if _, err := rig.ctrl.ReadAudio(AudioVariant("slow")); err == nil {
		t.Fatal("unknown variant must fail")
	}

	if _, err := rig.ctrl.Denoise(ctx); err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	cleaned, err := rig.ctrl.ReadAudio(AudioCleaned)
	if err != nil {
		t.Fatalf("ReadAudio(cleaned): %v", err)
	}
	if !strings.HasPrefix(string(cleaned), "clean:") {
		t.Fatalf("cleaned audio = %q", cleaned)
	}
}

func TestReadVideoReturnsOriginalName(t *testing.T) {
	rig := newTestRig(t)
	mustUpload(t, rig.ctrl)

	data, name, err := rig.ctrl.ReadVideo()
	if err != nil {
		t.Fatalf("ReadVideo: %v", err)
	}
	if string(data) != "fake video bytes" {
		t.Fatalf("video bytes = %q", data)
	}
	if name != "lecture.mp4" {
		t.Fatalf("video name = %q", name)
	}
}

func TestExportFormats(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	if _, err := rig.ctrl.Transcribe(ctx); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	txt, err := rig.ctrl.Export(export.FormatText)
	if err != nil {
		t.Fatalf("Export txt: %v", err)
	}
	if string(txt) != "hello class" {
		t.Fatalf("txt export = %q", txt)
	}
	csvOut, err := rig.ctrl.Export(export.FormatCSV)
	if err != nil {
		t.Fatalf("Export csv: %v", err)
	}
	want := "Timestamp,Speaker,Text\nFull Recording,Unknown,hello class\n"
	if string(csvOut) != want {
		t.Fatalf("csv export = %q, want %q", csvOut, want)
	}
}

func TestStageEventsFollowLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	if _, err := rig.ctrl.ExtractAudio(ctx); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	rig.ctrl.Reset()

	events := rig.publisher.all()
	var kinds []string
	for _, evt := range events {
		kinds = append(kinds, string(evt.Type)+"/"+evt.Stage)
	}
	want := []string{
		"stage_succeeded/upload",
		"stage_started/extract",
		"stage_succeeded/extract",
		"session_reset/",
	}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, kinds[i], want[i], kinds)
		}
	}

	// the succeeded event carries the post-stage state
	if events[2].State != string(StateAudioExtracted) {
		t.Fatalf("extract succeeded state = %q, want %q", events[2].State, StateAudioExtracted)
	}
	for _, evt := range events {
		if evt.SessionID != "sess-1" {
			t.Fatalf("event session id = %q", evt.SessionID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("event timestamp must be set")
		}
	}
}

func TestFailureEventPublished(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	mustUpload(t, rig.ctrl)
	rig.extractor.err = errors.New("boom")
	if _, err := rig.ctrl.ExtractAudio(ctx); err == nil {
		t.Fatal("expected failure")
	}

	events := rig.publisher.all()
	last := events[len(events)-1]
	if last.Type != protocol.EventStageFailed || last.Stage != string(StageExtract) {
		t.Fatalf("last event = %+v, want extract failure", last)
	}
	if !strings.Contains(last.Message, "boom") {
		t.Fatalf("failure event should carry the cause, got %q", last.Message)
	}
	if last.State != string(StateVideoUploaded) {
		t.Fatalf("failure event state = %q, want unchanged %q", last.State, StateVideoUploaded)
	}
}
