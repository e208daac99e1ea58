package pipeline

import (
	"time"

	"github.com/lecternlabs/lectern/internal/artifact"
)

// State is where a session sits in the pipeline. States are never
// stored: they are derived from which artifacts the session holds, so
// state and data cannot disagree.
type State string

const (
	StateEmpty          State = "empty"
	StateVideoUploaded  State = "video_uploaded"
	StateAudioExtracted State = "audio_extracted"
	StateNoiseRemoved   State = "noise_removed"
	StateTranscribed    State = "transcribed"
)

// Stage names one processing step.
type Stage string

const (
	StageUpload     Stage = "upload"
	StageExtract    Stage = "extract"
	StageDenoise    Stage = "denoise"
	StageTranscribe Stage = "transcribe"
)

// session holds the artifacts owned by one pipeline run. A transcript
// may legitimately be empty, so set-ness is tracked separately from
// the text.
type session struct {
	video       *artifact.Handle
	videoName   string
	audio       *artifact.Handle
	cleaned     *artifact.Handle
	transcript  string
	transcribed bool
}

func (s *session) state() State {
	switch {
	case s.transcribed:
		return StateTranscribed
	case s.cleaned != nil:
		return StateNoiseRemoved
	case s.audio != nil:
		return StateAudioExtracted
	case s.video != nil:
		return StateVideoUploaded
	default:
		return StateEmpty
	}
}

// ArtifactInfo is the externally visible description of one stored
// artifact.
type ArtifactInfo struct {
	ID     string `json:"id"`
	Suffix string `json:"suffix"`
	Size   int64  `json:"size"`
}

func artifactInfo(h *artifact.Handle) *ArtifactInfo {
	if h == nil {
		return nil
	}
	return &ArtifactInfo{ID: h.ID(), Suffix: h.Suffix(), Size: h.Size()}
}

// Snapshot is a point in time view of one session.
type Snapshot struct {
	SessionID   string        `json:"session_id"`
	State       State         `json:"state"`
	VideoName   string        `json:"video_name,omitempty"`
	Video       *ArtifactInfo `json:"video,omitempty"`
	Audio       *ArtifactInfo `json:"audio,omitempty"`
	Cleaned     *ArtifactInfo `json:"cleaned,omitempty"`
	Transcribed bool          `json:"transcribed"`
	Transcript  string        `json:"transcript,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
