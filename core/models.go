package core

import (
	"encoding/binary"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// SchemaVersion is the current version stamped on every persisted document.
// Loads of older versions run through the registered migrations first.
const SchemaVersion = 1

// MediaType identifies the kind of media items a chunk file holds.
type MediaType string

const (
	// MediaScreenshots is the chunk stream of screenshot records.
	MediaScreenshots MediaType = "screenshots"
	// MediaAudio is the chunk stream of audio segment records.
	MediaAudio MediaType = "audio"
	// MediaVideo is the chunk stream of video chunk records.
	MediaVideo MediaType = "video"
)

// Chunk capacities per media type. A chunk file is append-only until it
// holds this many items, at which point it is sealed and the next chunk
// index is opened.
const (
	ScreenshotChunkCapacity = 20
	AudioChunkCapacity      = 100
	VideoChunkCapacity      = 100
)

// ChunkCapacity returns the per-file item capacity for a media type.
// Returns 0 for unknown media types.
func ChunkCapacity(mt MediaType) int {
	switch mt {
	case MediaScreenshots:
		return ScreenshotChunkCapacity
	case MediaAudio:
		return AudioChunkCapacity
	case MediaVideo:
		return VideoChunkCapacity
	}
	return 0
}

// SessionStatus describes the lifecycle state of a session.
type SessionStatus string

const (
	// StatusRecording marks a session that is still receiving appends.
	StatusRecording SessionStatus = "recording"
	// StatusCompleted marks a session whose recording has ended.
	StatusCompleted SessionStatus = "completed"
	// StatusArchived marks a session retained for reference only.
	StatusArchived SessionStatus = "archived"
)

// ChunkCounts describes one media stream of a session: how many items
// it holds in total and across how many chunk files.
type ChunkCounts struct {
	Count      int `json:"count"`
	ChunkCount int `json:"chunkCount"`
}

// SessionChunks holds the per-type chunk descriptors of a session.
type SessionChunks struct {
	Screenshots ChunkCounts `json:"screenshots"`
	Audio       ChunkCounts `json:"audio"`
	Video       ChunkCounts `json:"video"`
}

// ByType returns the chunk descriptor for a media type, or nil for an
// unknown type.
func (c *SessionChunks) ByType(mt MediaType) *ChunkCounts {
	switch mt {
	case MediaScreenshots:
		return &c.Screenshots
	case MediaAudio:
		return &c.Audio
	case MediaVideo:
		return &c.Video
	}
	return nil
}

// SessionMeta is the lightweight, always-resident description of a session.
// Media items live in separate chunk files; only their counts are kept here.
type SessionMeta struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	StartTime  time.Time     `json:"startTime"`
	EndTime    *time.Time    `json:"endTime,omitempty"`
	Duration   int64         `json:"duration,omitempty"`
	Category   string        `json:"category,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	Topics     []string      `json:"topics,omitempty"`
	Status     SessionStatus `json:"status"`
	Notes      string        `json:"notes,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Chunks     SessionChunks `json:"chunks"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the metadata, so cached copies cannot be
// mutated through returned pointers.
func (m *SessionMeta) Clone() *SessionMeta {
	out := *m
	if m.EndTime != nil {
		t := *m.EndTime
		out.EndTime = &t
	}
	out.Tags = append([]string(nil), m.Tags...)
	out.Topics = append([]string(nil), m.Topics...)
	return &out
}

// SessionSummary is the listing view of a session: counts and presence
// flags, no item arrays.
type SessionSummary struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	StartTime         time.Time     `json:"startTime"`
	EndTime           *time.Time    `json:"endTime,omitempty"`
	Duration          int64         `json:"duration,omitempty"`
	Category          string        `json:"category,omitempty"`
	Status            SessionStatus `json:"status"`
	ScreenshotCount   int           `json:"screenshotCount"`
	AudioSegmentCount int           `json:"audioSegmentCount"`
	VideoChunkCount   int           `json:"videoChunkCount"`
	HasNotes          bool          `json:"hasNotes"`
	HasTranscript     bool          `json:"hasTranscript"`
}

// Summary derives the listing view from session metadata.
func (m *SessionMeta) Summary() SessionSummary {
	return SessionSummary{
		ID:                m.ID,
		Name:              m.Name,
		StartTime:         m.StartTime,
		EndTime:           m.EndTime,
		Duration:          m.Duration,
		Category:          m.Category,
		Status:            m.Status,
		ScreenshotCount:   m.Chunks.Screenshots.Count,
		AudioSegmentCount: m.Chunks.Audio.Count,
		VideoChunkCount:   m.Chunks.Video.Count,
		HasNotes:          m.Notes != "",
		HasTranscript:     m.Transcript != "",
	}
}

// Screenshot is a single captured frame reference. The image bytes live in
// the content-addressable store under AttachmentID.
type Screenshot struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachmentId"`
	Timestamp    time.Time `json:"timestamp"`
	RelativeTime float64   `json:"relativeTime,omitempty"`
}

// AudioSegment is a recorded audio span. The audio bytes live in the
// content-addressable store under AttachmentID.
type AudioSegment struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachmentId"`
	Timestamp    time.Time `json:"timestamp"`
	Duration     float64   `json:"duration"`
	StartTime    float64   `json:"startTime,omitempty"`
}

// VideoChunk is a recorded video span. The video bytes live in the
// content-addressable store under AttachmentID.
type VideoChunk struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachmentId"`
	Timestamp    time.Time `json:"timestamp"`
	Duration     float64   `json:"duration"`
}

// Session is the fully hydrated view: metadata plus every media item
// concatenated across its chunk files in chunk order.
type Session struct {
	Meta          *SessionMeta   `json:"meta"`
	Screenshots   []Screenshot   `json:"screenshots"`
	AudioSegments []AudioSegment `json:"audioSegments"`
	VideoChunks   []VideoChunk   `json:"videoChunks"`
}

// NewID returns a fresh identifier for sessions and media items created
// without one.
func NewID() string {
	return uuid.NewString()
}

// Fingerprint returns a 64-bit BLAKE2b digest of data. Used to detect
// byte-identical payloads cheaply; not a durable content address.
func Fingerprint(data []byte) uint64 {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write(data)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}
