package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents the recording lifecycle.
type RecordingStatus string

const (
	RecordingStatusLiveRecording  RecordingStatus = "live_recording"
	RecordingStatusLiveEnd        RecordingStatus = "live_end"
	RecordingStatusWaitingUpload  RecordingStatus = "waiting_upload"
	RecordingStatusUploading      RecordingStatus = "uploading"
	RecordingStatusReady          RecordingStatus = "ready"
	RecordingStatusFailed         RecordingStatus = "failed"
	RecordingStatusExpiredDeleted RecordingStatus = "expired_deleted"
)

// Recording is one captured live session (engine output → object storage).
type Recording struct {
	ID                uuid.UUID       `json:"id"`
	LiveAccountID     uuid.UUID       `json:"live_account_id"`
	RecordingKey      *string         `json:"recording_key,omitempty"`
	Title             *string         `json:"title,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	DurationSec       *int            `json:"duration_sec,omitempty"`
	SizeBytes         *int64          `json:"size_bytes,omitempty"`
	StoragePath       *string         `json:"storage_path,omitempty"`
	StorageTempPath   *string         `json:"storage_temp_path,omitempty"`
	Status            RecordingStatus `json:"status"`
	PosterStoragePath *string         `json:"poster_storage_path,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// UploadResult is what a finished upload reports back onto the recording.
type UploadResult struct {
	RemoteKey   string `json:"remote_key"`
	SizeBytes   int64  `json:"size_bytes"`
	DurationSec *int   `json:"duration_sec,omitempty"`
}
