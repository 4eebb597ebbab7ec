package domain

import "time"

type TranscriptionStatus string

const (
	StatusPending    TranscriptionStatus = "pending"
	StatusProcessing TranscriptionStatus = "processing"
	StatusCompleted  TranscriptionStatus = "completed"
	StatusFailed     TranscriptionStatus = "failed"
)

type UploadStatus string

const (
	UploadStatusUploaded UploadStatus = "uploaded"
	UploadStatusFailed   UploadStatus = "failed_upload"
)

// DefaultQuotaMinutes is the free allotment granted to new profiles.
const DefaultQuotaMinutes = 60

// User combines the identity provider account with the local profile row.
// The ID is assigned by the provider and opaque to this service.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	IsActive     bool      `json:"isActive"`
	IsAdmin      bool      `json:"isAdmin"`
	QuotaMinutes int       `json:"quotaMinutes"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type File struct {
	ID               string       `json:"id"`
	UserID           string       `json:"userId"`
	OriginalFilename string       `json:"originalFilename"`
	StoredFilename   string       `json:"-"`
	StorageKey       string       `json:"-"`
	SizeBytes        int64        `json:"sizeBytes,omitempty"`
	DurationSeconds  *float64     `json:"durationSeconds,omitempty"`
	UploadStatus     UploadStatus `json:"uploadStatus"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Segment is a timestamped span of transcript text.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcription struct {
	ID              string              `json:"id"`
	UserID          string              `json:"userId"`
	FileID          string              `json:"fileId"`
	Text            string              `json:"text,omitempty"`
	Segments        []Segment           `json:"segments,omitempty"`
	Language        string              `json:"language,omitempty"`
	Status          TranscriptionStatus `json:"status"`
	ProcessingSecs  *float64            `json:"processingDurationSeconds,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	FileName        string              `json:"originalFilename,omitempty"`
	FileDurationSec *float64            `json:"fileDurationSeconds,omitempty"`
}

// Terminal reports whether a status admits no further transitions.
func (s TranscriptionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
