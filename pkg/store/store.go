package store

import (
	"errors"

	"transcriptpro/pkg/domain"
)

// ErrDuplicateTranscription is returned when a file already has a
// transcription; the file_id column is unique.
var ErrDuplicateTranscription = errors.New("transcription already exists for file")

// Profile is the locally-owned slice of a user record. Identity fields
// (email, account state) live with the external provider.
type Profile struct {
	UserID       string
	QuotaMinutes int
	IsAdmin      bool
}

// CompletionResult carries everything a successful run persists in one update.
type CompletionResult struct {
	Text           string
	Segments       []domain.Segment
	Language       string
	ProcessingSecs float64
}

// Store defines persistence operations for profiles, files, and transcriptions.
type Store interface {
	// profiles
	EnsureProfile(userID string) (Profile, error)
	GetProfile(userID string) (Profile, bool, error)

	// files
	SaveFile(domain.File) error
	GetFile(id, userID string) (domain.File, bool, error)
	ListFiles(userID string) ([]domain.File, error)
	DeleteFile(id, userID string) error
	SetUploadStatus(id string, status domain.UploadStatus) error

	// transcriptions
	CreateTranscription(domain.Transcription) error
	GetTranscription(id, userID string) (domain.Transcription, bool, error)
	ListTranscriptions(userID string) ([]domain.Transcription, error)
	MarkProcessing(id string) (bool, error)
	CompleteTranscription(id string, result CompletionResult) error
	FailTranscription(id string, errText string) error
	UpdateTranscriptionText(id, userID, text string) (domain.Transcription, bool, error)
}
