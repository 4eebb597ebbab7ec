package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ProfileModel struct {
	UserID       string `gorm:"primaryKey"`
	QuotaMinutes int    `gorm:"not null;default:60"`
	IsAdmin      bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type FileModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index"`
	OriginalFilename string `gorm:"not null"`
	StoredFilename   string `gorm:"not null;uniqueIndex"`
	StorageKey       string `gorm:"not null"`
	SizeBytes        int64
	DurationSeconds  *float64
	UploadStatus     string    `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

type TranscriptionModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;index"`
	FileID         string `gorm:"not null;uniqueIndex"`
	Text           string `gorm:"type:text"`
	Segments       datatypes.JSON
	Language       string `gorm:"size:10"`
	Status         string `gorm:"not null"`
	ProcessingSecs *float64
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
	CompletedAt    *time.Time
}
