package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"transcriptpro/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ProfileModel{}, &FileModel{}, &TranscriptionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM transcription_models t
				WHERE NOT EXISTS (SELECT 1 FROM file_models f WHERE f.id = t.file_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'transcription_models'
					AND constraint_name = 'transcription_models_file_id_fkey'
				) THEN
					ALTER TABLE transcription_models
					ADD CONSTRAINT transcription_models_file_id_fkey
					FOREIGN KEY (file_id) REFERENCES file_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure file foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// EnsureProfile inserts a default profile if absent. Safe under concurrent
// calls for the same user; the primary key makes the insert idempotent.
func (s *GormStore) EnsureProfile(userID string) (Profile, error) {
	model := ProfileModel{
		UserID:       userID,
		QuotaMinutes: domain.DefaultQuotaMinutes,
		IsAdmin:      false,
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return Profile{}, fmt.Errorf("ensure profile: %w", err)
	}
	profile, ok, err := s.GetProfile(userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		return Profile{}, fmt.Errorf("profile missing after upsert: %s", userID)
	}
	return profile, nil
}

// GetProfile returns a profile by user ID.
func (s *GormStore) GetProfile(userID string) (Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, false, nil
		}
		return Profile{}, false, err
	}
	return Profile{UserID: model.UserID, QuotaMinutes: model.QuotaMinutes, IsAdmin: model.IsAdmin}, true, nil
}

// SaveFile stores or updates a file record.
func (s *GormStore) SaveFile(f domain.File) error {
	model := fileToModel(f)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"original_filename", "stored_filename", "storage_key", "size_bytes", "duration_seconds", "upload_status"}),
	}).Create(&model).Error
}

// GetFile retrieves a file scoped to its owner.
func (s *GormStore) GetFile(id, userID string) (domain.File, bool, error) {
	var model FileModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListFiles returns the owner's files ordered by creation time.
func (s *GormStore) ListFiles(userID string) ([]domain.File, error) {
	var models []FileModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.File, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// DeleteFile removes a file; the transcription goes with it via FK cascade.
func (s *GormStore) DeleteFile(id, userID string) error {
	return s.db.Delete(&FileModel{}, "id = ? AND user_id = ?", id, userID).Error
}

// SetUploadStatus updates a file's upload status.
func (s *GormStore) SetUploadStatus(id string, status domain.UploadStatus) error {
	return s.db.Model(&FileModel{}).Where("id = ?", id).
		Update("upload_status", string(status)).Error
}

// CreateTranscription inserts a pending job row. The unique file_id index
// rejects a second transcription for the same file.
func (s *GormStore) CreateTranscription(t domain.Transcription) error {
	model, err := transcriptionToModel(t)
	if err != nil {
		return err
	}
	if err := s.db.Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTranscription
		}
		return err
	}
	return nil
}

// GetTranscription retrieves a transcription scoped to its owner, joined
// with file metadata.
func (s *GormStore) GetTranscription(id, userID string) (domain.Transcription, bool, error) {
	var row transcriptionRow
	err := s.transcriptionQuery(userID).
		Where("transcription_models.id = ?", id).
		Scan(&row).Error
	if err != nil {
		return domain.Transcription{}, false, err
	}
	if row.ID == "" {
		return domain.Transcription{}, false, nil
	}
	return transcriptionFromRow(row), true, nil
}

// ListTranscriptions returns the owner's transcriptions joined with file
// metadata, ordered by creation time.
func (s *GormStore) ListTranscriptions(userID string) ([]domain.Transcription, error) {
	var rows []transcriptionRow
	if err := s.transcriptionQuery(userID).
		Order("transcription_models.created_at ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Transcription, 0, len(rows))
	for _, row := range rows {
		res = append(res, transcriptionFromRow(row))
	}
	return res, nil
}

func (s *GormStore) transcriptionQuery(userID string) *gorm.DB {
	return s.db.Model(&TranscriptionModel{}).
		Select("transcription_models.*, file_models.original_filename AS file_name, file_models.duration_seconds AS file_duration_seconds").
		Joins("LEFT JOIN file_models ON file_models.id = transcription_models.file_id").
		Where("transcription_models.user_id = ?", userID)
}

// MarkProcessing transitions pending→processing. The guard on the prior
// status makes a second invocation a no-op; callers must check the bool.
func (s *GormStore) MarkProcessing(id string) (bool, error) {
	res := s.db.Model(&TranscriptionModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusPending)).
		Updates(map[string]any{
			"status":     string(domain.StatusProcessing),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CompleteTranscription sets text, segments, language, and terminal status
// in a single update. completed_at is recorded only here.
func (s *GormStore) CompleteTranscription(id string, result CompletionResult) error {
	segments, err := json.Marshal(result.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	now := time.Now().UTC()
	return s.db.Model(&TranscriptionModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusProcessing)).
		Updates(map[string]any{
			"status":          string(domain.StatusCompleted),
			"text":            result.Text,
			"segments":        datatypes.JSON(segments),
			"language":        result.Language,
			"processing_secs": result.ProcessingSecs,
			"updated_at":      now,
			"completed_at":    now,
		}).Error
}

// FailTranscription records the terminal failure and its cause. No
// completed_at; failures carry only updated_at.
func (s *GormStore) FailTranscription(id string, errText string) error {
	return s.db.Model(&TranscriptionModel{}).
		Where("id = ? AND status <> ?", id, string(domain.StatusCompleted)).
		Updates(map[string]any{
			"status":     string(domain.StatusFailed),
			"text":       errText,
			"updated_at": time.Now().UTC(),
		}).Error
}

// UpdateTranscriptionText overwrites the text field regardless of status.
func (s *GormStore) UpdateTranscriptionText(id, userID, text string) (domain.Transcription, bool, error) {
	res := s.db.Model(&TranscriptionModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{
			"text":       text,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.Transcription{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Transcription{}, false, nil
	}
	return s.GetTranscription(id, userID)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func fileToModel(f domain.File) FileModel {
	return FileModel{
		ID:               f.ID,
		UserID:           f.UserID,
		OriginalFilename: f.OriginalFilename,
		StoredFilename:   f.StoredFilename,
		StorageKey:       f.StorageKey,
		SizeBytes:        f.SizeBytes,
		DurationSeconds:  f.DurationSeconds,
		UploadStatus:     string(f.UploadStatus),
		CreatedAt:        f.CreatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	return domain.File{
		ID:               m.ID,
		UserID:           m.UserID,
		OriginalFilename: m.OriginalFilename,
		StoredFilename:   m.StoredFilename,
		StorageKey:       m.StorageKey,
		SizeBytes:        m.SizeBytes,
		DurationSeconds:  m.DurationSeconds,
		UploadStatus:     domain.UploadStatus(m.UploadStatus),
		CreatedAt:        m.CreatedAt,
	}
}

type transcriptionRow struct {
	TranscriptionModel
	FileName            string
	FileDurationSeconds *float64
}

func transcriptionToModel(t domain.Transcription) (TranscriptionModel, error) {
	var segments []byte
	if t.Segments != nil {
		raw, err := json.Marshal(t.Segments)
		if err != nil {
			return TranscriptionModel{}, fmt.Errorf("encode segments: %w", err)
		}
		segments = raw
	}
	return TranscriptionModel{
		ID:             t.ID,
		UserID:         t.UserID,
		FileID:         t.FileID,
		Text:           t.Text,
		Segments:       segments,
		Language:       t.Language,
		Status:         string(t.Status),
		ProcessingSecs: t.ProcessingSecs,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}, nil
}

func transcriptionFromRow(row transcriptionRow) domain.Transcription {
	var segments []domain.Segment
	if len(row.Segments) > 0 {
		_ = json.Unmarshal(row.Segments, &segments)
	}
	return domain.Transcription{
		ID:              row.ID,
		UserID:          row.UserID,
		FileID:          row.FileID,
		Text:            row.Text,
		Segments:        segments,
		Language:        row.Language,
		Status:          domain.TranscriptionStatus(row.Status),
		ProcessingSecs:  row.ProcessingSecs,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		CompletedAt:     row.CompletedAt,
		FileName:        row.FileName,
		FileDurationSec: row.FileDurationSeconds,
	}
}
