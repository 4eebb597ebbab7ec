package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"transcriptpro/internal/identity"
	"transcriptpro/internal/jobs"
	"transcriptpro/internal/util"
	"transcriptpro/pkg/domain"
	"transcriptpro/pkg/storage"
	"transcriptpro/pkg/store"
)

const minPasswordLength = 8

// Scheduler submits a created job for asynchronous execution.
type Scheduler interface {
	Enqueue(jobID, fileID, userID string) error
}

// Config holds the application's collaborators.
type Config struct {
	Store    store.Store
	Objects  storage.ObjectStore
	Identity *identity.Gateway
	Runner   Scheduler
}

// App wires storage, identity delegation, and the job runner behind the
// operations the HTTP layer exposes.
type App struct {
	store    store.Store
	objects  storage.ObjectStore
	identity *identity.Gateway
	runner   Scheduler
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity gateway required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("job runner required")
	}
	return &App{
		store:    cfg.Store,
		objects:  cfg.Objects,
		identity: cfg.Identity,
		runner:   cfg.Runner,
	}, nil
}

// Register creates or fetches the account for the email. Existing accounts
// are returned as-is after their profile is ensured.
func (a *App) Register(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	if len(password) < minPasswordLength {
		return domain.User{}, ErrPasswordTooShort
	}
	return a.identity.RegisterOrFetch(ctx, email, password)
}

// Login delegates credential verification to the identity provider.
func (a *App) Login(ctx context.Context, email, password string) (identity.Session, error) {
	return a.identity.AuthenticateWithPassword(ctx, email, password)
}

// Authenticate resolves a bearer token to the authenticated user.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	return a.identity.Authenticate(ctx, token)
}

// UploadFile records the upload and stores the blob. The stored filename is
// a fresh uuid with the original extension; a blob-store failure leaves the
// row marked failed_upload.
func (a *App) UploadFile(ctx context.Context, user domain.User, filename string, r io.Reader, size int64) (domain.File, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return domain.File{}, errors.New("filename required")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	stored := uuid.NewString() + ext
	file := domain.File{
		ID:               util.NewID(),
		UserID:           user.ID,
		OriginalFilename: filename,
		StoredFilename:   stored,
		StorageKey:       path.Join("users", user.ID, stored),
		SizeBytes:        size,
		UploadStatus:     domain.UploadStatusUploaded,
		CreatedAt:        time.Now().UTC(),
	}
	if err := a.store.SaveFile(file); err != nil {
		return domain.File{}, fmt.Errorf("save file: %w", err)
	}
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, file.StorageKey, r, size, contentType); err != nil {
		_ = a.store.SetUploadStatus(file.ID, domain.UploadStatusFailed)
		return domain.File{}, fmt.Errorf("store blob: %w", err)
	}
	return file, nil
}

// ListFiles returns the user's files.
func (a *App) ListFiles(user domain.User) ([]domain.File, error) {
	return a.store.ListFiles(user.ID)
}

// DeleteFile removes a file, its blob, and (via cascade) its transcription.
func (a *App) DeleteFile(ctx context.Context, user domain.User, id string) error {
	file, ok, err := a.store.GetFile(id, user.ID)
	if err != nil {
		return fmt.Errorf("fetch file: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := a.store.DeleteFile(id, user.ID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	// Blob removal is best-effort; the row is already gone.
	_ = a.objects.Delete(ctx, file.StorageKey)
	return nil
}

// CreateTranscription inserts a pending job for an owned file and schedules
// it. A full queue marks the job failed before reporting backpressure, so
// the outcome is always pollable.
func (a *App) CreateTranscription(_ context.Context, user domain.User, fileID string) (domain.Transcription, error) {
	_, ok, err := a.store.GetFile(fileID, user.ID)
	if err != nil {
		return domain.Transcription{}, fmt.Errorf("fetch file: %w", err)
	}
	if !ok {
		return domain.Transcription{}, ErrNotFound
	}
	now := time.Now().UTC()
	tr := domain.Transcription{
		ID:        util.NewID(),
		UserID:    user.ID,
		FileID:    fileID,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateTranscription(tr); err != nil {
		if errors.Is(err, store.ErrDuplicateTranscription) {
			return domain.Transcription{}, ErrTranscriptionExists
		}
		return domain.Transcription{}, fmt.Errorf("create transcription: %w", err)
	}
	if err := a.runner.Enqueue(tr.ID, fileID, user.ID); err != nil {
		_ = a.store.FailTranscription(tr.ID, "Error: "+err.Error())
		return domain.Transcription{}, fmt.Errorf("schedule transcription: %w", err)
	}
	return tr, nil
}

// ListTranscriptions returns the user's jobs joined with file metadata.
func (a *App) ListTranscriptions(user domain.User) ([]domain.Transcription, error) {
	return a.store.ListTranscriptions(user.ID)
}

// GetTranscription fetches one owned job.
func (a *App) GetTranscription(user domain.User, id string) (domain.Transcription, error) {
	tr, ok, err := a.store.GetTranscription(id, user.ID)
	if err != nil {
		return domain.Transcription{}, fmt.Errorf("fetch transcription: %w", err)
	}
	if !ok {
		return domain.Transcription{}, ErrNotFound
	}
	return tr, nil
}

// UpdateTranscriptionText overwrites the transcript text. Permitted in any
// status; a run that later completes overwrites the edit.
func (a *App) UpdateTranscriptionText(user domain.User, id, text string) (domain.Transcription, error) {
	tr, ok, err := a.store.UpdateTranscriptionText(id, user.ID, text)
	if err != nil {
		return domain.Transcription{}, fmt.Errorf("update transcription: %w", err)
	}
	if !ok {
		return domain.Transcription{}, ErrNotFound
	}
	return tr, nil
}

// QueueFull reports whether err is runner backpressure.
func QueueFull(err error) bool {
	return errors.Is(err, jobs.ErrQueueFull)
}
