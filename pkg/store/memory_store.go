package store

import (
	"sync"
	"time"

	"transcriptpro/pkg/domain"
)

// MemoryStore keeps all rows in-process. It backs tests and mirrors the
// guarded-update semantics of the Postgres store.
type MemoryStore struct {
	mu             sync.RWMutex
	profiles       map[string]Profile
	files          map[string]domain.File
	fileOrder      []string
	transcriptions map[string]domain.Transcription
	trOrder        []string
	byFile         map[string]string // file ID -> transcription ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:       make(map[string]Profile),
		files:          make(map[string]domain.File),
		transcriptions: make(map[string]domain.Transcription),
		byFile:         make(map[string]string),
	}
}

func (m *MemoryStore) EnsureProfile(userID string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile, ok := m.profiles[userID]; ok {
		return profile, nil
	}
	profile := Profile{UserID: userID, QuotaMinutes: domain.DefaultQuotaMinutes}
	m.profiles[userID] = profile
	return profile, nil
}

func (m *MemoryStore) GetProfile(userID string) (Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[userID]
	return profile, ok, nil
}

// ProfileCount reports how many profile rows exist. Test helper.
func (m *MemoryStore) ProfileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles)
}

func (m *MemoryStore) SaveFile(f domain.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.files[f.ID]; !exists {
		m.fileOrder = append(m.fileOrder, f.ID)
	}
	m.files[f.ID] = f
	return nil
}

func (m *MemoryStore) GetFile(id, userID string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok || f.UserID != userID {
		return domain.File{}, false, nil
	}
	return f, true, nil
}

func (m *MemoryStore) ListFiles(userID string) ([]domain.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.File, 0, len(m.fileOrder))
	for _, id := range m.fileOrder {
		if f, ok := m.files[id]; ok && f.UserID == userID {
			res = append(res, f)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteFile(id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.UserID != userID {
		return nil
	}
	delete(m.files, id)
	if trID, ok := m.byFile[id]; ok {
		delete(m.transcriptions, trID)
		delete(m.byFile, id)
	}
	return nil
}

func (m *MemoryStore) SetUploadStatus(id string, status domain.UploadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil
	}
	f.UploadStatus = status
	m.files[id] = f
	return nil
}

func (m *MemoryStore) CreateTranscription(t domain.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byFile[t.FileID]; exists {
		return ErrDuplicateTranscription
	}
	m.transcriptions[t.ID] = t
	m.trOrder = append(m.trOrder, t.ID)
	m.byFile[t.FileID] = t.ID
	return nil
}

func (m *MemoryStore) GetTranscription(id, userID string) (domain.Transcription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transcriptions[id]
	if !ok || t.UserID != userID {
		return domain.Transcription{}, false, nil
	}
	return m.withFileMeta(t), true, nil
}

func (m *MemoryStore) ListTranscriptions(userID string) ([]domain.Transcription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Transcription, 0, len(m.trOrder))
	for _, id := range m.trOrder {
		if t, ok := m.transcriptions[id]; ok && t.UserID == userID {
			res = append(res, m.withFileMeta(t))
		}
	}
	return res, nil
}

func (m *MemoryStore) withFileMeta(t domain.Transcription) domain.Transcription {
	if f, ok := m.files[t.FileID]; ok {
		t.FileName = f.OriginalFilename
		t.FileDurationSec = f.DurationSeconds
	}
	return t
}

func (m *MemoryStore) MarkProcessing(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcriptions[id]
	if !ok || t.Status != domain.StatusPending {
		return false, nil
	}
	t.Status = domain.StatusProcessing
	t.UpdatedAt = time.Now().UTC()
	m.transcriptions[id] = t
	return true, nil
}

func (m *MemoryStore) CompleteTranscription(id string, result CompletionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcriptions[id]
	if !ok || t.Status != domain.StatusProcessing {
		return nil
	}
	now := time.Now().UTC()
	t.Status = domain.StatusCompleted
	t.Text = result.Text
	t.Segments = result.Segments
	t.Language = result.Language
	t.ProcessingSecs = &result.ProcessingSecs
	t.UpdatedAt = now
	t.CompletedAt = &now
	m.transcriptions[id] = t
	return nil
}

func (m *MemoryStore) FailTranscription(id string, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcriptions[id]
	if !ok || t.Status == domain.StatusCompleted {
		return nil
	}
	t.Status = domain.StatusFailed
	t.Text = errText
	t.UpdatedAt = time.Now().UTC()
	m.transcriptions[id] = t
	return nil
}

func (m *MemoryStore) UpdateTranscriptionText(id, userID, text string) (domain.Transcription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcriptions[id]
	if !ok || t.UserID != userID {
		return domain.Transcription{}, false, nil
	}
	t.Text = text
	t.UpdatedAt = time.Now().UTC()
	m.transcriptions[id] = t
	return m.withFileMeta(t), true, nil
}
