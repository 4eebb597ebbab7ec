package store

import (
	"errors"
	"testing"
	"time"

	"transcriptpro/pkg/domain"
)

func seedFile(t *testing.T, s *MemoryStore, id, userID string) domain.File {
	t.Helper()
	f := domain.File{
		ID:               id,
		UserID:           userID,
		OriginalFilename: "audio.mp3",
		StoredFilename:   id + ".mp3",
		StorageKey:       "users/" + userID + "/" + id + ".mp3",
		SizeBytes:        1024,
		UploadStatus:     domain.UploadStatusUploaded,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.SaveFile(f); err != nil {
		t.Fatalf("save file: %v", err)
	}
	return f
}

func seedTranscription(t *testing.T, s *MemoryStore, id, fileID, userID string) domain.Transcription {
	t.Helper()
	tr := domain.Transcription{
		ID:     id,
		UserID: userID,
		FileID: fileID,
		Status: domain.StatusPending,
	}
	if err := s.CreateTranscription(tr); err != nil {
		t.Fatalf("create transcription: %v", err)
	}
	return tr
}

func TestEnsureProfileIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	first, err := s.EnsureProfile("user-1")
	if err != nil {
		t.Fatalf("ensure profile: %v", err)
	}
	if first.QuotaMinutes != domain.DefaultQuotaMinutes {
		t.Fatalf("expected default quota %d, got %d", domain.DefaultQuotaMinutes, first.QuotaMinutes)
	}
	second, err := s.EnsureProfile("user-1")
	if err != nil {
		t.Fatalf("ensure profile again: %v", err)
	}
	if second != first {
		t.Fatalf("expected identical profile, got %+v vs %+v", second, first)
	}
	if s.ProfileCount() != 1 {
		t.Fatalf("expected one profile, got %d", s.ProfileCount())
	}
}

func TestCreateTranscriptionRejectsDuplicateFile(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")

	err := s.CreateTranscription(domain.Transcription{
		ID:     "job-2",
		UserID: "user-1",
		FileID: "file-1",
		Status: domain.StatusPending,
	})
	if !errors.Is(err, ErrDuplicateTranscription) {
		t.Fatalf("expected ErrDuplicateTranscription, got %v", err)
	}
}

func TestMarkProcessingGuardsPendingOnly(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")

	started, err := s.MarkProcessing("job-1")
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if !started {
		t.Fatalf("expected first claim to succeed")
	}
	again, err := s.MarkProcessing("job-1")
	if err != nil {
		t.Fatalf("mark processing again: %v", err)
	}
	if again {
		t.Fatalf("expected second claim to be rejected")
	}
}

func TestCompleteTranscriptionSetsTerminalFields(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")
	if _, err := s.MarkProcessing("job-1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	result := CompletionResult{
		Text:           "hello world",
		Segments:       []domain.Segment{{Start: 0, End: 5, Text: "hello world"}},
		Language:       "en",
		ProcessingSecs: 1.5,
	}
	if err := s.CompleteTranscription("job-1", result); err != nil {
		t.Fatalf("complete: %v", err)
	}
	tr, ok, err := s.GetTranscription("job-1", "user-1")
	if err != nil || !ok {
		t.Fatalf("get transcription: ok=%v err=%v", ok, err)
	}
	if tr.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", tr.Status)
	}
	if tr.Text != "hello world" || tr.Language != "en" {
		t.Fatalf("unexpected result fields: %+v", tr)
	}
	if tr.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if tr.ProcessingSecs == nil || *tr.ProcessingSecs != 1.5 {
		t.Fatalf("expected processing secs 1.5, got %v", tr.ProcessingSecs)
	}
}

func TestFailTranscriptionNeverOverwritesCompleted(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")
	if _, err := s.MarkProcessing("job-1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := s.CompleteTranscription("job-1", CompletionResult{Text: "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.FailTranscription("job-1", "Error: late failure"); err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	tr, _, err := s.GetTranscription("job-1", "user-1")
	if err != nil {
		t.Fatalf("get transcription: %v", err)
	}
	if tr.Status != domain.StatusCompleted || tr.Text != "done" {
		t.Fatalf("completed job mutated by failure: %+v", tr)
	}
}

func TestFailTranscriptionLeavesCompletedAtUnset(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")
	if _, err := s.MarkProcessing("job-1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := s.FailTranscription("job-1", "Error: provider down"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	tr, _, err := s.GetTranscription("job-1", "user-1")
	if err != nil {
		t.Fatalf("get transcription: %v", err)
	}
	if tr.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", tr.Status)
	}
	if tr.Text != "Error: provider down" {
		t.Fatalf("expected error text, got %q", tr.Text)
	}
	if tr.CompletedAt != nil {
		t.Fatalf("completed_at must stay unset on failure")
	}
}

func TestGetFileScopedToOwner(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")

	if _, ok, err := s.GetFile("file-1", "user-1"); err != nil || !ok {
		t.Fatalf("owner lookup failed: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetFile("file-1", "user-2"); err != nil || ok {
		t.Fatalf("cross-user lookup must miss: ok=%v err=%v", ok, err)
	}
}

func TestDeleteFileRemovesRow(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	if err := s.DeleteFile("file-1", "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetFile("file-1", "user-1"); ok {
		t.Fatalf("file should be gone")
	}
	files, err := s.ListFiles("user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected empty list, got %d", len(files))
	}
}

func TestListTranscriptionsIncludesFileMetadata(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")

	items, err := s.ListTranscriptions("user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one transcription, got %d", len(items))
	}
	if items[0].FileName != "audio.mp3" {
		t.Fatalf("expected joined file name, got %q", items[0].FileName)
	}
}

func TestUpdateTranscriptionTextScopedToOwner(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")

	if _, ok, err := s.UpdateTranscriptionText("job-1", "user-2", "hijack"); err != nil || ok {
		t.Fatalf("cross-user edit must miss: ok=%v err=%v", ok, err)
	}
	tr, ok, err := s.UpdateTranscriptionText("job-1", "user-1", "edited")
	if err != nil || !ok {
		t.Fatalf("owner edit failed: ok=%v err=%v", ok, err)
	}
	if tr.Text != "edited" {
		t.Fatalf("expected edited text, got %q", tr.Text)
	}
}

func TestUpdateTranscriptionTextAllowedInAnyStatus(t *testing.T) {
	s := NewMemoryStore()
	seedFile(t, s, "file-1", "user-1")
	seedTranscription(t, s, "job-1", "file-1", "user-1")

	// Edit while pending.
	if _, ok, err := s.UpdateTranscriptionText("job-1", "user-1", "early edit"); err != nil || !ok {
		t.Fatalf("pending edit failed: ok=%v err=%v", ok, err)
	}

	if _, err := s.MarkProcessing("job-1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := s.CompleteTranscription("job-1", CompletionResult{Text: "engine text"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Edit after completion overwrites the engine result.
	tr, ok, err := s.UpdateTranscriptionText("job-1", "user-1", "final edit")
	if err != nil || !ok {
		t.Fatalf("completed edit failed: ok=%v err=%v", ok, err)
	}
	if tr.Text != "final edit" || tr.Status != domain.StatusCompleted {
		t.Fatalf("edit must change text only: %+v", tr)
	}
}
