package app

import "errors"

var (
	// ErrEmailAndPasswordRequired rejects empty registration input.
	ErrEmailAndPasswordRequired = errors.New("email and password are required")
	// ErrPasswordTooShort rejects passwords under the minimum length.
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	// ErrNotFound covers a file or transcription that is absent or owned
	// by someone else; the two cases are indistinguishable on purpose.
	ErrNotFound = errors.New("not found")
	// ErrTranscriptionExists rejects a second job for the same file.
	ErrTranscriptionExists = errors.New("transcription already exists for this file")
)
