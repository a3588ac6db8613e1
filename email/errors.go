package email

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAttachment means an attachment or inline image could not be
	// read. The message must not be delivered.
	ErrMissingAttachment = errors.New("missing attachment")
	// ErrNotAnImage means an inline image path does not hold an image.
	ErrNotAnImage = errors.New("not an image")
	// ErrAttachmentTooLarge means a file is over the configured size cap.
	ErrAttachmentTooLarge = errors.New("attachment too large")
)

// MissingAttachmentError names the file that could not be read.
type MissingAttachmentError struct {
	Path     string
	Filename string
	Err      error
}

func (e *MissingAttachmentError) Error() string {
	return fmt.Sprintf("attachment file not found or unreadable: %v (%v): %v", e.Filename, e.Path, e.Err)
}

func (e *MissingAttachmentError) Is(target error) bool {
	return target == ErrMissingAttachment
}

func (e *MissingAttachmentError) Unwrap() error {
	return e.Err
}
