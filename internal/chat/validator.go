package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max frame size
	MaxContentChars = 2000 // max character count
)

// ErrInvalidContent is the sentinel wrapped by all content validation
// failures so callers can classify them with errors.Is.
var ErrInvalidContent = errors.New("chat: invalid content")

// ValidateContent checks that a message meets content requirements before it
// is persisted or fanned out.
func ValidateContent(content string, contentType string) error {
	switch contentType {
	case ContentText, ContentImage, ContentDocument:
	default:
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidContent, contentType)
	}
	if len(content) == 0 {
		return fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidContent, MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidContent, MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidContent)
	}
	return nil
}
