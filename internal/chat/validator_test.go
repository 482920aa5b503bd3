package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateContent_Valid(t *testing.T) {
	if err := ValidateContent("hello there", ContentText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateContent("https://cdn.example.com/img.png", ContentImage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateContent_Empty(t *testing.T) {
	err := ValidateContent("", ContentText)
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestValidateContent_UnknownContentType(t *testing.T) {
	err := ValidateContent("hello", "video")
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestValidateContent_TooManyBytes(t *testing.T) {
	content := strings.Repeat("x", MaxContentBytes+1)
	err := ValidateContent(content, ContentText)
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestValidateContent_TooManyChars(t *testing.T) {
	// Multi-byte runes: under the byte limit but over the character limit.
	content := strings.Repeat("é", MaxContentChars+1)
	if len(content) > MaxContentBytes {
		t.Fatalf("test setup: content exceeds byte limit (%d bytes)", len(content))
	}
	err := ValidateContent(content, ContentText)
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestValidateContent_AtLimits(t *testing.T) {
	if err := ValidateContent(strings.Repeat("x", MaxContentChars), ContentText); err != nil {
		t.Fatalf("content at character limit should pass: %v", err)
	}
}

func TestValidateContent_InvalidUTF8(t *testing.T) {
	err := ValidateContent(string([]byte{0xff, 0xfe}), ContentText)
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}
