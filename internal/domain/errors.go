package domain

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidPrompt       = errors.New("invalid prompt")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrEditLimitReached    = errors.New("edit limit reached")
	ErrTransient           = errors.New("transient failure")
	ErrPersistence         = errors.New("persistence failure")
	ErrAlreadyGenerating   = errors.New("generation already in progress")
	ErrAlreadyComparing    = errors.New("comparison already in progress")
	ErrEditInFlight        = errors.New("edit already in progress")
	ErrNotReady            = errors.New("image not ready")
	ErrVersionOutOfRange   = errors.New("version index out of range")
	ErrSessionExhausted    = errors.New("generation session exhausted")
	ErrBatchClosed         = errors.New("comparison batch closed")
	ErrVariantUnavailable  = errors.New("variant result unavailable")
	// ErrTerminalStatus rejects a write that would move a ready or error
	// image to another status.
	ErrTerminalStatus = errors.New("image already finished")
)

// InsufficientCreditsError carries the caller's balance at rejection time.
type InsufficientCreditsError struct {
	Balance int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits (balance %d)", e.Balance)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// PersistenceError reports that a render succeeded but could not be stored.
type PersistenceError struct {
	ImageID string
	Stage   string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist image %s: %s: %v", e.ImageID, e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// UserMessage converts any error into a short message safe to show to an end
// user. Raw error text is never included.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCredits):
		return "You are out of credits. Upgrade your plan to keep generating."
	case errors.Is(err, ErrEditLimitReached):
		return "This image has reached its edit limit."
	case errors.Is(err, ErrPersistence):
		return "The image was generated but saving it failed. Please try again."
	case errors.Is(err, ErrAlreadyGenerating), errors.Is(err, ErrAlreadyComparing), errors.Is(err, ErrEditInFlight):
		return "Please wait for the current request to finish."
	case errors.Is(err, ErrInvalidPrompt):
		return "Please enter a prompt."
	case errors.Is(err, ErrNotFound):
		return "The image no longer exists."
	case errors.Is(err, ErrNotReady):
		return "The image is still being generated."
	case errors.Is(err, ErrVersionOutOfRange):
		return "That version does not exist."
	case errors.Is(err, ErrBatchClosed):
		return "This comparison has been closed."
	case errors.Is(err, ErrVariantUnavailable):
		return "That result is not available."
	case errors.Is(err, ErrSessionExhausted):
		return "This generation session has no generations left."
	case errors.Is(err, context.DeadlineExceeded):
		return "Generation timed out. Please try again."
	default:
		return "Generation failed. Please try again."
	}
}

// TruncatePrompt shortens a prompt for log lines.
func TruncatePrompt(prompt string, max int) string {
	if max <= 0 || utf8.RuneCountInString(prompt) <= max {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:max]) + "…"
}
