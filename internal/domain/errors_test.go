package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrMissingChunks)
	assert.True(t, errors.Is(err, ErrMissingChunks))
	assert.Equal(t, ErrCodeMissingChunks, ErrorCode(err))

	assert.Equal(t, ErrCodeInternal, ErrorCode(errors.New("plain")))
}

func TestWithDetailsPreservesIdentity(t *testing.T) {
	detailed := ErrBadIndex.WithDetails(map[string]any{"index": 7})

	assert.True(t, errors.Is(detailed, ErrBadIndex))
	assert.Equal(t, map[string]any{"index": 7}, ErrorDetails(detailed))
	// The sentinel itself stays untouched.
	assert.Nil(t, ErrBadIndex.Details)
}

func TestWithMessagePreservesCode(t *testing.T) {
	err := ErrInvalidFileType.WithMessage("extension mismatch")
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
	assert.Contains(t, err.Error(), "extension mismatch")
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(ErrStorage))
	assert.True(t, IsRetriable(ErrBackpressure))
	assert.False(t, IsRetriable(ErrMissingChunks))
	assert.False(t, IsRetriable(ErrSessionNotFound))
}
