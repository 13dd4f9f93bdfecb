package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "", CodeOf(nil))
	assert.Equal(t, CodeJobNotFound, CodeOf(fmt.Errorf("service.Claim: %w", ErrJobNotFound)))
	assert.Equal(t, CodePaymentRequired, CodeOf(ErrPaymentRequired))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))

	// a storage failure wins over anything else in the chain
	wrapped := fmt.Errorf("storage.GetJob: %w: %w", ErrStorageUnavailable, ErrJobNotFound)
	assert.Equal(t, CodeStorageUnavailable, CodeOf(wrapped))
}

func TestIsBusiness(t *testing.T) {
	assert.True(t, IsBusiness(ErrInvalidTransition))
	assert.True(t, IsBusiness(fmt.Errorf("x: %w", ErrDuplicateRequest)))
	assert.False(t, IsBusiness(ErrStorageUnavailable))
	assert.False(t, IsBusiness(errors.New("boom")))
	assert.False(t, IsBusiness(nil))
}
