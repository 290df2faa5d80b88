package duerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesInnermostCode(t *testing.T) {
	inner := New(CodeVersionMismatch, "stale write")
	wrapped := Wrap(CodeSyncFailed, "persist step", inner)

	assert.Equal(t, CodeVersionMismatch, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, CodeVersionMismatch))
	assert.False(t, HasCode(wrapped, CodeSyncFailed))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(CodeSyncFailed, "whatever", nil))
}

func TestCodeOfUnclassified(t *testing.T) {
	assert.Equal(t, CodeSyncFailed, CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestCodeSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("outer layer: %w", New(CodeUnauthorized, "not yours"))
	assert.True(t, HasCode(err, CodeUnauthorized))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	e := AsError(errors.New("plain"))
	require.NotNil(t, e)
	assert.Equal(t, CodeSyncFailed, e.Code)

	orig := New(CodeOffline, "no network")
	assert.Same(t, orig, AsError(orig))
}

func TestErrorStringIncludesCodeAndCause(t *testing.T) {
	err := Wrap(CodeCacheCorrupted, "read entry", errors.New("disk io"))
	assert.Contains(t, err.Error(), "CACHE_CORRUPTED")
	assert.Contains(t, err.Error(), "disk io")
	assert.ErrorContains(t, errors.Unwrap(err), "disk io")
}
