package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesKind(t *testing.T) {
	err := NotFound("kernel missing")
	assert.True(t, Is(err, KindKernelNotFound))
	assert.False(t, Is(err, KindDuplicateKernel))
}

func TestWrap_PreservesUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := SpawnError("could not spawn worker", cause)

	assert.ErrorIs(t, err, cause)

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindWorkerSpawnError, kind)
}

func TestKindOf_FalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestError_MessageIncludesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Crashed("worker died", cause)

	msg := err.Error()
	assert.Contains(t, msg, string(KindWorkerCrashed))
	assert.Contains(t, msg, "disk full")
}
