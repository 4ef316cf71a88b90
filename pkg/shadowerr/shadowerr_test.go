package shadowerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("tag mismatch")
	err := Wrap(AuthFailure, "unlock failed", base)

	assert.True(t, Is(err, AuthFailure))
	assert.False(t, Is(err, Locked))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, AuthFailure, kind)

	assert.True(t, errors.Is(err, base), "errors.Is should see through to the wrapped cause")
}

func TestNewHasNoCause(t *testing.T) {
	err := New(NotFound, "box missing")
	assert.True(t, Is(err, NotFound))

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Nil(t, se.Cause)
}

func TestKindOfOnPlainError(t *testing.T) {
	_, ok := KindOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestNewfFormats(t *testing.T) {
	err := Newf(QuotaExceeded, "file %q is %d bytes", "a.txt", 200)
	assert.Equal(t, `QuotaExceeded: file "a.txt" is 200 bytes`, err.Error())
}
