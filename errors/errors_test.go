package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestIs(t *testing.T) {
	err1 := New("error 1")
	err2 := New("error 2")
	wrapped := Wrap(err1, "wrapped")

	assert.True(t, Is(wrapped, err1))
	assert.False(t, Is(wrapped, err2))
	assert.False(t, Is(nil, err1))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := NewRateLimited(17)

	assert.True(t, Is(err, ErrRateLimited))
	assert.Equal(t, int64(17), RetryAfter(err))

	// Hint survives wrapping
	wrapped := Wrap(err, "fetching page")
	assert.True(t, Is(wrapped, ErrRateLimited))
	assert.Equal(t, int64(17), RetryAfter(wrapped))
}

func TestRetryAfterWithoutHint(t *testing.T) {
	assert.Equal(t, int64(0), RetryAfter(ErrRateLimited))
	assert.Equal(t, int64(0), RetryAfter(New("unrelated")))
	assert.Equal(t, int64(0), RetryAfter(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrTransient))
	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(NewRateLimited(5)))
	assert.True(t, IsTransient(Wrap(ErrTransient, "downloading media")))

	assert.False(t, IsTransient(ErrPermanent))
	assert.False(t, IsTransient(ErrAuth))
	assert.False(t, IsTransient(nil))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrPermanent))
	assert.True(t, IsPermanent(ErrNotFound))
	assert.True(t, IsPermanent(Wrap(ErrAuth, "session create")))

	assert.False(t, IsPermanent(ErrTransient))
	assert.False(t, IsPermanent(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrAuth))
	assert.True(t, IsFatal(Wrap(ErrAuth, "first page")))
	assert.False(t, IsFatal(ErrTransient))
	assert.False(t, IsFatal(ErrQuotaExceeded))
	assert.False(t, IsFatal(nil))
}

func TestTaxonomyIsDisjoint(t *testing.T) {
	// A sentinel must classify into exactly one bucket
	transientOnly := []error{ErrTransient, ErrTimeout, ErrRateLimited}
	for _, err := range transientOnly {
		assert.False(t, IsPermanent(err), "%v must not be permanent", err)
		assert.False(t, IsFatal(err), "%v must not be fatal", err)
	}

	assert.False(t, IsTransient(ErrPermanent))
	assert.False(t, IsTransient(ErrAuth))
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
}

func ExampleWrap() {
	baseErr := New("connection failed")
	err := Wrap(baseErr, "failed to fetch bookmarks page")
	fmt.Println(err)
	// Output: failed to fetch bookmarks page: connection failed
}
