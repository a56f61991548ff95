package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("history: %w", Wrap(KindStoreUnavailable, errors.New("dial tcp"), "read page"))

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ErrPayloadTooLarge))
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
	assert.True(t, As(err).Retryable)
}

func TestAsWrapsUnclassified(t *testing.T) {
	e := As(errors.New("boom"))
	assert.Equal(t, KindInternal, e.Kind)
	assert.False(t, e.Retryable)
	assert.EqualError(t, e.Cause, "boom")
}

func TestWithDetail(t *testing.T) {
	e := New(KindMissingComponent, "unknown stage %q", "nope").WithDetail("known", []string{"model"})
	assert.Equal(t, []string{"model"}, e.Details["known"])
	assert.Contains(t, e.Error(), `unknown stage "nope"`)
}

func TestBody(t *testing.T) {
	e := New(KindProviderRateLimited, "slow down")
	e.RetryAfter = 1500 * time.Millisecond
	body := Body(e, true)
	assert.Equal(t, "ProviderRateLimited", body.Code)
	assert.True(t, body.Retryable)
	assert.True(t, body.Partial)
	assert.Equal(t, 2, body.RetryAfter)

	body = Body(errors.New("boom"), false)
	assert.Equal(t, "Internal", body.Code)
	assert.False(t, body.Partial)
	assert.Zero(t, body.RetryAfter)
}
