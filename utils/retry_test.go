package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shrinkBackoff(t *testing.T) {
	t.Helper()
	old := retryBaseDelay
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = old })
}

func TestRetryExactAttempts(t *testing.T) {
	shrinkBackoff(t)

	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("%w: boom", ErrUpstreamUnavailable)
	})

	// 持续失败的操作恰好执行3次，不多不少
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
}

func TestRetrySucceedsMidway(t *testing.T) {
	shrinkBackoff(t)

	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("%w: transient", ErrUpstreamUnavailable)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPermanentShortCircuit(t *testing.T) {
	shrinkBackoff(t)

	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("%w: bad signature", ErrAuthenticity)
	})

	// 永久性错误不消耗剩余重试次数
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, ErrAuthenticity))
}

func TestRetryContextCancel(t *testing.T) {
	// 用真实退避配合快速取消的context
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, 3, func() error {
			calls++
			return fmt.Errorf("%w: transient", ErrUpstreamUnavailable)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrAuthenticity))
	assert.True(t, IsPermanent(ErrValidation))
	assert.True(t, IsPermanent(ErrNotFound))
	assert.False(t, IsPermanent(ErrUpstreamUnavailable))
	assert.False(t, IsPermanent(errors.New("unclassified")))
}
