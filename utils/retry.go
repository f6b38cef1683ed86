package utils

import (
	"context"
	"log"
	"time"
)

// 退避基准，测试中会调小
var retryBaseDelay = time.Second

// Retry 有限次重试，指数退避
// 最多执行attempts次，第attempt次失败后等2^attempt秒（attempt从1开始）
// 永久性错误（签名/校验/不存在）立即返回，不浪费重试机会
// 重试耗尽后返回最后一个错误
func Retry(ctx context.Context, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		// 指数退避：2^attempt
		delay := retryBaseDelay * time.Duration(1<<uint(attempt))
		log.Printf("Attempt %d/%d failed: %v, retrying in %v", attempt, attempts, lastErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}
