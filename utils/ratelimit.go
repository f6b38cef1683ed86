package utils

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// 补充间隔：每100ms按比例补充令牌
const refillTick = 100 * time.Millisecond

// TokenBucket 令牌桶限流器，封装对记录库API的调用频率
// 容量N，每秒匀速补充N个令牌（每个tick补N/10，封顶N）
// Acquire按FIFO顺序排队，等待有上限，超时按上游不可用处理
// 桶内计数只由补充协程和Acquire在同一把锁下修改，避免并发丢失更新
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // 每秒补充的令牌数
	maxWait    time.Duration
	waiters    []chan struct{} // FIFO等待队列，关闭channel表示放行
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewTokenBucket 创建令牌桶，初始为满
// capacity同时是桶容量和每秒补充速率，maxWait是单次等待上限
func NewTokenBucket(capacity int, maxWait time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: float64(capacity),
		maxWait:    maxWait,
		stopCh:     make(chan struct{}),
	}
}

// Start 启动补充协程，生命周期跟随进程（main中启动，停机时Stop）
func (tb *TokenBucket) Start() {
	go tb.refillLoop()
}

// Stop 停止补充协程并放行所有等待者，只在进程退出时调用
func (tb *TokenBucket) Stop() {
	tb.stopOnce.Do(func() {
		close(tb.stopCh)
	})
}

func (tb *TokenBucket) refillLoop() {
	ticker := time.NewTicker(refillTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tb.refill(refillTick)
		case <-tb.stopCh:
			return
		}
	}
}

// refill 按经过的时间补充令牌并放行队首等待者
func (tb *TokenBucket) refill(elapsed time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens += tb.refillRate * elapsed.Seconds()
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	// 按FIFO顺序放行
	for len(tb.waiters) > 0 && tb.tokens >= 1 {
		tb.tokens--
		close(tb.waiters[0])
		tb.waiters = tb.waiters[1:]
	}
}

// TryAcquire 非阻塞获取一个令牌
func (tb *TokenBucket) TryAcquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// 队列非空时不允许插队
	if len(tb.waiters) == 0 && tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Acquire 阻塞获取一个令牌，FIFO排队
// 等待超过maxWait或ctx取消时返回ErrUpstreamUnavailable，令牌耗尽不允许无限等待
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	if tb.TryAcquire() {
		return nil
	}

	// 入队等待
	ch := make(chan struct{})
	tb.mu.Lock()
	tb.waiters = append(tb.waiters, ch)
	tb.mu.Unlock()

	var timeout <-chan time.Time
	if tb.maxWait > 0 {
		timer := time.NewTimer(tb.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-tb.stopCh:
		return fmt.Errorf("%w: rate limiter stopped", ErrUpstreamUnavailable)
	case <-ctx.Done():
		return tb.abandon(ch, ctx.Err())
	case <-timeout:
		return tb.abandon(ch, fmt.Errorf("token wait exceeded %v", tb.maxWait))
	}
}

// abandon 放弃排队。如果在退出竞争中已经被放行，令牌照常消费，不算失败
func (tb *TokenBucket) abandon(ch chan struct{}, cause error) error {
	tb.mu.Lock()
	for i, w := range tb.waiters {
		if w == ch {
			tb.waiters = append(tb.waiters[:i], tb.waiters[i+1:]...)
			tb.mu.Unlock()
			log.Printf("Rate limiter wait aborted: %v", cause)
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, cause)
		}
	}
	tb.mu.Unlock()
	// 已不在队列中，说明refill刚好把我们放行了
	return nil
}

// Pending 当前排队人数（仅用于日志和测试）
func (tb *TokenBucket) Pending() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.waiters)
}
