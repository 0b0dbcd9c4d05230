package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/any-hub/apkrelay/internal/artifact"
)

// DefaultMaxConcurrent 是全局同时进行的获取上限。
const DefaultMaxConcurrent = 200

// Governor 组合按 key 的互斥锁与全局并发上限。
type Governor struct {
	mu    sync.Mutex
	locks map[string]*entryLock

	sem      *semaphore.Weighted
	limit    int64
	inflight atomic.Int64
}

// entryLock 用容量为 1 的 channel 实现可被 ctx 打断的互斥，refs 归零时从表中删除。
type entryLock struct {
	ch   chan struct{}
	refs int
}

// NewGovernor 创建 Governor，maxConcurrent<=0 时使用默认值。
func NewGovernor(maxConcurrent int) *Governor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Governor{
		locks: make(map[string]*entryLock),
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
		limit: int64(maxConcurrent),
	}
}

// Lock 获取 key 的独占锁，等待期间 ctx 结束则返回 ctx 错误。
func (g *Governor) Lock(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	lock := g.locks[key]
	if lock == nil {
		lock = &entryLock{ch: make(chan struct{}, 1)}
		g.locks[key] = lock
	}
	lock.refs++
	g.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		g.release(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			g.release(key, lock)
		})
	}, nil
}

func (g *Governor) release(key string, lock *entryLock) {
	g.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(g.locks, key)
	}
	g.mu.Unlock()
}

// Acquire 占用一个全局名额；ctx 超时仍未获得名额时返回 ErrBackpressure。
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %d acquisitions in flight", artifact.ErrBackpressure, g.inflight.Load())
		}
		return nil, err
	}
	g.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.inflight.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// ActiveLocks 返回当前被持有或等待中的 key 数量。
func (g *Governor) ActiveLocks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

func (g *Governor) InFlight() int64 {
	return g.inflight.Load()
}

func (g *Governor) Limit() int64 {
	return g.limit
}
