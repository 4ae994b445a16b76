// Package clock 为轮询循环提供可替换的时间源。
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock 所有轮询、等待都通过它来计时，测试中换成 Fake
type Clock interface {
	Now() time.Time
	// Sleep 等待 d，ctx 取消时提前返回 ctx.Err()
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real 返回基于系统时间的 Clock
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake 是手动推进的时钟，Sleep 立即把时间向前拨 d
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
	onTick []func(time.Time)
}

// NewFake 创建从 start 开始的假时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Advance(d)
	return ctx.Err()
}

// Advance 推进时间并触发 OnAdvance 回调
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.sleeps++
	now := f.now
	hooks := append([]func(time.Time){}, f.onTick...)
	f.mu.Unlock()

	for _, h := range hooks {
		h(now)
	}
}

// OnAdvance 注册时间推进回调，测试里用来在某个时刻取消 ctx 或改变页面
func (f *Fake) OnAdvance(fn func(now time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = append(f.onTick, fn)
}

// Sleeps 返回 Sleep/Advance 被调用的次数
func (f *Fake) Sleeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeps
}

// Since 是 Now().Sub(t) 的简写
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
