package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/clock"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/pkg/metrics"
)

// Scope 解析所需的会话视图：页面、页面状态纪元和界面语言
type Scope interface {
	Page() driver.Page
	// Epoch 每次导航或等待后递增，旧纪元中解析出的元素视为失效
	Epoch() uint64
	Language() string
}

// ResolvedElement 在某个页面纪元内有效的元素句柄
type ResolvedElement struct {
	driver.Element
	Target        TargetID
	StrategyIndex int
	Strategy      driver.Locator
	Epoch         uint64
}

func (r *ResolvedElement) String() string {
	return fmt.Sprintf("%s via #%d %s", r.Target, r.StrategyIndex, r.Strategy)
}

// Options 解析参数
type Options struct {
	// StrategyMin 每个策略至少分到的时间
	StrategyMin time.Duration
	// PollInterval 单个策略内的轮询间隔
	PollInterval time.Duration
}

// DefaultOptions 每个策略至少 1 秒，250ms 轮询一次
func DefaultOptions() Options {
	return Options{StrategyMin: time.Second, PollInterval: 250 * time.Millisecond}
}

// Resolver 按注册表中声明的顺序逐个尝试定位策略
type Resolver struct {
	registry *Registry
	clock    clock.Clock
	opts     Options
	metrics  *metrics.Metrics
}

// NewResolver 创建解析器，clk 为 nil 时使用系统时钟
func NewResolver(registry *Registry, clk clock.Clock, opts Options, m *metrics.Metrics) *Resolver {
	if clk == nil {
		clk = clock.Real()
	}
	def := DefaultOptions()
	if opts.StrategyMin <= 0 {
		opts.StrategyMin = def.StrategyMin
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &Resolver{registry: registry, clock: clk, opts: opts, metrics: m}
}

// Registry 返回底层注册表
func (r *Resolver) Registry() *Registry {
	return r.registry
}

func (r *Resolver) target(scope Scope, id TargetID, vars Vars) (Target, error) {
	t, err := r.registry.Target(id, scope.Language())
	if err != nil {
		return Target{}, err
	}
	return t.Bind(vars)
}

// ShareFor 计算每个策略分到的时间
func (r *Resolver) ShareFor(timeout time.Duration, strategies int) time.Duration {
	if strategies <= 0 {
		return 0
	}
	share := timeout / time.Duration(strategies)
	if share < r.opts.StrategyMin {
		share = r.opts.StrategyMin
	}
	return share
}

// Resolve 把 timeout 平均分给各个策略，按顺序在各自的时间片内轮询，
// 返回第一个可见且可交互的匹配。所有时间片耗尽后才返回 ElementNotFound。
func (r *Resolver) Resolve(ctx context.Context, scope Scope, id TargetID, timeout time.Duration, vars Vars) (*ResolvedElement, error) {
	return r.ResolveBefore(ctx, scope, id, timeout, time.Time{}, vars)
}

// ResolveBefore 同 Resolve，但任何时间片都不越过 cutoff。
// 过了 cutoff 的策略仍会被查询一次。cutoff 为零值时不限制。
func (r *Resolver) ResolveBefore(ctx context.Context, scope Scope, id TargetID, timeout time.Duration, cutoff time.Time, vars Vars) (*ResolvedElement, error) {
	t, err := r.target(scope, id, vars)
	if err != nil {
		return nil, err
	}
	page := scope.Page()
	share := r.ShareFor(timeout, len(t.Strategies))
	start := r.clock.Now()

	for i, loc := range t.Strategies {
		deadline := r.clock.Now().Add(share)
		if !cutoff.IsZero() && cutoff.Before(deadline) {
			deadline = cutoff
		}
		warned := false
		for {
			if err := ctx.Err(); err != nil {
				return nil, &models.Error{Kind: models.KindAborted, Target: string(id), Err: err}
			}
			els, err := page.Query(ctx, loc)
			switch {
			case err != nil && driver.IsSessionError(err):
				return nil, &models.Error{Kind: models.KindSessionDead, Target: string(id), Err: err}
			case err != nil:
				if !warned {
					logger.Warn(ctx, "Strategy #%d %s for %s failed: %v", i, loc, id, err)
					warned = true
				}
			case len(els) > 0:
				r.metrics.ObserveResolution(string(id), i, true)
				logger.Debug(ctx, "Resolved %s via strategy #%d %s after %s", id, i, loc, r.clock.Now().Sub(start))
				return &ResolvedElement{
					Element:       els[0],
					Target:        id,
					StrategyIndex: i,
					Strategy:      loc,
					Epoch:         scope.Epoch(),
				}, nil
			}

			remaining := deadline.Sub(r.clock.Now())
			if remaining <= 0 {
				break
			}
			if err := r.clock.Sleep(ctx, min(r.opts.PollInterval, remaining)); err != nil {
				return nil, &models.Error{Kind: models.KindAborted, Target: string(id), Err: err}
			}
		}
	}

	r.metrics.ObserveResolution(string(id), -1, false)
	return nil, &models.Error{
		Kind:   models.KindElementNotFound,
		Target: string(id),
		Detail: fmt.Sprintf("%d strategies exhausted after %s", len(t.Strategies), r.clock.Now().Sub(start)),
	}
}

// Probe 立即对所有策略各查一次，不等待。没有匹配时返回 (nil, nil)。
func (r *Resolver) Probe(ctx context.Context, scope Scope, id TargetID, vars Vars) (*ResolvedElement, error) {
	all, err := r.All(ctx, scope, id, vars)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// All 返回第一个有匹配的策略找到的全部元素，按文档顺序
func (r *Resolver) All(ctx context.Context, scope Scope, id TargetID, vars Vars) ([]*ResolvedElement, error) {
	t, err := r.target(scope, id, vars)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &models.Error{Kind: models.KindAborted, Target: string(id), Err: err}
	}
	page := scope.Page()
	epoch := scope.Epoch()
	for i, loc := range t.Strategies {
		els, err := page.Query(ctx, loc)
		if err != nil {
			if driver.IsSessionError(err) {
				return nil, &models.Error{Kind: models.KindSessionDead, Target: string(id), Err: err}
			}
			if !errors.Is(err, driver.ErrInvalidLocator) {
				logger.Debug(ctx, "Probe %s strategy #%d %s: %v", id, i, loc, err)
			}
			continue
		}
		if len(els) == 0 {
			continue
		}
		out := make([]*ResolvedElement, len(els))
		for j, el := range els {
			out[j] = &ResolvedElement{Element: el, Target: id, StrategyIndex: i, Strategy: loc, Epoch: epoch}
		}
		return out, nil
	}
	return nil, nil
}

// Visible 目标当前是否可见
func (r *Resolver) Visible(ctx context.Context, scope Scope, id TargetID, vars Vars) (bool, error) {
	el, err := r.Probe(ctx, scope, id, vars)
	return el != nil, err
}

// Count 当前匹配的元素数量
func (r *Resolver) Count(ctx context.Context, scope Scope, id TargetID, vars Vars) (int, error) {
	all, err := r.All(ctx, scope, id, vars)
	return len(all), err
}
