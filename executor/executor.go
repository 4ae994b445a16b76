package executor

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/clock"
	"github.com/notebookwing/notebookwing/pkg/logger"
)

// Executor 对已解析的元素执行点击、输入、滚动
type Executor struct {
	resolver *locator.Resolver
	clock    clock.Clock
	opts     Options
}

// NewExecutor 创建 Executor 实例
func NewExecutor(resolver *locator.Resolver, clk clock.Clock, opts Options) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Executor{resolver: resolver, clock: clk, opts: opts.withDefaults()}
}

// Options 当前交互参数
func (e *Executor) Options() Options {
	return e.opts
}

func (e *Executor) checkFresh(scope locator.Scope, el *locator.ResolvedElement) error {
	if el == nil {
		return &models.Error{Kind: models.KindElementNotFound, Detail: "nil element"}
	}
	if el.Epoch != scope.Epoch() {
		return &models.Error{
			Kind:   models.KindInteractionBlocked,
			Target: string(el.Target),
			Detail: fmt.Sprintf("resolved in epoch %d, page is at %d", el.Epoch, scope.Epoch()),
			Err:    ErrStaleElement,
		}
	}
	return nil
}

func classify(el *locator.ResolvedElement, err error, detail string) error {
	if driver.IsSessionError(err) {
		return &models.Error{Kind: models.KindSessionDead, Target: string(el.Target), Err: err}
	}
	return &models.Error{Kind: models.KindInteractionBlocked, Target: string(el.Target), Detail: detail, Err: err}
}

// Click 滚动到视口中央，先用脚本点击，失败后退回原生点击，两者都失败时返回 InteractionBlocked
func (e *Executor) Click(ctx context.Context, scope locator.Scope, el *locator.ResolvedElement) error {
	if err := e.checkFresh(scope, el); err != nil {
		return err
	}

	if err := el.ScrollIntoCenter(ctx); err != nil {
		if driver.IsSessionError(err) {
			return classify(el, err, "")
		}
		logger.Debug(ctx, "[Click] Scroll into view failed for %s: %v", el, err)
	}

	jsErr := el.ScriptClick(ctx)
	if jsErr == nil {
		logger.Debug(ctx, "[Click] ✓ Script click succeeded: %s", el)
		return nil
	}
	if driver.IsSessionError(jsErr) {
		return classify(el, jsErr, "")
	}

	logger.Warn(ctx, "[Click] Script click failed for %s, trying native click: %v", el, jsErr)
	if err := el.NativeClick(ctx); err != nil {
		return classify(el, err, fmt.Sprintf("script click: %v; native click failed", jsErr))
	}
	logger.Info(ctx, "[Click] Native click succeeded: %s", el)
	return nil
}

// Type 清空后分块输入文本，块之间按配置停顿
func (e *Executor) Type(ctx context.Context, scope locator.Scope, el *locator.ResolvedElement, text string) error {
	if err := e.checkFresh(scope, el); err != nil {
		return err
	}
	if err := el.Focus(ctx); err != nil {
		if driver.IsSessionError(err) {
			return classify(el, err, "")
		}
		logger.Debug(ctx, "[Type] Focus failed for %s: %v", el, err)
	}
	if err := el.Clear(ctx); err != nil {
		return classify(el, err, "clear failed")
	}

	chunks := Chunks(text, e.opts.ChunkSize)
	for i, chunk := range chunks {
		if err := el.InsertText(ctx, chunk); err != nil {
			return classify(el, err, fmt.Sprintf("chunk %d/%d", i+1, len(chunks)))
		}
		if i < len(chunks)-1 && e.opts.ChunkPause > 0 {
			if err := e.clock.Sleep(ctx, e.opts.ChunkPause); err != nil {
				return &models.Error{Kind: models.KindAborted, Target: string(el.Target), Err: err}
			}
		}
	}
	if len(chunks) > 1 {
		logger.Info(ctx, "[Type] Typed %d characters in %d chunks into %s", utf8.RuneCountInString(text), len(chunks), el.Target)
	}
	return nil
}

// Scroll 在元素内部滚动（下拉列表等），dy 为 0 时使用默认步长
func (e *Executor) Scroll(ctx context.Context, scope locator.Scope, el *locator.ResolvedElement, dy int) error {
	if err := e.checkFresh(scope, el); err != nil {
		return err
	}
	if dy == 0 {
		dy = e.opts.ScrollStep
	}
	if err := el.ScrollBy(ctx, dy); err != nil {
		return classify(el, err, "scroll failed")
	}
	return nil
}

// PressKey 向页面发送按键
func (e *Executor) PressKey(ctx context.Context, scope locator.Scope, key driver.Key) error {
	if err := scope.Page().PressKey(ctx, key); err != nil {
		if driver.IsSessionError(err) {
			return &models.Error{Kind: models.KindSessionDead, Err: err}
		}
		return &models.Error{Kind: models.KindInteractionBlocked, Detail: "press " + string(key), Err: err}
	}
	return nil
}

// DismissOverlays 关闭遮挡页面的弹层：按 Escape，尝试关闭按钮，再轮询直到消失或超时。
// 从不返回错误，返回值表示是否检测到了弹层。
func (e *Executor) DismissOverlays(ctx context.Context, scope locator.Scope) bool {
	present, err := e.resolver.Visible(ctx, scope, locator.TargetOverlay, nil)
	if err != nil || !present {
		return false
	}

	logger.Info(ctx, "Overlay detected, dismissing")
	if err := scope.Page().PressKey(ctx, driver.KeyEscape); err != nil {
		logger.Debug(ctx, "Escape failed: %v", err)
	}

	deadline := e.clock.Now().Add(e.opts.OverlayTimeout)
	triedClose := false
	for {
		present, err := e.resolver.Visible(ctx, scope, locator.TargetOverlay, nil)
		if err != nil {
			logger.Debug(ctx, "Overlay probe failed: %v", err)
			return true
		}
		if !present {
			logger.Info(ctx, "Overlay dismissed")
			return true
		}
		if !triedClose {
			triedClose = true
			if btn, _ := e.resolver.Probe(ctx, scope, locator.TargetDialogClose, nil); btn != nil {
				if err := btn.ScriptClick(ctx); err != nil {
					logger.Debug(ctx, "Close button click failed: %v", err)
				}
			}
		}
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			logger.Warn(ctx, "Overlay still present after %s, continuing", e.opts.OverlayTimeout)
			return true
		}
		if err := e.clock.Sleep(ctx, min(e.opts.PollInterval, remaining)); err != nil {
			return true
		}
	}
}

// Chunks 按字符（而非字节）切分文本
func Chunks(text string, size int) []string {
	if text == "" {
		return []string{""}
	}
	if size <= 0 {
		return []string{text}
	}
	var out []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}
