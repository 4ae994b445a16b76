package fallback

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/clock"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/pkg/metrics"
)

// Outcome 人工兜底的结果
type Outcome string

const (
	Completed Outcome = "completed"
	TimedOut  Outcome = "timed_out"
)

// Postcondition 与自动路径相同的后置条件
type Postcondition func(ctx context.Context) (bool, error)

// Request 请求人工完成的一个步骤
type Request struct {
	Workflow string
	State    string
	Prompt   string // 给操作者的说明
	Payload  string // 非空时复制到剪贴板，例如要粘贴的来源文本
}

// Pending 正在等待人工完成的请求
type Pending struct {
	Request
	Since    time.Time     `json:"since"`
	Deadline time.Time     `json:"deadline"`
	MaxWait  time.Duration `json:"max_wait"`
}

// Operator 向操作者展示说明
type Operator interface {
	Notify(ctx context.Context, p Pending) error
}

// Clipboard 系统剪贴板
type Clipboard interface {
	WriteAll(text string) error
}

type systemClipboard struct{}

func (systemClipboard) WriteAll(text string) error {
	if clipboard.Unsupported {
		return fmt.Errorf("clipboard unsupported on this system")
	}
	return clipboard.WriteAll(text)
}

// SystemClipboard 基于 atotto/clipboard 的系统剪贴板
func SystemClipboard() Clipboard { return systemClipboard{} }

// Options 兜底参数
type Options struct {
	PollInterval time.Duration
	MaxClipboard int // 复制到剪贴板的最大字符数
}

// Bridge 在自动路径耗尽重试后把步骤交给操作者
type Bridge struct {
	clock     clock.Clock
	operator  Operator
	clipboard Clipboard
	opts      Options
	metrics   *metrics.Metrics

	mu      sync.Mutex
	pending *Pending
}

// NewBridge 创建兜底桥，operator 为 nil 时只写日志，cb 为 nil 时不使用剪贴板
func NewBridge(clk clock.Clock, operator Operator, cb Clipboard, opts Options, m *metrics.Metrics) *Bridge {
	if clk == nil {
		clk = clock.Real()
	}
	if operator == nil {
		operator = LogOperator{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxClipboard <= 0 {
		opts.MaxClipboard = 50000
	}
	return &Bridge{clock: clk, operator: operator, clipboard: cb, opts: opts, metrics: m}
}

// Pending 当前正在等待的请求，没有时返回 nil
func (b *Bridge) Pending() *Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return nil
	}
	p := *b.pending
	return &p
}

// RequestManualCompletion 展示说明，然后按固定间隔轮询 post，
// post 成立立即返回 Completed，maxWait 耗尽返回 TimedOut 和 ManualFallbackTimedOut 错误。
func (b *Bridge) RequestManualCompletion(ctx context.Context, req Request, post Postcondition, maxWait time.Duration) (Outcome, error) {
	start := b.clock.Now()
	p := Pending{Request: req, Since: start, Deadline: start.Add(maxWait), MaxWait: maxWait}
	b.mu.Lock()
	b.pending = &p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.pending = nil
		b.mu.Unlock()
	}()

	if req.Payload != "" && b.clipboard != nil {
		payload := truncateRunes(req.Payload, b.opts.MaxClipboard)
		if err := b.clipboard.WriteAll(payload); err != nil {
			logger.Warn(ctx, "Failed to copy fallback payload to clipboard: %v", err)
		} else {
			logger.Info(ctx, "Copied %d characters to the clipboard", len([]rune(payload)))
		}
	}
	if err := b.operator.Notify(ctx, p); err != nil {
		logger.Warn(ctx, "Failed to notify operator: %v", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			b.metrics.ObserveFallback(req.Workflow, "aborted")
			return "", &models.Error{Kind: models.KindAborted, State: req.State, Err: err}
		}
		ok, err := post(ctx)
		switch {
		case err != nil && driver.IsSessionError(err):
			b.metrics.ObserveFallback(req.Workflow, "session_dead")
			return "", &models.Error{Kind: models.KindSessionDead, State: req.State, Detail: "manual fallback", Err: err}
		case err != nil && models.KindOf(err) == models.KindSessionDead:
			b.metrics.ObserveFallback(req.Workflow, "session_dead")
			return "", err
		case err != nil:
			logger.Debug(ctx, "Fallback postcondition check failed: %v", err)
		case ok:
			logger.Info(ctx, "Manual completion of %s/%s observed after %s", req.Workflow, req.State, b.clock.Now().Sub(start))
			b.metrics.ObserveFallback(req.Workflow, string(Completed))
			return Completed, nil
		}

		remaining := p.Deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			b.metrics.ObserveFallback(req.Workflow, string(TimedOut))
			return TimedOut, &models.Error{
				Kind:   models.KindManualFallbackTimedOut,
				State:  req.State,
				Detail: fmt.Sprintf("operator did not complete the step within %s", maxWait),
			}
		}
		if err := b.clock.Sleep(ctx, min(b.opts.PollInterval, remaining)); err != nil {
			b.metrics.ObserveFallback(req.Workflow, "aborted")
			return "", &models.Error{Kind: models.KindAborted, State: req.State, Err: err}
		}
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// LogOperator 只通过日志提示
type LogOperator struct{}

func (LogOperator) Notify(ctx context.Context, p Pending) error {
	logger.Warn(ctx, "Manual action required in %s/%s (within %s): %s", p.Workflow, p.State, p.MaxWait, p.Prompt)
	return nil
}

// ConsoleOperator 在终端打印醒目的提示，同时写日志
type ConsoleOperator struct {
	W io.Writer
}

func NewConsoleOperator() *ConsoleOperator {
	return &ConsoleOperator{W: os.Stderr}
}

func (c *ConsoleOperator) Notify(ctx context.Context, p Pending) error {
	_ = LogOperator{}.Notify(ctx, p)
	line := strings.Repeat("━", 60)
	var b strings.Builder
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "  MANUAL ACTION REQUIRED  (%s → %s)\n", p.Workflow, p.State)
	fmt.Fprintln(&b, line)
	for _, l := range strings.Split(p.Prompt, "\n") {
		fmt.Fprintf(&b, "  %s\n", l)
	}
	if p.Payload != "" {
		fmt.Fprintln(&b, "  The required content has been copied to your clipboard.")
	}
	fmt.Fprintf(&b, "  Complete the step in the open browser window within %s.\n", p.MaxWait.Round(time.Second))
	fmt.Fprintln(&b, "  The automation resumes as soon as the result is visible.")
	fmt.Fprintln(&b, line)
	_, err := io.WriteString(c.W, b.String())
	return err
}
