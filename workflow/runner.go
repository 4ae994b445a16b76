package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/executor"
	"github.com/notebookwing/notebookwing/fallback"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/clock"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/pkg/metrics"
	"github.com/notebookwing/notebookwing/services/browser"
	"github.com/notebookwing/notebookwing/snapshot"
)

// SessionProvider 提供存活的浏览器会话，browser.Manager 实现了它
type SessionProvider interface {
	Acquire(ctx context.Context) (*browser.Session, error)
	IsAlive(ctx context.Context, s *browser.Session) bool
}

// RunStore 保存执行记录
type RunStore interface {
	SaveRun(run *models.RunRecord) error
}

// Deps 运行器依赖，Bridge、Capturer、Store、Metrics 可以为 nil
type Deps struct {
	Sessions SessionProvider
	Resolver *locator.Resolver
	Executor *executor.Executor
	Bridge   *fallback.Bridge
	Capturer *snapshot.Capturer
	Store    RunStore
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Outcome 一次执行的结果和状态轨迹
type Outcome struct {
	Result *models.WorkflowResult
	Trace  []Transition
	Err    error
}

// Runner 在唯一的会话上逐个执行工作流
type Runner struct {
	sessions SessionProvider
	resolver *locator.Resolver
	exec     *executor.Executor
	bridge   *fallback.Bridge
	capturer *snapshot.Capturer
	store    RunStore
	clock    clock.Clock
	metrics  *metrics.Metrics
	settings Settings

	// slot 同一时间只允许一个工作流占用会话
	slot chan struct{}

	mu         sync.Mutex
	running    string
	cancel     context.CancelFunc
	last       *models.WorkflowResult
	notebook   *models.NotebookHandle
	onNotebook func(*models.NotebookHandle)
}

// NewRunner 创建运行器
func NewRunner(d Deps, s Settings) *Runner {
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{
		sessions: d.Sessions,
		resolver: d.Resolver,
		exec:     d.Executor,
		bridge:   d.Bridge,
		capturer: d.Capturer,
		store:    d.Store,
		clock:    clk,
		metrics:  d.Metrics,
		settings: s.withDefaults(),
		slot:     make(chan struct{}, 1),
	}
}

// Settings 当前参数
func (r *Runner) Settings() Settings {
	return r.settings
}

// OnNotebook 注册当前笔记本变化的回调
func (r *Runner) OnNotebook(fn func(*models.NotebookHandle)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNotebook = fn
}

// Running 正在执行的工作流名称，空闲时为空
func (r *Runner) Running() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Last 最近一次执行的结果
func (r *Runner) Last() *models.WorkflowResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Notebook 最近一次打开或创建的笔记本
func (r *Runner) Notebook() *models.NotebookHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notebook
}

// Abort 取消正在执行的工作流，在下一个轮询边界生效，会话保持存活
func (r *Runner) Abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	logger.Warn(context.Background(), "Aborting workflow %s", r.running)
	r.cancel()
	return true
}

func (r *Runner) acquireSlot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 执行工作流，总是返回结构化结果，不会 panic
func (r *Runner) Run(ctx context.Context, wf *Workflow) (out *Outcome) {
	runID := uuid.New().String()
	ctx = logger.WithWorkflow(logger.WithTraceID(ctx, runID), wf.Name)
	start := r.clock.Now()
	out = &Outcome{Result: &models.WorkflowResult{
		RunID:     runID,
		Workflow:  wf.Name,
		State:     StateIdle,
		Attempts:  map[string]int{},
		StartedAt: start,
	}}

	if wf.Validate != nil {
		if err := wf.Validate(); err != nil {
			r.finish(ctx, out, nil, StateIdle, "", models.AsError(err, models.KindInvalidInput))
			return out
		}
	}

	if err := r.acquireSlot(ctx); err != nil {
		r.finish(ctx, out, nil, StateIdle, "", &models.Error{Kind: models.KindAborted, State: StateIdle, Detail: "waiting for another workflow", Err: err})
		return out
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running = wf.Name
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.running = ""
		r.cancel = nil
		r.last = out.Result
		r.mu.Unlock()
		<-r.slot
	}()

	// 在工作流开始时重新计时，等待执行槽的时间不计入预算
	start = r.clock.Now()
	out.Result.StartedAt = start

	var (
		sc    *Scope
		state = StateIdle
		step  *Step
	)
	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "Workflow %s panicked in state %s: %v", wf.Name, state, p)
			target := ""
			if step != nil {
				target = step.Target
			}
			r.finish(ctx, out, sc, state, target, &models.Error{Kind: models.KindInteractionBlocked, State: state, Detail: fmt.Sprintf("panic: %v", p)})
		}
	}()

	logger.Info(ctx, "▶️ Workflow %s started", wf.Name)
	budget := wf.Timeout
	if budget <= 0 {
		budget = r.settings.WorkflowTimeout
	}
	deadline := start.Add(budget)

	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		r.finish(ctx, out, nil, state, "", models.AsError(err, models.KindSessionDead))
		return out
	}
	sc = &Scope{runner: r, session: sess, workflow: wf.Name, deadline: deadline, notebook: r.Notebook()}

	for i := 0; i < len(wf.Steps); i++ {
		step = wf.Steps[i]
		stepStart := r.clock.Now()
		res, err := r.runStep(ctx, sc, wf, step, state, deadline)
		out.Result.Attempts[step.Name] = res.attempts
		if err != nil {
			if step.Optional && models.KindOf(err).Retryable() {
				logger.Warn(ctx, "Optional step %s skipped: %v", step.Name, err)
				out.Trace = append(out.Trace, Transition{
					Step: step.Name, From: state, To: step.To, Attempts: res.attempts,
					Skipped: true, At: stepStart, Duration: r.clock.Now().Sub(stepStart),
				})
				state = step.To
				continue
			}
			r.finish(ctx, out, sc, state, step.Target, err)
			return out
		}

		to := step.To
		if res.manual {
			out.Result.Manual = true
			if res.resume != "" {
				to = res.resume
				for j := i + 1; j < len(wf.Steps); j++ {
					if wf.Steps[j].To == res.resume {
						i = j
						break
					}
				}
			}
		}
		out.Trace = append(out.Trace, Transition{
			Step: step.Name, From: state, To: to, Attempts: res.attempts,
			Manual: res.manual, At: stepStart, Duration: r.clock.Now().Sub(stepStart),
		})
		logger.Debug(ctx, "State %s → %s", state, to)
		state = to
	}
	step = nil

	out.Result.Success = true
	out.Result.State = StateConfirmed
	if wf.Result != nil {
		out.Result.Data = wf.Result()
	}
	r.finish(ctx, out, sc, StateConfirmed, "", nil)
	return out
}

type stepResult struct {
	attempts int
	manual   bool
	resume   string
}

// runStep 执行一个步骤：每次尝试前检查会话存活，按需关闭弹层，执行交互并轮询后置条件。
// 可重试的错误恰好重试 Attempts 次，之后交给人工兜底或返回最后一次的错误。
func (r *Runner) runStep(ctx context.Context, sc *Scope, wf *Workflow, step *Step, from string, deadline time.Time) (stepResult, error) {
	var res stepResult
	attempts := step.Attempts
	if attempts <= 0 {
		attempts = r.settings.Attempts
	}
	stepTimeout := step.Timeout
	if stepTimeout <= 0 {
		stepTimeout = r.settings.StepTimeout
	}

	var last error
	for a := 1; a <= attempts; a++ {
		if err := ctx.Err(); err != nil {
			return res, &models.Error{Kind: models.KindAborted, State: from, Err: err}
		}
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			if last != nil {
				return res, last
			}
			return res, &models.Error{Kind: models.KindPostconditionTimeout, State: from, Target: step.Target, Detail: "workflow time budget exhausted"}
		}
		if !r.sessions.IsAlive(ctx, sc.session) {
			return res, r.sessionLost(ctx, from, nil)
		}

		res.attempts = a
		sc.deadline = r.clock.Now().Add(min(stepTimeout, remaining))
		sc.session.Invalidate()
		if !step.KeepDialogs {
			r.exec.DismissOverlays(ctx, sc)
		}

		err := r.attempt(ctx, sc, step)
		if err == nil {
			r.metrics.ObserveStep(wf.Name, step.Name, "ok")
			return res, nil
		}
		err = withState(err, from, step.Target)
		kind := models.KindOf(err)
		r.metrics.ObserveStep(wf.Name, step.Name, string(kind))

		if kind == models.KindSessionDead {
			return res, r.sessionLost(ctx, from, err)
		}
		if kind == models.KindSignInRequired {
			// 重试无用，直接交给操作者登录
			last = err
			break
		}
		if !kind.Retryable() {
			return res, err
		}
		last = err
		logger.Warn(ctx, "Step %s attempt %d/%d failed: %v", step.Name, a, attempts, err)
	}

	if step.Fallback != nil && r.bridge != nil && r.settings.FallbackEnabled {
		if sc.session.Headless() {
			logger.Warn(ctx, "Manual fallback for %s unavailable in headless mode", step.Name)
			return res, last
		}
		if deadline.Sub(r.clock.Now()) <= 0 {
			return res, last
		}
		return r.manual(ctx, sc, wf, step, from, deadline, res, last)
	}
	return res, last
}

func (r *Runner) attempt(ctx context.Context, sc *Scope, step *Step) error {
	if step.Pre != nil {
		ok, err := step.Pre(ctx, sc)
		if err != nil {
			return classify(err)
		}
		if !ok {
			return &models.Error{Kind: models.KindPostconditionTimeout, Detail: "precondition not met"}
		}
	}
	if step.Act != nil {
		if err := step.Act(ctx, sc); err != nil {
			return classify(err)
		}
	}
	if step.Post == nil {
		return nil
	}
	poll := step.Poll
	if poll <= 0 {
		poll = r.settings.PollInterval
	}
	return r.poll(ctx, sc, step.Post, poll)
}

// poll 每次迭代都检查取消，超过尝试截止时间返回 PostconditionTimeout
func (r *Runner) poll(ctx context.Context, sc *Scope, post Condition, interval time.Duration) error {
	start := r.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return &models.Error{Kind: models.KindAborted, Err: err}
		}
		ok, err := post(ctx, sc)
		switch {
		case err != nil:
			err = classify(err)
			switch models.KindOf(err) {
			case models.KindSessionDead, models.KindAborted, models.KindSignInRequired:
				return err
			}
			logger.Debug(ctx, "Postcondition check failed: %v", err)
		case ok:
			return nil
		}

		remaining := sc.deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return &models.Error{
				Kind:   models.KindPostconditionTimeout,
				Detail: fmt.Sprintf("postcondition not observed within %s", r.clock.Now().Sub(start)),
			}
		}
		if err := r.clock.Sleep(ctx, min(interval, remaining)); err != nil {
			return &models.Error{Kind: models.KindAborted, Err: err}
		}
		sc.session.Invalidate()
	}
}

// manual 把步骤交给操作者，完成后从 Resume 状态继续
func (r *Runner) manual(ctx context.Context, sc *Scope, wf *Workflow, step *Step, from string, deadline time.Time, res stepResult, last error) (stepResult, error) {
	fb := step.Fallback
	post := fb.Post
	if post == nil {
		post = step.Post
	}
	if post == nil {
		return res, last
	}
	maxWait := fb.MaxWait
	if maxWait <= 0 {
		maxWait = r.settings.ManualWait
	}
	maxWait = min(maxWait, deadline.Sub(r.clock.Now()))

	logger.Warn(ctx, "Step %s exhausted %d attempts, requesting manual completion", step.Name, res.attempts)
	req := fallback.Request{Workflow: wf.Name, State: from, Prompt: fb.Prompt, Payload: fb.Payload}
	_, err := r.bridge.RequestManualCompletion(ctx, req, func(ctx context.Context) (bool, error) {
		sc.session.Invalidate()
		return post(ctx, sc)
	}, maxWait)
	if err != nil {
		if models.KindOf(err) == models.KindSessionDead {
			return res, r.sessionLost(ctx, from, err)
		}
		var e *models.Error
		if errors.As(err, &e) && e.Kind == models.KindManualFallbackTimedOut && e.Err == nil {
			e.Target = step.Target
			e.Err = last
		}
		return res, err
	}
	res.manual = true
	res.resume = fb.Resume
	return res, nil
}

// sessionLost 会话失活：重建一次，当前工作流以 SessionDead 结束
func (r *Runner) sessionLost(ctx context.Context, state string, cause error) error {
	logger.Error(ctx, "Browser session lost in state %s", state)
	if _, err := r.sessions.Acquire(context.WithoutCancel(ctx)); err != nil {
		logger.Error(ctx, "Session recreation failed: %v", err)
		return &models.Error{Kind: models.KindSessionDead, State: state, Detail: "session lost and recreation failed", Err: err}
	}
	logger.Info(ctx, "Browser session recreated; it will serve the next workflow")
	return &models.Error{Kind: models.KindSessionDead, State: state, Detail: "session lost during workflow", Err: cause}
}

// finish 写结果、快照、指标和执行记录
func (r *Runner) finish(ctx context.Context, out *Outcome, sc *Scope, state, target string, err error) {
	res := out.Result
	res.Duration = r.clock.Now().Sub(res.StartedAt)

	if err != nil {
		e := withState(models.AsError(err, models.KindInteractionBlocked), state, target).(*models.Error)
		out.Err = e
		res.Success = false
		res.State = StateFailed
		res.FailedState = state
		res.ErrorKind = e.Kind
		res.Error = e.Error()

		switch e.Kind {
		case models.KindAborted, models.KindInvalidInput, models.KindDownloadUnsupported:
			logger.Warn(ctx, "Workflow %s ended in state %s: %v", res.Workflow, state, e)
		default:
			logger.Error(ctx, "❌ Workflow %s failed in state %s: %v", res.Workflow, state, e)
			if r.capturer != nil {
				var page driver.Page
				if sc != nil {
					page = sc.Page()
				}
				if snap := r.capturer.Capture(ctx, page, snapshot.Meta{Workflow: res.Workflow, State: state, Target: e.Target, Err: e}); snap != nil {
					res.Snapshot = snap.Dir
				}
			}
		}
		r.metrics.ObserveWorkflow(res.Workflow, string(e.Kind), res.Duration)
	} else {
		logger.Info(ctx, "✅ Workflow %s confirmed in %s", res.Workflow, res.Duration)
		r.metrics.ObserveWorkflow(res.Workflow, "confirmed", res.Duration)
	}

	if r.store != nil {
		rec := &models.RunRecord{WorkflowResult: *res}
		if sc != nil && sc.notebook != nil {
			rec.Notebook = sc.notebook.URL
		}
		if err := r.store.SaveRun(rec); err != nil {
			logger.Warn(ctx, "Failed to save run %s: %v", res.RunID, err)
		}
	}
}

// classify 未分类的错误：控制通道错误为 SessionDead，取消为 Aborted，其余为 InteractionBlocked
func classify(err error) error {
	if err == nil || models.KindOf(err) != "" {
		return err
	}
	switch {
	case driver.IsSessionError(err):
		return &models.Error{Kind: models.KindSessionDead, Err: err}
	case errors.Is(err, context.Canceled):
		return &models.Error{Kind: models.KindAborted, Err: err}
	}
	return &models.Error{Kind: models.KindInteractionBlocked, Err: err}
}

// withState 补上失败状态和目标，返回新的 *models.Error
func withState(err error, state, target string) error {
	e := models.AsError(classify(err), models.KindInteractionBlocked)
	c := *e
	if c.State == "" {
		c.State = state
	}
	if c.Target == "" {
		c.Target = target
	}
	return &c
}
