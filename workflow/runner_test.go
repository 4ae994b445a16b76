package workflow

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/notebookwing/notebookwing/driver/drivertest"
	"github.com/notebookwing/notebookwing/fallback"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func always(ok bool) Condition {
	return func(ctx context.Context, s *Scope) (bool, error) { return ok, nil }
}

func TestStepSucceedsOnThirdAttempt(t *testing.T) {
	e := newEnv(t)
	calls := 0
	wf := &Workflow{Name: "flaky", Steps: []*Step{{
		Name:   "flaky-step",
		To:     "Done",
		Target: string(locator.TargetChatSend),
		Act: func(ctx context.Context, s *Scope) error {
			calls++
			return nil
		},
		Post: func(ctx context.Context, s *Scope) (bool, error) { return calls >= 3, nil },
	}}}

	out := e.run(wf)
	require.NoError(t, out.Err)
	assert.True(t, out.Result.Success)
	assert.Equal(t, StateConfirmed, out.Result.State)
	assert.Equal(t, 3, out.Result.Attempts["flaky-step"])
	assert.Equal(t, 3, calls)
	require.Len(t, out.Trace, 1)
	assert.Equal(t, Transition{Step: "flaky-step", From: StateIdle, To: "Done", Attempts: 3, At: out.Trace[0].At, Duration: out.Trace[0].Duration}, out.Trace[0])
	assert.Empty(t, out.Result.Snapshot)

	expected := `
# HELP notebookwing_step_attempts_total Workflow step attempts by outcome.
# TYPE notebookwing_step_attempts_total counter
notebookwing_step_attempts_total{outcome="PostconditionTimeout",step="flaky-step",workflow="flaky"} 2
notebookwing_step_attempts_total{outcome="ok",step="flaky-step",workflow="flaky"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(e.prom, strings.NewReader(expected), "notebookwing_step_attempts_total"))
}

func TestStepFailsAfterExactlyThreeAttempts(t *testing.T) {
	e := newEnv(t)
	calls := 0
	wf := &Workflow{Name: "broken", Steps: []*Step{
		{Name: "ready", To: "Ready", Post: always(true)},
		{
			Name:   "never",
			To:     "Never",
			Target: string(locator.TargetChatSend),
			Act: func(ctx context.Context, s *Scope) error {
				calls++
				return nil
			},
			Post: always(false),
		},
	}}

	out := e.run(wf)
	require.Error(t, out.Err)
	assert.Equal(t, 3, calls)
	assert.False(t, out.Result.Success)
	assert.Equal(t, StateFailed, out.Result.State)
	assert.Equal(t, "Ready", out.Result.FailedState)
	assert.Equal(t, models.KindPostconditionTimeout, out.Result.ErrorKind)
	assert.Contains(t, out.Result.Error, "in state Ready")
	assert.Contains(t, out.Result.Error, string(locator.TargetChatSend))
	assert.True(t, errors.Is(out.Err, &models.Error{Kind: models.KindPostconditionTimeout, State: "Ready"}))

	require.NotEmpty(t, out.Result.Snapshot)
	_, err := os.Stat(out.Result.Snapshot)
	assert.NoError(t, err)

	runs := e.store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, models.KindPostconditionTimeout, runs[0].ErrorKind)
}

func TestNonRetryableErrorStopsImmediately(t *testing.T) {
	e := newEnv(t)
	calls := 0
	wf := &Workflow{Name: "upstream", Steps: []*Step{{
		Name: "call",
		To:   "Called",
		Act: func(ctx context.Context, s *Scope) error {
			calls++
			return models.NewError(models.KindUpstreamServiceUnavailable, "quota", nil)
		},
	}}}

	out := e.run(wf)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.KindUpstreamServiceUnavailable, out.Result.ErrorKind)
	assert.Equal(t, 1, out.Result.Attempts["call"])
}

func TestFailedPreconditionCountsAsAttempt(t *testing.T) {
	e := newEnv(t)
	acted := false
	wf := &Workflow{Name: "guarded", Steps: []*Step{{
		Name: "guarded",
		To:   "Done",
		Pre:  always(false),
		Act: func(ctx context.Context, s *Scope) error {
			acted = true
			return nil
		},
	}}}

	out := e.run(wf)
	assert.False(t, acted)
	assert.Equal(t, 3, out.Result.Attempts["guarded"])
	assert.Equal(t, models.KindPostconditionTimeout, out.Result.ErrorKind)
	assert.Contains(t, out.Result.Error, "precondition not met")
}

func TestOptionalStepIsSkipped(t *testing.T) {
	e := newEnv(t)
	wf := &Workflow{Name: "optional", Steps: []*Step{
		{Name: "maybe", To: "Maybe", Optional: true, Post: always(false)},
		{Name: "done", To: StateConfirmed, Post: always(true)},
	}}

	out := e.run(wf)
	require.NoError(t, out.Err)
	require.Len(t, out.Trace, 2)
	assert.True(t, out.Trace[0].Skipped)
	assert.Equal(t, "Maybe", out.Trace[1].From)
}

func TestStaleElementIsResolvedAgain(t *testing.T) {
	e := newEnv(t)
	page := e.app().page

	// 第一次解析命中 A，A 点击失败后被重新渲染成 B
	queries := 0
	a := drivertest.NewElement("send A")
	a.ScriptClickErr = errors.New("element is covered")
	a.NativeClickErr = errors.New("element is covered")
	a.Visible = func() bool {
		queries++
		return queries == 1
	}
	b := drivertest.NewElement("send B")

	target, err := e.reg.Target(locator.TargetChatSend, "en")
	require.NoError(t, err)
	page.Remove(target.Strategies[0])
	page.Add(target.Strategies[0], a, b)

	wf := &Workflow{Name: "stale", Steps: []*Step{{
		Name:   "send",
		To:     "Sent",
		Target: string(locator.TargetChatSend),
		Act: func(ctx context.Context, s *Scope) error {
			return s.Click(ctx, locator.TargetChatSend, nil)
		},
		Post: func(ctx context.Context, s *Scope) (bool, error) { return b.Clicks() > 0, nil },
	}}}

	out := e.run(wf)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Result.Attempts["send"])
	assert.Equal(t, 2, a.Clicks())
	assert.Equal(t, 1, b.Clicks())
}

func TestManualFallbackCompletes(t *testing.T) {
	e := newEnv(t, withApp(func(a *fakeApp) {
		a.openNotebook("Digital Comms")
		a.pasteBroken = true
	}))
	e.operator.onNotify = func(p fallback.Pending) {
		e.app().addSource("Pasted text")
	}
	text := strings.Repeat("signal ", 50)

	out := e.run(e.builder.AddTextSource("Lecture 1", text))
	require.NoError(t, out.Err)
	assert.True(t, out.Result.Manual)
	assert.Equal(t, StateConfirmed, out.Result.State)
	assert.Equal(t, 3, out.Result.Attempts["click-add-source"])

	calls := e.operator.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, StateAwaitingAddButton, calls[0].State)
	assert.Equal(t, text, calls[0].Payload)
	assert.Equal(t, text, e.clip.Text())

	res := out.Result.Data.(*AddSourceResult)
	assert.True(t, res.Manual)
	assert.Equal(t, 1, res.SourceCount)

	last := out.Trace[len(out.Trace)-1]
	assert.True(t, last.Manual)
	assert.Equal(t, StateConfirmed, last.To)
}

func TestManualFallbackTimesOut(t *testing.T) {
	e := newEnv(t, withApp(func(a *fakeApp) {
		a.openNotebook("Digital Comms")
		a.pasteBroken = true
	}))

	out := e.run(e.builder.AddTextSource("Lecture 1", "some text"))
	require.Error(t, out.Err)
	assert.Equal(t, models.KindManualFallbackTimedOut, out.Result.ErrorKind)
	assert.Equal(t, StateAwaitingAddButton, out.Result.FailedState)
	assert.Len(t, e.operator.calls(), 1)
	assert.NotEmpty(t, out.Result.Snapshot)
}

func TestManualFallbackSkippedWhenHeadless(t *testing.T) {
	e := newEnv(t, headless(), withApp(func(a *fakeApp) {
		a.openNotebook("Digital Comms")
		a.pasteBroken = true
	}))

	out := e.run(e.builder.AddTextSource("Lecture 1", "some text"))
	assert.Equal(t, models.KindPostconditionTimeout, out.Result.ErrorKind)
	assert.Empty(t, e.operator.calls())
}

func TestDeadSessionRecreatedOnce(t *testing.T) {
	e := newEnv(t)
	first := e.app()

	wf := &Workflow{Name: "crash", Steps: []*Step{{
		Name:   "crash",
		To:     "Crashed",
		Target: string(locator.TargetNotebookView),
		Act: func(ctx context.Context, s *Scope) error {
			first.page.Kill()
			return nil
		},
		Post: func(ctx context.Context, s *Scope) (bool, error) {
			return s.Visible(ctx, locator.TargetNotebookView, nil)
		},
	}}}

	out := e.run(wf)
	require.Error(t, out.Err)
	assert.Equal(t, models.KindSessionDead, out.Result.ErrorKind)
	assert.Equal(t, 1, out.Result.Attempts["crash"])
	assert.Len(t, e.apps, 2)

	// 新会话服务下一个工作流
	out = e.run(&Workflow{Name: "next", Steps: []*Step{{Name: "ok", To: "Ok", Post: always(true)}}})
	require.NoError(t, out.Err)
	assert.Len(t, e.apps, 2)
}

func TestAbortLeavesSessionAlive(t *testing.T) {
	e := newEnv(t)
	page := e.app().page
	start := e.clock.Now()
	e.clock.OnAdvance(func(now time.Time) {
		if now.Sub(start) > 5*time.Second {
			e.runner.Abort()
		}
	})

	out := e.run(&Workflow{Name: "slow", Steps: []*Step{{Name: "wait", To: "Never", Post: always(false)}}})
	require.Error(t, out.Err)
	assert.Equal(t, models.KindAborted, out.Result.ErrorKind)
	assert.Empty(t, out.Result.Snapshot)
	assert.False(t, page.Dead())
	assert.True(t, e.manager.IsAlive(context.Background(), e.manager.Current()))
	assert.Empty(t, e.runner.Running())
	assert.False(t, e.runner.Abort())
}

func TestPanicBecomesInteractionBlocked(t *testing.T) {
	e := newEnv(t)
	out := e.run(&Workflow{Name: "panicky", Steps: []*Step{{
		Name: "boom",
		To:   "Boom",
		Act:  func(ctx context.Context, s *Scope) error { panic("nil map") },
	}}})
	assert.Equal(t, models.KindInteractionBlocked, out.Result.ErrorKind)
	assert.Contains(t, out.Result.Error, "panic: nil map")

	// 执行槽已经释放
	out = e.run(&Workflow{Name: "after", Steps: []*Step{{Name: "ok", To: "Ok", Post: always(true)}}})
	assert.NoError(t, out.Err)
}

func TestOneWorkflowAtATime(t *testing.T) {
	e := newEnv(t)
	e.app()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan *Outcome)

	go func() {
		done <- e.run(&Workflow{Name: "blocker", Steps: []*Step{{
			Name: "block",
			To:   "Blocked",
			Act: func(ctx context.Context, s *Scope) error {
				close(started)
				<-release
				return nil
			},
		}}})
	}()
	<-started
	assert.Equal(t, "blocker", e.runner.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := e.runner.Run(ctx, &Workflow{Name: "waiter", Steps: []*Step{{Name: "ok", To: "Ok", Post: always(true)}}})
	assert.Equal(t, models.KindAborted, out.Result.ErrorKind)
	assert.Contains(t, out.Result.Error, "waiting for another workflow")

	close(release)
	first := <-done
	assert.NoError(t, first.Err)
	assert.Equal(t, "blocker", e.runner.Last().Workflow)
}

func TestValidationFailsBeforeAnyInteraction(t *testing.T) {
	e := newEnv(t)
	out := e.run(e.builder.AddTextSource("Lecture 1", "   "))
	assert.Equal(t, models.KindInvalidInput, out.Result.ErrorKind)
	assert.Equal(t, StateIdle, out.Result.FailedState)
	assert.Empty(t, out.Result.Snapshot)
	assert.Empty(t, e.apps, "no browser session should be started")
}

func TestCreateNotebookHandsBlockedClickToOperator(t *testing.T) {
	blocked := errors.New("click intercepted by consent banner")
	e := newEnv(t, withApp(func(a *fakeApp) {
		a.create.ScriptClickErr = blocked
		a.create.NativeClickErr = blocked
	}))
	e.operator.onNotify = func(p fallback.Pending) {
		a := e.app()
		a.inNotebook = true
		a.page.SetURL(notebookURL)
	}

	out := e.run(e.builder.CreateNotebook("Digital Comms"))
	require.NoError(t, out.Err)
	assert.True(t, out.Result.Manual)
	assert.Equal(t, 3, out.Result.Attempts["create"])

	calls := e.operator.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, StateHomeLoaded, calls[0].State)
	assert.Contains(t, calls[0].Prompt, "Create new")

	nb := out.Result.Data.(*models.NotebookHandle)
	assert.Equal(t, notebookURL, nb.URL)
	assert.Equal(t, "Digital Comms", nb.Name)
}

func TestGenerationStartHandedToOperator(t *testing.T) {
	blocked := errors.New("click intercepted")
	e := newEnv(t, inNotebookWith("Lecture 1"))
	app := e.app()
	app.buttons[models.MaterialQuiz].ScriptClickErr = blocked
	app.buttons[models.MaterialQuiz].NativeClickErr = blocked
	e.operator.onNotify = func(p fallback.Pending) {
		app.startItem(models.MaterialQuiz)
	}

	out := e.run(e.builder.GenerateMaterial(models.MaterialQuiz, ""))
	require.NoError(t, out.Err)
	assert.True(t, out.Result.Manual)
	assert.Equal(t, &models.GenerationResult{Kind: models.MaterialQuiz, Started: true}, out.Result.Data)

	calls := e.operator.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, StateStudioOpen, calls[0].State)
	assert.Contains(t, calls[0].Prompt, "quiz")
}

func TestSignedOutProfileAsksOperatorToSignIn(t *testing.T) {
	e := newEnv(t, withApp(func(a *fakeApp) { a.signedOut = true }))
	e.operator.onNotify = func(p fallback.Pending) {
		e.app().signIn(homeURL)
	}

	out := e.run(e.builder.CreateNotebook("Digital Comms"))
	require.NoError(t, out.Err)
	assert.True(t, out.Result.Manual)
	assert.Equal(t, 1, out.Result.Attempts["open-home"], "no retries while signed out")

	calls := e.operator.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, StateIdle, calls[0].State)
	assert.Contains(t, calls[0].Prompt, "Sign in")

	nb := out.Result.Data.(*models.NotebookHandle)
	assert.Equal(t, notebookURL, nb.URL)
}

func TestSignedOutOpenNotebook(t *testing.T) {
	e := newEnv(t, withApp(func(a *fakeApp) { a.signedOut = true }))
	e.operator.onNotify = func(p fallback.Pending) {
		e.app().signIn(notebookURL)
	}

	out := e.run(e.builder.OpenNotebook(notebookURL))
	require.NoError(t, out.Err)
	assert.True(t, out.Result.Manual)
	require.Len(t, e.operator.calls(), 1)
	assert.Contains(t, e.operator.calls()[0].Prompt, notebookURL)
	assert.Equal(t, notebookURL, out.Result.Data.(*models.NotebookHandle).URL)
}

func TestSignedOutHeadlessFailsFast(t *testing.T) {
	e := newEnv(t, headless(), withApp(func(a *fakeApp) { a.signedOut = true }))

	out := e.run(e.builder.CreateNotebook("Digital Comms"))
	require.Error(t, out.Err)
	assert.Equal(t, models.KindSignInRequired, out.Result.ErrorKind)
	assert.True(t, errors.Is(out.Err, models.ErrSignInRequired))
	assert.Equal(t, 1, out.Result.Attempts["open-home"])
	assert.Empty(t, e.operator.calls())
}
