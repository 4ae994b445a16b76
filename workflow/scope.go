package workflow

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/services/browser"
)

// Scope 一次工作流执行中步骤可用的操作。
// 它实现 locator.Scope，页面、纪元和语言都来自当前会话。
type Scope struct {
	runner   *Runner
	session  *browser.Session
	workflow string
	deadline time.Time // 当前尝试的截止时间
	notebook *models.NotebookHandle
}

func (s *Scope) Page() driver.Page  { return s.session.Page() }
func (s *Scope) Epoch() uint64      { return s.session.Epoch() }
func (s *Scope) Language() string   { return s.session.Language() }
func (s *Scope) Workflow() string   { return s.workflow }
func (s *Scope) Settings() Settings { return s.runner.settings }

// Session 当前会话
func (s *Scope) Session() *browser.Session {
	return s.session
}

// Registry 目标注册表，用于材料分类等文本判断
func (s *Scope) Registry() *locator.Registry {
	return s.runner.resolver.Registry()
}

// Remaining 当前尝试剩余的时间
func (s *Scope) Remaining() time.Duration {
	return s.deadline.Sub(s.runner.clock.Now())
}

// Resolve 在当前尝试的剩余时间内解析目标，策略的最短时间片也不越过尝试截止时间
func (s *Scope) Resolve(ctx context.Context, id locator.TargetID, vars locator.Vars) (*locator.ResolvedElement, error) {
	timeout := min(s.runner.settings.ResolveTimeout, s.Remaining())
	if timeout < 0 {
		timeout = 0
	}
	return s.runner.resolver.ResolveBefore(ctx, s, id, timeout, s.deadline, vars)
}

// Probe 立即查找一次，不存在时返回 nil
func (s *Scope) Probe(ctx context.Context, id locator.TargetID, vars locator.Vars) (*locator.ResolvedElement, error) {
	return s.runner.resolver.Probe(ctx, s, id, vars)
}

// Visible 目标当前是否可见
func (s *Scope) Visible(ctx context.Context, id locator.TargetID, vars locator.Vars) (bool, error) {
	return s.runner.resolver.Visible(ctx, s, id, vars)
}

// Count 目标当前的匹配数量
func (s *Scope) Count(ctx context.Context, id locator.TargetID, vars locator.Vars) (int, error) {
	return s.runner.resolver.Count(ctx, s, id, vars)
}

// All 目标当前的全部匹配
func (s *Scope) All(ctx context.Context, id locator.TargetID, vars locator.Vars) ([]*locator.ResolvedElement, error) {
	return s.runner.resolver.All(ctx, s, id, vars)
}

// Click 解析并点击
func (s *Scope) Click(ctx context.Context, id locator.TargetID, vars locator.Vars) error {
	el, err := s.Resolve(ctx, id, vars)
	if err != nil {
		return err
	}
	return s.runner.exec.Click(ctx, s, el)
}

// ClickIfPresent 目标存在时点击，返回是否点击了
func (s *Scope) ClickIfPresent(ctx context.Context, id locator.TargetID, vars locator.Vars) (bool, error) {
	el, err := s.Probe(ctx, id, vars)
	if err != nil || el == nil {
		return false, err
	}
	return true, s.runner.exec.Click(ctx, s, el)
}

// Type 解析并输入文本
func (s *Scope) Type(ctx context.Context, id locator.TargetID, vars locator.Vars, text string) error {
	el, err := s.Resolve(ctx, id, vars)
	if err != nil {
		return err
	}
	return s.runner.exec.Type(ctx, s, el, text)
}

// Press 向页面发送按键
func (s *Scope) Press(ctx context.Context, key driver.Key) error {
	return s.runner.exec.PressKey(ctx, s, key)
}

// Text 目标第一个匹配的文本，不存在时返回空串
func (s *Scope) Text(ctx context.Context, id locator.TargetID, vars locator.Vars) (string, error) {
	el, err := s.Probe(ctx, id, vars)
	if err != nil || el == nil {
		return "", err
	}
	text, err := el.Text(ctx)
	return strings.TrimSpace(text), sessionErr(err)
}

// Value 输入框当前的值，不存在时返回空串
func (s *Scope) Value(ctx context.Context, id locator.TargetID, vars locator.Vars) (string, error) {
	el, err := s.Probe(ctx, id, vars)
	if err != nil || el == nil {
		return "", err
	}
	v, err := el.Value(ctx)
	return v, sessionErr(err)
}

// Texts 目标全部匹配的文本
func (s *Scope) Texts(ctx context.Context, id locator.TargetID, vars locator.Vars) ([]string, error) {
	els, err := s.All(ctx, id, vars)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(els))
	for _, el := range els {
		text, err := el.Text(ctx)
		if err != nil {
			// 已被移除的节点跳过，只有会话错误中止
			if driver.IsSessionError(err) {
				return nil, sessionErr(err)
			}
			continue
		}
		out = append(out, strings.TrimSpace(text))
	}
	return out, nil
}

// Navigate 打开 url 并重新检测界面语言
func (s *Scope) Navigate(ctx context.Context, url string) error {
	if err := s.session.Navigate(ctx, url); err != nil {
		if driver.IsSessionError(err) {
			return &models.Error{Kind: models.KindSessionDead, Detail: "navigate", Err: err}
		}
		if errors.Is(err, context.Canceled) {
			return &models.Error{Kind: models.KindAborted, Err: err}
		}
		return &models.Error{Kind: models.KindInteractionBlocked, Detail: "navigate to " + url, Err: err}
	}
	s.session.DetectLanguage(ctx)
	return nil
}

// URL 当前页面地址
func (s *Scope) URL(ctx context.Context) (string, error) {
	u, err := s.session.CurrentURL(ctx)
	return u, sessionErr(err)
}

// Notebook 当前工作流操作的笔记本
func (s *Scope) Notebook() *models.NotebookHandle {
	return s.notebook
}

// SetNotebook 设置当前笔记本，执行记录会关联到它
func (s *Scope) SetNotebook(nb *models.NotebookHandle) {
	s.notebook = nb
	s.runner.mu.Lock()
	s.runner.notebook = nb
	fn := s.runner.onNotebook
	s.runner.mu.Unlock()
	if fn != nil {
		fn(nb)
	}
}

// updateNotebook 在副本上修改当前笔记本再替换，已交出去的句柄保持不变
func (s *Scope) updateNotebook(fn func(nb *models.NotebookHandle)) {
	cur := s.Notebook()
	if cur == nil {
		return
	}
	nb := *cur
	fn(&nb)
	s.SetNotebook(&nb)
}

var (
	parenCount = regexp.MustCompile(`\((\d+)\)`)
	wordCount  = regexp.MustCompile(`(?i)(\d+)\s*(?:sources?|quellen?)`)
	bareCount  = regexp.MustCompile(`^\s*(\d+)\s*$`)
)

// ParseSourceCount 从 "Sources (3)"、"3 sources"、"3 Quellen" 中取出数量
func ParseSourceCount(text string) (int, bool) {
	for _, re := range []*regexp.Regexp{parenCount, wordCount, bareCount} {
		if m := re.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// SourceCount 当前笔记本的来源数量：优先读计数文字，其次数来源复选框
func (s *Scope) SourceCount(ctx context.Context) (int, error) {
	text, err := s.Text(ctx, locator.TargetSourceCount, nil)
	if err != nil {
		return 0, err
	}
	if n, ok := ParseSourceCount(text); ok {
		return n, nil
	}
	names, err := s.sourceBoxes(ctx)
	return len(names), err
}

type sourceBox struct {
	name string
	el   *locator.ResolvedElement
}

// sourceBoxes 来源复选框，排除“全选”
func (s *Scope) sourceBoxes(ctx context.Context) ([]sourceBox, error) {
	els, err := s.All(ctx, locator.TargetSourceCheckbox, nil)
	if err != nil {
		return nil, err
	}
	var out []sourceBox
	for _, el := range els {
		label, _, err := el.Attribute(ctx, "aria-label")
		if err != nil {
			if driver.IsSessionError(err) {
				return nil, sessionErr(err)
			}
			continue
		}
		lower := strings.ToLower(label)
		if strings.Contains(lower, "select all") || strings.Contains(lower, "all sources") || strings.Contains(lower, "alle quellen") {
			continue
		}
		out = append(out, sourceBox{name: strings.TrimSpace(label), el: el})
	}
	return out, nil
}

// ChatResponses 当前对话中的回复数量
func (s *Scope) ChatResponses(ctx context.Context) (int, error) {
	return s.Count(ctx, locator.TargetChatResponse, nil)
}

// LastResponse 最后一条回复的 markdown 和纯文本
func (s *Scope) LastResponse(ctx context.Context) (markdown, text string, err error) {
	els, err := s.All(ctx, locator.TargetChatResponse, nil)
	if err != nil || len(els) == 0 {
		return "", "", err
	}
	last := els[len(els)-1]
	text, err = last.Text(ctx)
	if err != nil {
		return "", "", sessionErr(err)
	}
	text = strings.TrimSpace(text)
	html, err := last.HTML(ctx)
	if err != nil {
		return text, text, sessionErr(err)
	}
	markdown, err = md.NewConverter("", true, nil).ConvertString(html)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return text, text, nil
	}
	return strings.TrimSpace(markdown), text, nil
}

// sessionErr 控制通道错误归为 SessionDead，其余原样返回
func sessionErr(err error) error {
	if err != nil && driver.IsSessionError(err) && models.KindOf(err) == "" {
		return &models.Error{Kind: models.KindSessionDead, Err: err}
	}
	return err
}
