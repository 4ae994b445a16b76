package workflow

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
)

// Builder 按当前参数构造各个工作流
type Builder struct {
	settings Settings
}

// NewBuilder 创建工作流构造器
func NewBuilder(s Settings) *Builder {
	return &Builder{settings: s.withDefaults()}
}

// create-notebook 的状态
const (
	StateHomeLoaded      = "HomeLoaded"
	StateNotebookCreated = "NotebookCreated"
	StateTitleSet        = "TitleSet"
	StateNotebookLoaded  = "NotebookLoaded"
)

const untitledNotebook = "Untitled notebook"

// IsNotebookURL 是否是某个笔记本的地址
func IsNotebookURL(u string) bool {
	return strings.Contains(u, "/notebook/")
}

func validNotebookURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.NewError(models.KindInvalidInput, "notebook URL must be an absolute http(s) URL: "+raw, err)
	}
	return nil
}

// notebookTitle 标题输入框的值，其次标题文字，再其次页面标题
func notebookTitle(ctx context.Context, s *Scope) (string, error) {
	if v, err := s.Value(ctx, locator.TargetNotebookTitleInput, nil); err != nil {
		return "", err
	} else if v = strings.TrimSpace(v); v != "" {
		return v, nil
	}
	if t, err := s.Text(ctx, locator.TargetNotebookTitle, nil); err != nil {
		return "", err
	} else if t != "" {
		return t, nil
	}
	title, err := s.Page().Title(ctx)
	if err != nil {
		return "", sessionErr(err)
	}
	title = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(title), "- NotebookLM"))
	if title == "NotebookLM" {
		title = ""
	}
	return title, nil
}

// signInHost 未登录时 NotebookLM 会跳转到这里
const signInHost = "accounts.google.com"

// signedOut 页面是否停在 Google 登录页
func signedOut(ctx context.Context, s *Scope) (bool, error) {
	u, err := s.URL(ctx)
	if err != nil {
		return false, err
	}
	return strings.Contains(u, signInHost), nil
}

// unlessSignedOut 停在登录页时以 SignInRequired 结束轮询，否则检查 post
func unlessSignedOut(post Condition) Condition {
	return func(ctx context.Context, s *Scope) (bool, error) {
		if out, err := signedOut(ctx, s); err != nil || out {
			if out {
				err = models.NewError(models.KindSignInRequired, "the browser profile is not signed in to Google", nil)
			}
			return false, err
		}
		return post(ctx, s)
	}
}

// signIn 请操作者在浏览器窗口登录，登录后 post 成立即继续
func signIn(where string, post Condition) *Fallback {
	return &Fallback{
		Prompt: fmt.Sprintf("Sign in to Google in the browser window if asked, then open %s. Automation continues once the page is shown.", where),
		Post:   post,
	}
}

func inNotebook(ctx context.Context, s *Scope) (bool, error) {
	u, err := s.URL(ctx)
	if err != nil || !IsNotebookURL(u) {
		return false, err
	}
	return s.Visible(ctx, locator.TargetNotebookView, nil)
}

// CreateNotebook 在首页新建笔记本并设置标题
func (b *Builder) CreateNotebook(name string) *Workflow {
	name = strings.TrimSpace(name)
	var handle *models.NotebookHandle
	homeShown := func(ctx context.Context, s *Scope) (bool, error) {
		return s.Visible(ctx, locator.TargetCreateNotebook, nil)
	}

	return &Workflow{
		Name: "create-notebook",
		Steps: []*Step{
			{
				Name:    "open-home",
				To:      StateHomeLoaded,
				Target:  string(locator.TargetCreateNotebook),
				Timeout: b.settings.Navigation,
				Act: func(ctx context.Context, s *Scope) error {
					return s.Navigate(ctx, b.settings.BaseURL)
				},
				Post:     unlessSignedOut(homeShown),
				Fallback: signIn("the NotebookLM home page "+b.settings.BaseURL, homeShown),
			},
			{
				Name:    "create",
				To:      StateNotebookCreated,
				Target:  string(locator.TargetCreateNotebook),
				Timeout: b.settings.Navigation,
				Act: func(ctx context.Context, s *Scope) error {
					// 上一次尝试的点击可能已经生效
					if ok, err := inNotebook(ctx, s); err != nil || ok {
						return err
					}
					return s.Click(ctx, locator.TargetCreateNotebook, nil)
				},
				Post: inNotebook,
				Fallback: &Fallback{
					Prompt: "Click \"Create new\" on the NotebookLM home page and wait until the new notebook opens.",
					Post:   inNotebook,
				},
			},
			{
				Name:     "set-title",
				To:       StateTitleSet,
				Target:   string(locator.TargetNotebookTitleInput),
				Optional: true,
				Act: func(ctx context.Context, s *Scope) error {
					if name == "" {
						return nil
					}
					if err := s.Type(ctx, locator.TargetNotebookTitleInput, nil, name); err != nil {
						return err
					}
					return s.Press(ctx, driver.KeyEnter)
				},
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					if name == "" {
						return true, nil
					}
					title, err := notebookTitle(ctx, s)
					return strings.Contains(title, name), err
				},
			},
			{
				Name:   "record",
				To:     StateConfirmed,
				Target: string(locator.TargetNotebookView),
				Act: func(ctx context.Context, s *Scope) error {
					u, err := s.URL(ctx)
					if err != nil {
						return err
					}
					title, err := notebookTitle(ctx, s)
					if err != nil {
						return err
					}
					if title == "" {
						title = name
					}
					if title == "" {
						title = untitledNotebook
					}
					count, err := s.SourceCount(ctx)
					if err != nil {
						return err
					}
					handle = &models.NotebookHandle{Name: title, URL: u, SourceCount: count}
					s.SetNotebook(handle)
					return nil
				},
				Post: inNotebook,
			},
		},
		Result: func() any { return handle },
	}
}

// OpenNotebook 打开已有笔记本并读取名称和来源数量
func (b *Builder) OpenNotebook(rawURL string) *Workflow {
	rawURL = strings.TrimSpace(rawURL)
	var handle *models.NotebookHandle
	loaded := func(ctx context.Context, s *Scope) (bool, error) {
		return s.Visible(ctx, locator.TargetNotebookView, nil)
	}

	return &Workflow{
		Name:     "open-notebook",
		Validate: func() error { return validNotebookURL(rawURL) },
		Steps: []*Step{
			{
				Name:    "navigate",
				To:      StateNotebookLoaded,
				Target:  string(locator.TargetNotebookView),
				Timeout: b.settings.Navigation,
				Act: func(ctx context.Context, s *Scope) error {
					return s.Navigate(ctx, rawURL)
				},
				Post:     unlessSignedOut(loaded),
				Fallback: signIn(rawURL, loaded),
			},
			{
				Name:   "read-notebook",
				To:     StateConfirmed,
				Target: string(locator.TargetNotebookTitle),
				Act: func(ctx context.Context, s *Scope) error {
					title, err := notebookTitle(ctx, s)
					if err != nil {
						return err
					}
					if title == "" {
						title = untitledNotebook
					}
					count, err := s.SourceCount(ctx)
					if err != nil {
						return err
					}
					u, err := s.URL(ctx)
					if err != nil {
						return err
					}
					handle = &models.NotebookHandle{Name: title, URL: u, SourceCount: count}
					s.SetNotebook(handle)
					return nil
				},
			},
		},
		Result: func() any { return handle },
	}
}
