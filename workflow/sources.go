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

// add-text-source 的状态
const (
	StateAwaitingAddButton      = "AwaitingAddButton"
	StateAwaitingSourceTypeMenu = "AwaitingSourceTypeMenu"
	StateAwaitingTextArea       = "AwaitingTextArea"
	StateTextEntered            = "TextEntered"
	StateAwaitingSubmit         = "AwaitingSubmit"
	StateSubmitted              = "Submitted"

	StateAwaitingURLInput = "AwaitingURLInput"
	StateURLEntered       = "URLEntered"

	StateSourcesPanel  = "SourcesPanel"
	StateSourceToggled = "SourceToggled"
)

// AddSourceResult add-text-source / add-url-source 的数据部分
type AddSourceResult struct {
	Title       string `json:"title"`
	SourceCount int    `json:"source_count"`
	Manual      bool   `json:"manual,omitempty"`
}

// addSource 添加来源的共同部分：记录基线数量，打开添加对话框，最后等待数量增加
type addSource struct {
	before int
	count  int
}

func (a *addSource) increased(ctx context.Context, s *Scope) (bool, error) {
	n, err := s.SourceCount(ctx)
	if err != nil {
		return false, err
	}
	if n > a.before {
		a.count = n
		s.updateNotebook(func(nb *models.NotebookHandle) { nb.SourceCount = n })
		return true, nil
	}
	return false, nil
}

func (a *addSource) openPanel() *Step {
	return &Step{
		Name:   "open-sources",
		To:     StateAwaitingAddButton,
		Target: string(locator.TargetAddSourceButton),
		Act: func(ctx context.Context, s *Scope) error {
			if _, err := s.ClickIfPresent(ctx, locator.TargetSourcesTab, nil); err != nil {
				return err
			}
			n, err := s.SourceCount(ctx)
			if err != nil {
				return err
			}
			a.before = n
			return nil
		},
		Post: func(ctx context.Context, s *Scope) (bool, error) {
			return s.Visible(ctx, locator.TargetAddSourceButton, nil)
		},
	}
}

func (a *addSource) clickAdd() *Step {
	return &Step{
		Name:   "click-add-source",
		To:     StateAwaitingSourceTypeMenu,
		Target: string(locator.TargetAddSourceButton),
		Act: func(ctx context.Context, s *Scope) error {
			return s.Click(ctx, locator.TargetAddSourceButton, nil)
		},
	}
}

func (a *addSource) confirm(b *Builder) *Step {
	return &Step{
		Name:     "await-source",
		To:       StateConfirmed,
		Target:   string(locator.TargetSourceCount),
		Timeout:  b.settings.SourceIngest,
		Attempts: 1,
		Post:     a.increased,
	}
}

func (a *addSource) result(title string, manual *bool) func() any {
	return func() any {
		return &AddSourceResult{Title: title, SourceCount: a.count, Manual: *manual}
	}
}

// AddTextSource 以粘贴文本的方式添加来源：
// Idle → AwaitingAddButton → AwaitingSourceTypeMenu → AwaitingTextArea → TextEntered → AwaitingSubmit → Submitted → Confirmed
func (b *Builder) AddTextSource(title, text string) *Workflow {
	a := &addSource{}
	manual := false
	fb := &Fallback{
		Prompt:  fmt.Sprintf("Add a \"Copied text\" source named %q: open \"Add source\", choose \"Copied text\", paste the clipboard content and click \"Insert\".", title),
		Payload: text,
		Post: func(ctx context.Context, s *Scope) (bool, error) {
			ok, err := a.increased(ctx, s)
			manual = manual || ok
			return ok, err
		},
		Resume: StateConfirmed,
	}

	click := a.clickAdd()
	click.Post = func(ctx context.Context, s *Scope) (bool, error) {
		return s.Visible(ctx, locator.TargetPasteTextOption, nil)
	}
	click.Fallback = fb

	steps := []*Step{
		a.openPanel(),
		click,
		{
			Name:        "choose-paste-text",
			To:          StateAwaitingTextArea,
			Target:      string(locator.TargetPasteTextOption),
			KeepDialogs: true,
			Act: func(ctx context.Context, s *Scope) error {
				return s.Click(ctx, locator.TargetPasteTextOption, nil)
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				return s.Visible(ctx, locator.TargetSourceTextInput, nil)
			},
			Fallback: fb,
		},
		{
			Name:        "enter-text",
			To:          StateTextEntered,
			Target:      string(locator.TargetSourceTextInput),
			KeepDialogs: true,
			Act: func(ctx context.Context, s *Scope) error {
				return s.Type(ctx, locator.TargetSourceTextInput, nil, text)
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				v, err := s.Value(ctx, locator.TargetSourceTextInput, nil)
				return strings.TrimSpace(v) == strings.TrimSpace(text), err
			},
			Fallback: fb,
		},
		{
			Name:        "await-submit",
			To:          StateAwaitingSubmit,
			Target:      string(locator.TargetSourceSubmitButton),
			KeepDialogs: true,
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				return s.Visible(ctx, locator.TargetSourceSubmitButton, nil)
			},
			Fallback: fb,
		},
		{
			Name:        "submit",
			To:          StateSubmitted,
			Target:      string(locator.TargetSourceSubmitButton),
			KeepDialogs: true,
			Act: func(ctx context.Context, s *Scope) error {
				return s.Click(ctx, locator.TargetSourceSubmitButton, nil)
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				open, err := s.Visible(ctx, locator.TargetSourceTextInput, nil)
				return !open, err
			},
			Fallback: fb,
		},
	}
	confirm := a.confirm(b)
	confirm.Fallback = fb
	steps = append(steps, confirm)

	return &Workflow{
		Name:  "add-text-source",
		Steps: steps,
		Validate: func() error {
			if strings.TrimSpace(text) == "" {
				return models.NewError(models.KindInvalidInput, "source text is empty", nil)
			}
			return nil
		},
		Result: a.result(title, &manual),
	}
}

// AddURLSource 以网站链接的方式添加来源
func (b *Builder) AddURLSource(rawURL string) *Workflow {
	rawURL = strings.TrimSpace(rawURL)
	a := &addSource{}
	manual := false
	fb := &Fallback{
		Prompt:  fmt.Sprintf("Add a \"Website\" source: open \"Add source\", choose \"Website\", paste %s and click \"Insert\".", rawURL),
		Payload: rawURL,
		Post: func(ctx context.Context, s *Scope) (bool, error) {
			ok, err := a.increased(ctx, s)
			manual = manual || ok
			return ok, err
		},
		Resume: StateConfirmed,
	}

	click := a.clickAdd()
	click.Post = func(ctx context.Context, s *Scope) (bool, error) {
		return s.Visible(ctx, locator.TargetWebsiteOption, nil)
	}
	click.Fallback = fb
	confirm := a.confirm(b)
	confirm.Fallback = fb

	return &Workflow{
		Name: "add-url-source",
		Steps: []*Step{
			a.openPanel(),
			click,
			{
				Name:        "choose-website",
				To:          StateAwaitingURLInput,
				Target:      string(locator.TargetWebsiteOption),
				KeepDialogs: true,
				Act: func(ctx context.Context, s *Scope) error {
					return s.Click(ctx, locator.TargetWebsiteOption, nil)
				},
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					return s.Visible(ctx, locator.TargetSourceURLInput, nil)
				},
				Fallback: fb,
			},
			{
				Name:        "enter-url",
				To:          StateURLEntered,
				Target:      string(locator.TargetSourceURLInput),
				KeepDialogs: true,
				Act: func(ctx context.Context, s *Scope) error {
					return s.Type(ctx, locator.TargetSourceURLInput, nil, rawURL)
				},
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					v, err := s.Value(ctx, locator.TargetSourceURLInput, nil)
					return strings.TrimSpace(v) == rawURL, err
				},
				Fallback: fb,
			},
			{
				Name:        "submit",
				To:          StateSubmitted,
				Target:      string(locator.TargetSourceSubmitButton),
				KeepDialogs: true,
				Act: func(ctx context.Context, s *Scope) error {
					return s.Click(ctx, locator.TargetSourceSubmitButton, nil)
				},
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					open, err := s.Visible(ctx, locator.TargetSourceURLInput, nil)
					return !open, err
				},
				Fallback: fb,
			},
			confirm,
		},
		Validate: func() error {
			u, err := url.Parse(rawURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return models.NewError(models.KindInvalidInput, "source URL must be an absolute http(s) URL: "+rawURL, err)
			}
			return nil
		},
		Result: a.result(rawURL, &manual),
	}
}

func sourcesPanel() *Step {
	return &Step{
		Name:   "open-sources",
		To:     StateSourcesPanel,
		Target: string(locator.TargetAddSourceButton),
		Act: func(ctx context.Context, s *Scope) error {
			_, err := s.ClickIfPresent(ctx, locator.TargetSourcesTab, nil)
			return err
		},
		Post: func(ctx context.Context, s *Scope) (bool, error) {
			return s.Visible(ctx, locator.TargetAddSourceButton, nil)
		},
	}
}

// ListSources 列出当前笔记本的来源及其选中状态
func (b *Builder) ListSources() *Workflow {
	var sources []models.SourceInfo
	return &Workflow{
		Name: "list-sources",
		Steps: []*Step{
			sourcesPanel(),
			{
				Name:   "read-sources",
				To:     StateConfirmed,
				Target: string(locator.TargetSourceCheckbox),
				Act: func(ctx context.Context, s *Scope) error {
					boxes, err := s.sourceBoxes(ctx)
					if err != nil {
						return err
					}
					sources = make([]models.SourceInfo, 0, len(boxes))
					for _, box := range boxes {
						checked, err := box.el.Checked(ctx)
						if err != nil {
							if driver.IsSessionError(err) {
								return sessionErr(err)
							}
							continue
						}
						sources = append(sources, models.SourceInfo{Name: box.name, Selected: checked})
					}
					s.updateNotebook(func(nb *models.NotebookHandle) { nb.SourceCount = len(sources) })
					return nil
				},
			},
		},
		Result: func() any { return sources },
	}
}

// SelectSource 勾选或取消勾选一个来源，已是目标状态时不点击
func (b *Builder) SelectSource(name string, selected bool) *Workflow {
	vars := locator.Vars{"name": name}
	return b.toggle("select-source", locator.TargetSourceNamed, vars, selected, &models.SourceInfo{Name: name, Selected: selected})
}

// SelectAllSources 切换“全选”复选框
func (b *Builder) SelectAllSources(selected bool) *Workflow {
	return b.toggle("select-all-sources", locator.TargetSelectAllSources, nil, selected, &models.SourceInfo{Name: "*", Selected: selected})
}

func (b *Builder) toggle(name string, id locator.TargetID, vars locator.Vars, selected bool, result *models.SourceInfo) *Workflow {
	checked := func(ctx context.Context, s *Scope) (bool, error) {
		el, err := s.Probe(ctx, id, vars)
		if err != nil || el == nil {
			return false, err
		}
		on, err := el.Checked(ctx)
		return on == selected, sessionErr(err)
	}
	return &Workflow{
		Name: name,
		Steps: []*Step{
			sourcesPanel(),
			{
				Name:   "toggle",
				To:     StateSourceToggled,
				Target: string(id),
				Act: func(ctx context.Context, s *Scope) error {
					el, err := s.Resolve(ctx, id, vars)
					if err != nil {
						return err
					}
					on, err := el.Checked(ctx)
					if err != nil {
						return err
					}
					if on == selected {
						return nil
					}
					return s.runner.exec.Click(ctx, s, el)
				},
				Post: checked,
			},
			{
				Name: "confirm",
				To:   StateConfirmed,
				Post: checked,
			},
		},
		Validate: func() error {
			if v, ok := vars["name"]; ok && strings.TrimSpace(v) == "" {
				return models.NewError(models.KindInvalidInput, "source name is empty", nil)
			}
			return nil
		},
		Result: func() any { return result },
	}
}
