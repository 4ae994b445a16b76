package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
)

// generate-material 的状态
const (
	StateStudioOpen        = "StudioOpen"
	StateDialogOpen        = "DialogOpen"
	StateLanguageMenuOpen  = "LanguageMenuOpen"
	StateLanguageSelected  = "LanguageSelected"
	StateGenerationStarted = "GenerationStarted"
	StateMaterialReady     = "MaterialReady"
)

// studioItems Studio 面板中的全部条目
func studioItems(ctx context.Context, s *Scope) ([]models.MaterialInfo, error) {
	texts, err := s.Texts(ctx, locator.TargetStudioItem, nil)
	if err != nil {
		return nil, err
	}
	reg := s.Registry()
	out := make([]models.MaterialInfo, 0, len(texts))
	for _, text := range texts {
		if text == "" {
			continue
		}
		title, _, _ := strings.Cut(text, "\n")
		info := models.MaterialInfo{Title: strings.TrimSpace(title), Status: models.MaterialReady}
		if kind, ok := reg.ClassifyMaterial(text, s.Language()); ok {
			info.Kind = kind
			info.Downloadable = kind.Downloadable()
		}
		if reg.IsGenerating(text, s.Language()) {
			info.Status = models.MaterialGenerating
			info.Downloadable = false
		}
		out = append(out, info)
	}
	return out, nil
}

// studioVisible 任意一个材料按钮可见即认为 Studio 面板已打开
func studioVisible(ctx context.Context, s *Scope) (bool, error) {
	for _, kind := range models.AllMaterialKinds {
		id, _ := locator.MaterialButton(kind)
		if ok, err := s.Visible(ctx, id, nil); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// openStudio 切到 Studio 面板，窄屏下面板是一个标签页。
// target 为空时只要求面板打开。
func openStudio(target locator.TargetID, record func(context.Context, *Scope) error) *Step {
	name := string(target)
	if name == "" {
		name = string(locator.TargetStudioTab)
	}
	return &Step{
		Name:   "open-studio",
		To:     StateStudioOpen,
		Target: name,
		Act: func(ctx context.Context, s *Scope) error {
			if _, err := s.ClickIfPresent(ctx, locator.TargetStudioTab, nil); err != nil {
				return err
			}
			if record == nil {
				return nil
			}
			return record(ctx, s)
		},
		Post: func(ctx context.Context, s *Scope) (bool, error) {
			if target == "" {
				return studioVisible(ctx, s)
			}
			return s.Visible(ctx, target, nil)
		},
	}
}

// generation 一次生成请求的状态
type generation struct {
	kind     models.MaterialKind
	language string
	button   locator.TargetID
	before   int
	result   *models.GenerationResult
}

// started 出现生成中标记，或者条目数增加
func (g *generation) started(ctx context.Context, s *Scope) (bool, error) {
	if ok, err := s.Visible(ctx, locator.TargetGenerating, nil); err != nil || ok {
		return ok, err
	}
	n, err := s.Count(ctx, locator.TargetStudioItem, nil)
	return n > g.before, err
}

// GenerateMaterial 在 Studio 面板触发一种材料的生成，不等待生成完成。
// 音频、视频和信息图会先弹出对话框选择语言。
func (b *Builder) GenerateMaterial(kind models.MaterialKind, language string) *Workflow {
	g := &generation{kind: kind, language: strings.TrimSpace(language)}
	g.button, _ = locator.MaterialButton(kind)
	if g.language == "" && kind.RequiresLanguage() {
		g.language = b.settings.OutputLanguage
	}

	steps := []*Step{
		openStudio(g.button, func(ctx context.Context, s *Scope) error {
			n, err := s.Count(ctx, locator.TargetStudioItem, nil)
			g.before = n
			return err
		}),
	}
	if kind.OpensDialog() {
		steps = append(steps, &Step{
			Name:   "open-dialog",
			To:     StateDialogOpen,
			Target: string(g.button),
			Act: func(ctx context.Context, s *Scope) error {
				return s.Click(ctx, g.button, nil)
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				return s.Visible(ctx, locator.TargetDialogCreateButton, nil)
			},
		})
		if g.language != "" {
			option := locator.Vars{"language": strings.ToLower(g.language)}
			steps = append(steps,
				&Step{
					Name:        "open-language-menu",
					To:          StateLanguageMenuOpen,
					Target:      string(locator.TargetLanguageDropdown),
					Optional:    true,
					KeepDialogs: true,
					Act: func(ctx context.Context, s *Scope) error {
						return s.Click(ctx, locator.TargetLanguageDropdown, nil)
					},
					Post: func(ctx context.Context, s *Scope) (bool, error) {
						return s.Visible(ctx, locator.TargetLanguageOption, option)
					},
				},
				&Step{
					Name:        "select-language",
					To:          StateLanguageSelected,
					Target:      string(locator.TargetLanguageOption),
					Optional:    true,
					KeepDialogs: true,
					Act: func(ctx context.Context, s *Scope) error {
						return s.Click(ctx, locator.TargetLanguageOption, option)
					},
					Post: func(ctx context.Context, s *Scope) (bool, error) {
						ok, err := s.Visible(ctx, locator.TargetLanguageOption, option)
						return !ok, err
					},
				},
			)
		}
		steps = append(steps, &Step{
			Name:        "start-generation",
			To:          StateGenerationStarted,
			Target:      string(locator.TargetDialogCreateButton),
			KeepDialogs: true,
			Act: func(ctx context.Context, s *Scope) error {
				return s.Click(ctx, locator.TargetDialogCreateButton, nil)
			},
			Post: g.started,
			Fallback: &Fallback{
				Prompt: fmt.Sprintf("Click \"Generate\" in the %s dialog of the Studio panel.", kind),
				Post:   g.started,
			},
		})
	} else {
		steps = append(steps, &Step{
			Name:   "start-generation",
			To:     StateGenerationStarted,
			Target: string(g.button),
			Act: func(ctx context.Context, s *Scope) error {
				// 上一次尝试的点击可能已经生效
				if ok, err := g.started(ctx, s); err != nil || ok {
					return err
				}
				return s.Click(ctx, g.button, nil)
			},
			Post: g.started,
			Fallback: &Fallback{
				Prompt: fmt.Sprintf("Click the %s button in the Studio panel to start generating it.", kind),
				Post:   g.started,
			},
		})
	}
	steps = append(steps, &Step{
		Name:   "record",
		To:     StateConfirmed,
		Target: string(g.button),
		Act: func(ctx context.Context, s *Scope) error {
			g.result = &models.GenerationResult{
				Kind:              g.kind,
				Started:           true,
				DownloadSupported: g.kind.Downloadable(),
				Language:          g.language,
			}
			return nil
		},
	})

	return &Workflow{
		Name:  "generate-" + string(kind),
		Steps: steps,
		Validate: func() error {
			if g.button == "" {
				return models.NewError(models.KindInvalidInput, fmt.Sprintf("unknown material kind %q", kind), nil)
			}
			return nil
		},
		Result: func() any { return g.result },
	}
}

// GenerateAudioOverview 生成音频概览
func (b *Builder) GenerateAudioOverview(language string) *Workflow {
	return b.GenerateMaterial(models.MaterialAudio, language)
}

// ListMaterials 读取 Studio 面板中的材料
func (b *Builder) ListMaterials() *Workflow {
	var items []models.MaterialInfo
	return &Workflow{
		Name: "list-materials",
		Steps: []*Step{
			openStudio("", nil),
			{
				Name:   "read-materials",
				To:     StateConfirmed,
				Target: string(locator.TargetStudioItem),
				Act: func(ctx context.Context, s *Scope) error {
					var err error
					items, err = studioItems(ctx, s)
					if err != nil {
						return err
					}
					s.updateNotebook(func(nb *models.NotebookHandle) { nb.MaterialCount = len(items) })
					return nil
				},
			},
		},
		Result: func() any {
			if items == nil {
				return []models.MaterialInfo{}
			}
			return items
		},
	}
}

// Progress 等待生成期间每次轮询的回调
type Progress func(elapsed time.Duration, items []models.MaterialInfo)

// WaitForMaterial 等待某种材料生成完成，title 为空时取该类型的第一个条目。
// progress 可以为 nil。
func (b *Builder) WaitForMaterial(kind models.MaterialKind, title string, progress Progress) *Workflow {
	title = strings.TrimSpace(title)
	var (
		found *models.MaterialInfo
		since time.Time
	)

	ready := func(ctx context.Context, s *Scope) (bool, error) {
		now := s.runner.clock.Now()
		if since.IsZero() {
			since = now
		}
		items, err := studioItems(ctx, s)
		if err != nil {
			return false, err
		}
		if progress != nil {
			progress(now.Sub(since), items)
		}
		for i := range items {
			it := items[i]
			if it.Kind != kind || (title != "" && !strings.Contains(it.Title, title)) {
				continue
			}
			if it.Status == models.MaterialGenerating {
				return false, nil
			}
			found = &it
			s.updateNotebook(func(nb *models.NotebookHandle) { nb.MaterialCount = len(items) })
			return true, nil
		}
		return false, nil
	}

	return &Workflow{
		Name:    "wait-" + string(kind),
		Timeout: b.settings.Generation + b.settings.StepTimeout,
		Steps: []*Step{
			openStudio("", nil),
			{
				Name:     "await-material",
				To:       StateMaterialReady,
				Target:   string(locator.TargetStudioItem),
				Timeout:  b.settings.Generation,
				Poll:     b.settings.GenerationPoll,
				Attempts: 1,
				Post:     ready,
			},
			{
				Name:   "confirm",
				To:     StateConfirmed,
				Target: string(locator.TargetStudioItem),
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					return found != nil, nil
				},
			},
		},
		Result: func() any { return found },
	}
}
