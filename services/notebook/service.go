// Package notebook 对外的笔记本服务：每个操作对应一个工作流，
// 返回结构化的 WorkflowResult，调用方不需要了解状态机和浏览器细节。
package notebook

import (
	"context"
	"time"

	"github.com/notebookwing/notebookwing/config"
	"github.com/notebookwing/notebookwing/executor"
	"github.com/notebookwing/notebookwing/fallback"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/clock"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/pkg/metrics"
	"github.com/notebookwing/notebookwing/services/browser"
	"github.com/notebookwing/notebookwing/snapshot"
	"github.com/notebookwing/notebookwing/upstream"
	"github.com/notebookwing/notebookwing/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Store 持久化，storage.BoltDB 实现了它
type Store interface {
	SaveRun(run *models.RunRecord) error
	SaveNotebook(nb *models.NotebookHandle) error
	SaveSnapshot(s *models.ErrorSnapshot) error
}

// Options 可替换的依赖，零值使用真实浏览器、系统剪贴板和终端提示
type Options struct {
	Store      Store
	Registry   *locator.Registry
	Operator   fallback.Operator
	Clipboard  fallback.Clipboard
	Registerer prometheus.Registerer
	Clock      clock.Clock
	// Starter 替换 rod 启动方式，测试中返回假页面
	Starter browser.Starter
}

// Service 笔记本服务
type Service struct {
	cfg      *config.Config
	sessions *browser.Manager
	runner   *workflow.Runner
	builder  *workflow.Builder
	bridge   *fallback.Bridge
	ingestor *upstream.Ingestor
	store    Store
}

// New 按配置装配会话管理器、解析器、执行器、兜底桥、快照和运行器
func New(cfg *config.Config, opts Options) (*Service, error) {
	reg := opts.Registry
	if reg == nil {
		var err error
		if cfg.Locator.RegistryFile != "" {
			reg, err = locator.Load(cfg.Locator.RegistryFile)
		} else {
			reg, err = locator.Default()
		}
		if err != nil {
			return nil, errors.Wrap(err, "load target registry")
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	m := metrics.New(opts.Registerer)

	var sessions *browser.Manager
	if opts.Starter != nil {
		sessions = browser.NewManagerWithStarter(cfg, m, opts.Starter)
	} else {
		sessions = browser.NewManager(cfg, m)
	}

	resolver := locator.NewResolver(reg, clk, locator.Options{
		StrategyMin:  cfg.Timeouts.StrategyMin.Duration,
		PollInterval: cfg.Timeouts.PollInterval.Duration,
	}, m)
	exec := executor.NewExecutor(resolver, clk, executor.Options{
		ChunkSize:      cfg.Typing.ChunkSize,
		ChunkPause:     cfg.Typing.ChunkPause.Duration,
		OverlayTimeout: cfg.Timeouts.Overlay.Duration,
		PollInterval:   cfg.Timeouts.PollInterval.Duration,
	})

	operator := opts.Operator
	if operator == nil {
		operator = fallback.NewConsoleOperator()
	}
	cb := opts.Clipboard
	if cb == nil {
		cb = fallback.SystemClipboard()
	}
	bridge := fallback.NewBridge(clk, operator, cb, fallback.Options{
		PollInterval: cfg.Fallback.PollInterval.Duration,
		MaxClipboard: cfg.Fallback.MaxClipboard,
	}, m)

	var (
		index    snapshot.Index
		runStore workflow.RunStore
	)
	if opts.Store != nil {
		index, runStore = opts.Store, opts.Store
	}
	capturer := snapshot.NewCapturer(cfg.Snapshot.Dir, clk, index, m)

	settings := workflow.SettingsFromConfig(cfg)
	runner := workflow.NewRunner(workflow.Deps{
		Sessions: sessions,
		Resolver: resolver,
		Executor: exec,
		Bridge:   bridge,
		Capturer: capturer,
		Store:    runStore,
		Clock:    clk,
		Metrics:  m,
	}, settings)

	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		runner:   runner,
		builder:  workflow.NewBuilder(settings),
		bridge:   bridge,
		ingestor: upstream.NewIngestor(cfg.Upstream.HTTPTimeout.Duration),
		store:    opts.Store,
	}
	runner.OnNotebook(s.saveNotebook)
	return s, nil
}

func (s *Service) saveNotebook(nb *models.NotebookHandle) {
	if s.store == nil || nb == nil || nb.URL == "" {
		return
	}
	// 运行器持有的句柄可能正被 Status 读取，保存副本
	cp := *nb
	if err := s.store.SaveNotebook(&cp); err != nil {
		logger.Warn(context.Background(), "Failed to save notebook %s: %v", nb.URL, err)
	}
}

func (s *Service) run(ctx context.Context, wf *workflow.Workflow) *models.WorkflowResult {
	return s.runner.Run(ctx, wf).Result
}

// invalid 不进入状态机的输入错误，同样以结构化结果返回
func invalid(name string, err error) *models.WorkflowResult {
	return &models.WorkflowResult{
		Workflow:  name,
		ErrorKind: models.KindOf(err),
		Error:     err.Error(),
		State:     workflow.StateFailed,
		StartedAt: time.Now(),
	}
}

// CreateNotebook 新建笔记本，name 为空时保留默认标题
func (s *Service) CreateNotebook(ctx context.Context, name string) *models.WorkflowResult {
	return s.run(ctx, s.builder.CreateNotebook(name))
}

// OpenNotebook 打开已有笔记本
func (s *Service) OpenNotebook(ctx context.Context, url string) *models.WorkflowResult {
	return s.run(ctx, s.builder.OpenNotebook(url))
}

// AddTextSource 粘贴文本来源
func (s *Service) AddTextSource(ctx context.Context, title, text string) *models.WorkflowResult {
	return s.run(ctx, s.builder.AddTextSource(title, text))
}

// AddURLSource 添加网页来源
func (s *Service) AddURLSource(ctx context.Context, url string) *models.WorkflowResult {
	return s.run(ctx, s.builder.AddURLSource(url))
}

// ImportSource 网址直接作为网页来源，本地文件读出文本后粘贴
func (s *Service) ImportSource(ctx context.Context, src string) *models.WorkflowResult {
	if upstream.IsURL(src) {
		return s.AddURLSource(ctx, src)
	}
	doc, err := s.ingestor.Load(ctx, src)
	if err != nil {
		return invalid("add-text-source", err)
	}
	return s.AddTextSource(ctx, doc.Title, doc.Text)
}

// ListSources 列出来源及选中状态
func (s *Service) ListSources(ctx context.Context) *models.WorkflowResult {
	return s.run(ctx, s.builder.ListSources())
}

// SelectSource 勾选或取消某个来源
func (s *Service) SelectSource(ctx context.Context, name string, selected bool) *models.WorkflowResult {
	return s.run(ctx, s.builder.SelectSource(name, selected))
}

// SelectAllSources 全选或全不选
func (s *Service) SelectAllSources(ctx context.Context, selected bool) *models.WorkflowResult {
	return s.run(ctx, s.builder.SelectAllSources(selected))
}

// GenerateMaterial 在 Studio 面板开始生成，language 为空时使用配置的输出语言
func (s *Service) GenerateMaterial(ctx context.Context, kind models.MaterialKind, language string) *models.WorkflowResult {
	return s.run(ctx, s.builder.GenerateMaterial(kind, language))
}

// GenerateAudioOverview 生成音频概览
func (s *Service) GenerateAudioOverview(ctx context.Context, language string) *models.WorkflowResult {
	return s.run(ctx, s.builder.GenerateAudioOverview(language))
}

// ListMaterials 列出 Studio 面板中的材料
func (s *Service) ListMaterials(ctx context.Context) *models.WorkflowResult {
	return s.run(ctx, s.builder.ListMaterials())
}

// WaitForMaterial 等待材料生成完成，progress 可以为 nil
func (s *Service) WaitForMaterial(ctx context.Context, kind models.MaterialKind, title string, progress workflow.Progress) *models.WorkflowResult {
	return s.run(ctx, s.builder.WaitForMaterial(kind, title, progress))
}

// Download 下载材料到 dir，dir 为空时使用 pipeline.output_dir
func (s *Service) Download(ctx context.Context, kind models.MaterialKind, title, dir string) *models.WorkflowResult {
	if dir == "" {
		dir = s.cfg.Pipeline.OutputDir
	}
	return s.run(ctx, s.builder.Download(kind, title, dir))
}

// Chat 发送一条消息并读取回复
func (s *Service) Chat(ctx context.Context, prompt string) *models.WorkflowResult {
	return s.run(ctx, s.builder.Chat(prompt))
}

// ChatPreset 发送预设提示词，例如 flashcards
func (s *Service) ChatPreset(ctx context.Context, preset string) *models.WorkflowResult {
	prompt, err := upstream.PresetPrompt(preset)
	if err != nil {
		return invalid("chat-"+preset, err)
	}
	return s.run(ctx, s.builder.ChatPreset(preset, prompt))
}

// Status 会话和当前笔记本的概况，不占用会话
func (s *Service) Status(ctx context.Context) models.Status {
	bs := s.sessions.Status()
	st := models.Status{
		Headless:        bs.Headless,
		ProfileDir:      bs.ProfileDir,
		Notebook:        s.runner.Notebook(),
		RunningWorkflow: s.runner.Running(),
		LastResult:      s.runner.Last(),
	}
	if st.ProfileDir == "" {
		st.ProfileDir = s.cfg.Browser.UserDataDir
		st.Headless = s.cfg.Browser.Headless
	}
	if nb := st.Notebook; nb != nil {
		st.SourceCount = nb.SourceCount
		st.MaterialCount = nb.MaterialCount
	}
	if cur := s.sessions.Current(); cur != nil {
		st.SessionAlive = s.sessions.IsAlive(ctx, cur)
		if st.SessionAlive {
			st.CurrentURL, _ = cur.CurrentURL(ctx)
		}
	}
	return st
}

// Browser 会话管理器的状态
func (s *Service) Browser() browser.Status {
	return s.sessions.Status()
}

// Notebook 最近一次打开或创建的笔记本
func (s *Service) Notebook() *models.NotebookHandle {
	return s.runner.Notebook()
}

// PendingFallback 正在等待操作者完成的步骤
func (s *Service) PendingFallback() *fallback.Pending {
	return s.bridge.Pending()
}

// Abort 取消正在执行的工作流，没有时返回 false
func (s *Service) Abort() bool {
	return s.runner.Abort()
}

// Close 关闭浏览器，保留 profile
func (s *Service) Close() error {
	return s.sessions.Stop()
}
