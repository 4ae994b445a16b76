// Package pipeline 批处理：读取内容、拆分主题，每个主题建一个笔记本，
// 粘贴来源、生成并下载材料、发送对话预设。已完成的主题在重跑时跳过。
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/upstream"
	"github.com/notebookwing/notebookwing/workflow"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Notebooks 笔记本操作，notebook.Service 实现了它
type Notebooks interface {
	CreateNotebook(ctx context.Context, name string) *models.WorkflowResult
	AddTextSource(ctx context.Context, title, text string) *models.WorkflowResult
	GenerateMaterial(ctx context.Context, kind models.MaterialKind, language string) *models.WorkflowResult
	WaitForMaterial(ctx context.Context, kind models.MaterialKind, title string, progress workflow.Progress) *models.WorkflowResult
	Download(ctx context.Context, kind models.MaterialKind, title, dir string) *models.WorkflowResult
	ChatPreset(ctx context.Context, preset string) *models.WorkflowResult
}

// Loader 读取内容
type Loader interface {
	Load(ctx context.Context, src string) (*upstream.Document, error)
}

// Splitter 拆分主题
type Splitter interface {
	Split(ctx context.Context, doc *upstream.Document) ([]models.Topic, error)
}

// Store 批处理条目，storage.BoltDB 实现了它
type Store interface {
	SavePipelineItem(item *models.PipelineItem) error
	GetPipelineItem(id string) (*models.PipelineItem, error)
}

// Event 进度报告
type Event struct {
	Topic   string        `json:"topic"`
	Index   int           `json:"index"` // 从 1 开始
	Total   int           `json:"total"`
	Stage   string        `json:"stage"`
	Elapsed time.Duration `json:"elapsed"`
	Detail  string        `json:"detail,omitempty"`
}

func (e Event) String() string {
	s := fmt.Sprintf("[%d/%d] %s: %s (%s)", e.Index, e.Total, e.Topic, e.Stage, e.Elapsed.Round(time.Second))
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// Options 批处理参数
type Options struct {
	Materials   []models.MaterialKind
	ChatPresets []string
	Language    string
	OutputDir   string
	// ProgressInterval 长时间阶段的进度报告间隔，默认 15s
	ProgressInterval time.Duration
	// OnProgress 为 nil 时只写日志
	OnProgress func(Event)
}

// TopicResult 一个主题的处理结果
type TopicResult struct {
	Topic    models.Topic             `json:"topic"`
	Item     *models.PipelineItem     `json:"item"`
	Notebook *models.NotebookHandle   `json:"notebook,omitempty"`
	Files    []*models.DownloadedFile `json:"files,omitempty"`
	Chats    map[string]string        `json:"chats,omitempty"` // 预设名 → 保存的 markdown 文件
	Skipped  bool                     `json:"skipped,omitempty"`
	Failures []*models.WorkflowResult `json:"failures,omitempty"`
}

// Report 一次批处理的汇总
type Report struct {
	Source  string         `json:"source"`
	Title   string         `json:"title"`
	Topics  []*TopicResult `json:"topics"`
	Done    int            `json:"done"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
}

// Pipeline 批处理
type Pipeline struct {
	notebooks Notebooks
	loader    Loader
	splitter  Splitter
	store     Store
	opts      Options
}

// New store 可以为 nil，此时不记录也不跳过
func New(nb Notebooks, loader Loader, splitter Splitter, store Store, opts Options) *Pipeline {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 15 * time.Second
	}
	return &Pipeline{notebooks: nb, loader: loader, splitter: splitter, store: store, opts: opts}
}

// Run 处理一个来源。单个主题失败不会中断批处理，取消时返回 Aborted。
func (p *Pipeline) Run(ctx context.Context, src string) (*Report, error) {
	doc, err := p.loader.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	topics, err := p.splitter.Split(ctx, doc)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "Pipeline for %q: %d topics", doc.Title, len(topics))

	report := &Report{Source: doc.Source, Title: doc.Title}
	for i, topic := range topics {
		if err := ctx.Err(); err != nil {
			return report, models.NewError(models.KindAborted, "pipeline cancelled", err)
		}
		res, err := p.runTopic(ctx, doc.Source, topic, i+1, len(topics))
		report.Topics = append(report.Topics, res)
		switch {
		case res.Skipped:
			report.Skipped++
		case res.Item.Status == models.ItemDone:
			report.Done++
		default:
			report.Failed++
		}
		if err != nil {
			return report, err
		}
	}
	logger.Info(ctx, "Pipeline for %q finished: %d done, %d failed, %d skipped", doc.Title, report.Done, report.Failed, report.Skipped)
	return report, nil
}

// tracker 保存当前阶段，供进度报告读取
type tracker struct {
	mu     sync.Mutex
	ev     Event
	start  time.Time
	detail string
}

func (t *tracker) stage(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ev.Stage = name
	t.detail = ""
}

func (t *tracker) setDetail(d string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detail = d
}

func (t *tracker) snapshot() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := t.ev
	ev.Elapsed = time.Since(t.start)
	ev.Detail = t.detail
	return ev
}

func (p *Pipeline) report(ctx context.Context, ev Event) {
	if p.opts.OnProgress != nil {
		p.opts.OnProgress(ev)
		return
	}
	logger.Info(ctx, "%s", ev)
}

// runTopic 在一个 goroutine 里处理主题，另一个 goroutine 按间隔报告进度
func (p *Pipeline) runTopic(ctx context.Context, source string, topic models.Topic, index, total int) (*TopicResult, error) {
	res := &TopicResult{Topic: topic}
	item := &models.PipelineItem{
		ID:     models.PipelineItemID(source, topic.Title),
		Source: source,
		Title:  topic.Title,
		Status: models.ItemPending,
	}
	if p.store != nil {
		if prev, err := p.store.GetPipelineItem(item.ID); err == nil && prev.Status == models.ItemDone {
			logger.Info(ctx, "[%d/%d] %s already done, skipping", index, total, topic.Title)
			res.Item, res.Skipped = prev, true
			return res, nil
		}
	}
	res.Item = item

	t := &tracker{ev: Event{Topic: topic.Title, Index: index, Total: total}, start: time.Now()}
	done := make(chan struct{})
	var workErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		workErr = p.process(gctx, t, res)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(p.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				p.report(gctx, t.snapshot())
			}
		}
	})
	_ = g.Wait()

	if workErr != nil {
		item.Status = models.ItemFailed
		item.ErrorKind = models.KindOf(workErr)
		item.Error = workErr.Error()
	} else {
		item.Status = models.ItemDone
	}
	p.save(ctx, item)

	ev := t.snapshot()
	ev.Stage = string(item.Status)
	ev.Detail = item.Error
	p.report(ctx, ev)

	if item.ErrorKind == models.KindAborted {
		return res, workErr
	}
	return res, nil
}

func (p *Pipeline) save(ctx context.Context, item *models.PipelineItem) {
	if p.store == nil {
		return
	}
	if err := p.store.SavePipelineItem(item); err != nil {
		logger.Warn(ctx, "Failed to save pipeline item %s: %v", item.ID, err)
	}
}

// resultErr 失败结果转成错误，同时记入 TopicResult
func resultErr(res *TopicResult, r *models.WorkflowResult) error {
	if r.Success {
		return nil
	}
	res.Failures = append(res.Failures, r)
	return models.NewError(r.ErrorKind, r.Workflow+": "+r.Error, nil)
}

// process 笔记本和来源失败时放弃该主题；单个材料或预设失败只记录，继续后面的步骤
func (p *Pipeline) process(ctx context.Context, t *tracker, res *TopicResult) error {
	item := res.Item

	t.stage("create-notebook")
	r := p.notebooks.CreateNotebook(ctx, res.Topic.Title)
	if err := resultErr(res, r); err != nil {
		return err
	}
	res.Notebook, _ = r.Data.(*models.NotebookHandle)
	if res.Notebook != nil {
		item.NotebookURL = res.Notebook.URL
	}
	p.save(ctx, item)

	t.stage("add-source")
	if err := resultErr(res, p.notebooks.AddTextSource(ctx, res.Topic.Title, res.Topic.Text)); err != nil {
		return err
	}

	dir := filepath.Join(p.opts.OutputDir, safeDirName(res.Topic.Title))
	var firstErr error
	keep := func(err error) error {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return err
	}

	for _, kind := range p.opts.Materials {
		if err := keep(p.material(ctx, t, res, kind, dir)); err != nil {
			if models.KindOf(err) == models.KindAborted {
				return err
			}
			logger.Warn(ctx, "Material %s for %q failed: %v", kind, res.Topic.Title, err)
			continue
		}
		item.Materials = append(item.Materials, kind)
		p.save(ctx, item)
	}

	for _, preset := range p.opts.ChatPresets {
		t.stage("chat-" + preset)
		path, err := p.chat(ctx, res, preset, dir)
		if keep(err) != nil {
			if models.KindOf(err) == models.KindAborted {
				return err
			}
			logger.Warn(ctx, "Chat preset %s for %q failed: %v", preset, res.Topic.Title, err)
			continue
		}
		if res.Chats == nil {
			res.Chats = map[string]string{}
		}
		res.Chats[preset] = path
	}
	return firstErr
}

// material 生成、等待完成，能下载的类型再下载到 dir
func (p *Pipeline) material(ctx context.Context, t *tracker, res *TopicResult, kind models.MaterialKind, dir string) error {
	t.stage("generate-" + string(kind))
	if err := resultErr(res, p.notebooks.GenerateMaterial(ctx, kind, p.opts.Language)); err != nil {
		return err
	}

	t.stage("wait-" + string(kind))
	r := p.notebooks.WaitForMaterial(ctx, kind, "", func(elapsed time.Duration, items []models.MaterialInfo) {
		generating := 0
		for _, it := range items {
			if it.Status == models.MaterialGenerating {
				generating++
			}
		}
		t.setDetail(fmt.Sprintf("%d of %d materials generating", generating, len(items)))
	})
	if err := resultErr(res, r); err != nil {
		return err
	}
	if !kind.Downloadable() {
		return nil
	}
	title := ""
	if info, ok := r.Data.(*models.MaterialInfo); ok && info != nil {
		title = info.Title
	}

	t.stage("download-" + string(kind))
	r = p.notebooks.Download(ctx, kind, title, dir)
	if err := resultErr(res, r); err != nil {
		return err
	}
	if f, ok := r.Data.(*models.DownloadedFile); ok && f != nil {
		res.Files = append(res.Files, f)
	}
	return nil
}

// chat 发送预设并把回复保存为 markdown，flashcards 额外保存解析出的卡片
func (p *Pipeline) chat(ctx context.Context, res *TopicResult, preset, dir string) (string, error) {
	r := p.notebooks.ChatPreset(ctx, preset)
	if err := resultErr(res, r); err != nil {
		return "", err
	}
	chat, ok := r.Data.(*models.ChatResult)
	if !ok || chat == nil {
		return "", models.NewError(models.KindPostconditionTimeout, "chat-"+preset+" returned no response", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create output directory %s", dir)
	}
	path := filepath.Join(dir, preset+".md")
	if err := os.WriteFile(path, []byte(chat.Markdown+"\n"), 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	if preset == upstream.PresetFlashcards {
		if cards := upstream.ParseFlashcards(chat.Text); len(cards) > 0 {
			data, _ := json.MarshalIndent(cards, "", "  ")
			if err := os.WriteFile(filepath.Join(dir, "flashcards.json"), data, 0o644); err != nil {
				return "", errors.Wrap(err, "write flashcards.json")
			}
		}
	}
	return path, nil
}

var unsafeDirChars = regexp.MustCompile(`[^\p{L}\p{N} ._-]+`)

// safeDirName 主题标题转成目录名
func safeDirName(s string) string {
	s = strings.Trim(unsafeDirChars.ReplaceAllString(s, "_"), "_. ")
	if r := []rune(s); len(r) > 80 {
		s = strings.Trim(string(r[:80]), "_. ")
	}
	if s == "" {
		return "topic"
	}
	return s
}
