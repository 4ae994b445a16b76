package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/storage"
	"github.com/notebookwing/notebookwing/upstream"
	"github.com/notebookwing/notebookwing/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNotebooks 记录调用顺序，按调用键注入失败
type fakeNotebooks struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]models.ErrorKind
	onCall    func(call string)
	waitDelay time.Duration
	notebooks int
}

func (f *fakeNotebooks) result(call, wf string, data any) *models.WorkflowResult {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	kind := f.fail[call]
	fn := f.onCall
	f.mu.Unlock()
	if fn != nil {
		fn(call)
	}
	if kind != "" {
		return &models.WorkflowResult{Workflow: wf, ErrorKind: kind, Error: string(kind), State: workflow.StateFailed}
	}
	return &models.WorkflowResult{Workflow: wf, Success: true, State: workflow.StateConfirmed, Data: data}
}

func (f *fakeNotebooks) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNotebooks) CreateNotebook(ctx context.Context, name string) *models.WorkflowResult {
	f.mu.Lock()
	f.notebooks++
	url := "https://notebooklm.google.com/notebook/nb-" + string(rune('0'+f.notebooks))
	f.mu.Unlock()
	return f.result("create:"+name, "create-notebook", &models.NotebookHandle{Name: name, URL: url})
}

func (f *fakeNotebooks) AddTextSource(ctx context.Context, title, text string) *models.WorkflowResult {
	return f.result("source:"+title, "add-text-source", &workflow.AddSourceResult{Title: title, SourceCount: 1})
}

func (f *fakeNotebooks) GenerateMaterial(ctx context.Context, kind models.MaterialKind, language string) *models.WorkflowResult {
	return f.result("generate:"+string(kind), "generate-"+string(kind), &models.GenerationResult{Kind: kind, Started: true})
}

func (f *fakeNotebooks) WaitForMaterial(ctx context.Context, kind models.MaterialKind, title string, progress workflow.Progress) *models.WorkflowResult {
	info := &models.MaterialInfo{Title: string(kind) + " overview", Kind: kind, Status: models.MaterialReady}
	if progress != nil {
		progress(0, []models.MaterialInfo{{Title: info.Title, Kind: kind, Status: models.MaterialGenerating}})
	}
	if f.waitDelay > 0 {
		time.Sleep(f.waitDelay)
	}
	return f.result("wait:"+string(kind), "wait-"+string(kind), info)
}

func (f *fakeNotebooks) Download(ctx context.Context, kind models.MaterialKind, title, dir string) *models.WorkflowResult {
	file := &models.DownloadedFile{FileName: title + ".mp3", FilePath: filepath.Join(dir, title+".mp3"), Extension: "mp3"}
	return f.result("download:"+string(kind)+":"+title, "download-"+string(kind), file)
}

func (f *fakeNotebooks) ChatPreset(ctx context.Context, preset string) *models.WorkflowResult {
	text := "Q: What does QAM modulate?\nA: Amplitude and phase."
	return f.result("chat:"+preset, "chat-"+preset, &models.ChatResult{Prompt: preset, Markdown: text, Text: text, Index: 1})
}

const lectureNotes = "# Modulation\nQAM combines amplitude and phase.\n\n# Coding\nChannel codes add redundancy.\n\n# Sampling\nNyquist rate."

type fixture struct {
	src string
	db  *storage.BoltDB
	nb  *fakeNotebooks
	out string
}

func newFixture(t *testing.T, text string) *fixture {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "lecture.md")
	require.NoError(t, os.WriteFile(src, []byte(text), 0o644))
	db, err := storage.NewBoltDB(filepath.Join(dir, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &fixture{src: src, db: db, nb: &fakeNotebooks{fail: map[string]models.ErrorKind{}}, out: filepath.Join(dir, "out")}
}

func (f *fixture) pipeline(opts Options) *Pipeline {
	opts.OutputDir = f.out
	return New(f.nb, upstream.NewIngestor(0), upstream.NewSplitter(nil, 10, upstream.RetryOptions{}), f.db, opts)
}

func TestRunBuildsNotebookPerTopic(t *testing.T) {
	f := newFixture(t, "# Modulation\nQAM combines amplitude and phase.\n\n# Coding\nChannel codes add redundancy.")
	p := f.pipeline(Options{
		Materials:   []models.MaterialKind{models.MaterialAudio, models.MaterialQuiz},
		ChatPresets: []string{upstream.PresetFlashcards},
	})

	report, err := p.Run(context.Background(), f.src)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Done)
	assert.Zero(t, report.Failed)
	assert.Equal(t, "Modulation", report.Title)

	assert.Equal(t, []string{
		"create:Modulation", "source:Modulation",
		"generate:audio", "wait:audio", "download:audio:audio overview",
		"generate:quiz", "wait:quiz",
		"chat:flashcards",
		"create:Coding", "source:Coding",
		"generate:audio", "wait:audio", "download:audio:audio overview",
		"generate:quiz", "wait:quiz",
		"chat:flashcards",
	}, f.nb.Calls())

	first := report.Topics[0]
	assert.Equal(t, "https://notebooklm.google.com/notebook/nb-1", first.Notebook.URL)
	require.Len(t, first.Files, 1)
	assert.Equal(t, filepath.Join(f.out, "Modulation", "audio overview.mp3"), first.Files[0].FilePath)
	assert.FileExists(t, filepath.Join(f.out, "Modulation", "flashcards.md"))
	cards, err := os.ReadFile(filepath.Join(f.out, "Modulation", "flashcards.json"))
	require.NoError(t, err)
	assert.Contains(t, string(cards), `"question": "What does QAM modulate?"`)
	assert.Equal(t, filepath.Join(f.out, "Modulation", "flashcards.md"), first.Chats["flashcards"])

	items, err := f.db.ListPipelineItems(f.src)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, models.ItemDone, it.Status)
		assert.Equal(t, []models.MaterialKind{models.MaterialAudio, models.MaterialQuiz}, it.Materials)
		assert.NotEmpty(t, it.NotebookURL)
	}
}

func TestRunSkipsDoneTopicsAndContinuesPastFailures(t *testing.T) {
	f := newFixture(t, lectureNotes)
	require.NoError(t, f.db.SavePipelineItem(&models.PipelineItem{Source: f.src, Title: "Modulation", Status: models.ItemDone}))
	f.nb.fail["create:Coding"] = models.KindElementNotFound

	report, err := f.pipeline(Options{}).Run(context.Background(), f.src)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Done)
	assert.Equal(t, []string{"create:Coding", "create:Sampling", "source:Sampling"}, f.nb.Calls())

	failed, err := f.db.GetPipelineItem(models.PipelineItemID(f.src, "Coding"))
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, failed.Status)
	assert.Equal(t, models.KindElementNotFound, failed.ErrorKind)
	require.Len(t, report.Topics[1].Failures, 1)
	assert.Equal(t, "create-notebook", report.Topics[1].Failures[0].Workflow)

	// 重跑只处理失败的主题
	f.nb.fail = map[string]models.ErrorKind{}
	report, err = f.pipeline(Options{}).Run(context.Background(), f.src)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Done)
}

func TestMaterialFailureStillRunsChat(t *testing.T) {
	f := newFixture(t, "# Modulation\nQAM combines amplitude and phase.")
	f.nb.fail["generate:audio"] = models.KindPostconditionTimeout
	p := f.pipeline(Options{
		Materials:   []models.MaterialKind{models.MaterialAudio, models.MaterialMindmap},
		ChatPresets: []string{upstream.PresetSummary},
	})

	report, err := p.Run(context.Background(), f.src)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, f.nb.Calls(), "download:mindmap:mindmap overview")
	assert.Contains(t, f.nb.Calls(), "chat:summary")

	item := report.Topics[0].Item
	assert.Equal(t, models.ItemFailed, item.Status)
	assert.Equal(t, models.KindPostconditionTimeout, item.ErrorKind)
	assert.Equal(t, []models.MaterialKind{models.MaterialMindmap}, item.Materials)
	assert.NoFileExists(t, filepath.Join(f.out, "Modulation", "flashcards.json"))
	assert.FileExists(t, filepath.Join(f.out, "Modulation", "summary.md"))
}

func TestAbortStopsPipeline(t *testing.T) {
	f := newFixture(t, lectureNotes)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.nb.fail["source:Modulation"] = models.KindAborted
	f.nb.onCall = func(call string) {
		if call == "source:Modulation" {
			cancel()
		}
	}

	report, err := f.pipeline(Options{}).Run(ctx, f.src)
	assert.ErrorIs(t, err, models.ErrAborted)
	require.Len(t, report.Topics, 1)
	assert.Equal(t, []string{"create:Modulation", "source:Modulation"}, f.nb.Calls())

	item, err := f.db.GetPipelineItem(models.PipelineItemID(f.src, "Modulation"))
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, item.Status)
}

func TestProgressReportedWhileWaiting(t *testing.T) {
	f := newFixture(t, "# Modulation\nQAM combines amplitude and phase.")
	f.nb.waitDelay = 50 * time.Millisecond

	var (
		mu     sync.Mutex
		events []Event
	)
	p := f.pipeline(Options{
		Materials:        []models.MaterialKind{models.MaterialQuiz},
		ProgressInterval: 5 * time.Millisecond,
		OnProgress: func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		},
	})
	_, err := p.Run(context.Background(), f.src)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 2)
	var waiting Event
	for _, ev := range events {
		if ev.Stage == "wait-quiz" {
			waiting = ev
			break
		}
	}
	require.Equal(t, "wait-quiz", waiting.Stage)
	assert.Equal(t, "1 of 1 materials generating", waiting.Detail)
	assert.Equal(t, 1, waiting.Index)
	assert.Equal(t, 1, waiting.Total)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.Stage)
	assert.Equal(t, "[1/1] Modulation: done (0s)", last.String())
}

func TestRunInvalidSource(t *testing.T) {
	f := newFixture(t, "x")
	_, err := f.pipeline(Options{}).Run(context.Background(), filepath.Join(t.TempDir(), "missing.md"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Empty(t, f.nb.Calls())
}

func TestSafeDirName(t *testing.T) {
	assert.Equal(t, "Modulation_ QAM", safeDirName("Modulation: QAM"))
	assert.Equal(t, "topic", safeDirName(" / "))
	assert.Equal(t, "topic", safeDirName("???"))
	assert.Equal(t, "Modulation", safeDirName("/Modulation/"))
	assert.Equal(t, "topic", safeDirName(".."))
}
