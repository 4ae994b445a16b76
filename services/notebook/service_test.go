package notebook

import (
	"context"
	"sync"
	"testing"

	"github.com/notebookwing/notebookwing/config"
	"github.com/notebookwing/notebookwing/driver/drivertest"
	"github.com/notebookwing/notebookwing/fallback"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/services/browser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notebookURL = "https://notebooklm.google.com/notebook/3f1c9a2e-digital-comms"

type memStore struct {
	mu        sync.Mutex
	runs      []*models.RunRecord
	notebooks map[string]*models.NotebookHandle
	snapshots []*models.ErrorSnapshot
}

func (s *memStore) SaveRun(run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memStore) SaveNotebook(nb *models.NotebookHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notebooks == nil {
		s.notebooks = map[string]*models.NotebookHandle{}
	}
	s.notebooks[nb.URL] = nb
	return nil
}

func (s *memStore) SaveSnapshot(snap *models.ErrorSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

type noClipboard struct{}

func (noClipboard) WriteAll(string) error { return nil }

type fixture struct {
	svc   *Service
	store *memStore
	pages []*drivertest.Page
}

// newFixture 每个会话是一个已登录的 NotebookLM 页面，打开的笔记本有两个来源
func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := locator.MustDefault()
	f := &fixture{store: &memStore{}}

	add := func(p *drivertest.Page, id locator.TargetID, el *drivertest.Element) {
		target, err := reg.Target(id, "en")
		require.NoError(t, err)
		p.Add(target.Strategies[0], el)
	}
	start := func(ctx context.Context) (*browser.Session, error) {
		p := drivertest.NewPage()
		p.SetURL("https://notebooklm.google.com/")
		add(p, locator.TargetNotebookView, drivertest.NewElement("notebook view"))
		add(p, locator.TargetNotebookTitle, drivertest.NewElement("title").WithText("Digital Comms"))
		add(p, locator.TargetSourceCount, drivertest.NewElement("count").WithText("Sources (2)"))
		f.pages = append(f.pages, p)
		return browser.NewSession("test-session", "/tmp/notebookwing-profile", true, p, nil), nil
	}

	cfg := config.Default()
	cfg.Snapshot.Dir = t.TempDir()
	cfg.Pipeline.OutputDir = t.TempDir()
	svc, err := New(cfg, Options{
		Store:      f.store,
		Registry:   reg,
		Operator:   fallback.LogOperator{},
		Clipboard:  noClipboard{},
		Registerer: prometheus.NewRegistry(),
		Starter:    start,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	f.svc = svc
	return f
}

func TestOpenNotebookRecordsHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.svc.OpenNotebook(ctx, notebookURL)
	require.True(t, res.Success, res.Error)
	nb, ok := res.Data.(*models.NotebookHandle)
	require.True(t, ok)
	assert.Equal(t, "Digital Comms", nb.Name)
	assert.Equal(t, 2, nb.SourceCount)
	assert.Equal(t, []string{notebookURL}, f.pages[0].Navigations())

	assert.Same(t, nb, f.svc.Notebook())
	assert.Contains(t, f.store.notebooks, notebookURL)
	require.Len(t, f.store.runs, 1)
	assert.Equal(t, notebookURL, f.store.runs[0].Notebook)

	st := f.svc.Status(ctx)
	assert.True(t, st.SessionAlive)
	assert.True(t, st.Headless)
	assert.Equal(t, "/tmp/notebookwing-profile", st.ProfileDir)
	assert.Equal(t, notebookURL, st.CurrentURL)
	assert.Equal(t, 2, st.SourceCount)
	assert.Empty(t, st.RunningWorkflow)
	assert.Same(t, res, st.LastResult)
}

func TestStatusWithoutSession(t *testing.T) {
	f := newFixture(t)
	st := f.svc.Status(context.Background())
	assert.False(t, st.SessionAlive)
	assert.Nil(t, st.Notebook)
	assert.Nil(t, st.LastResult)
	assert.NotEmpty(t, st.ProfileDir)
	assert.False(t, f.svc.Abort())
	assert.Nil(t, f.svc.PendingFallback())
}

func TestChatPresetUnknownName(t *testing.T) {
	f := newFixture(t)
	res := f.svc.ChatPreset(context.Background(), "poem")
	assert.False(t, res.Success)
	assert.Equal(t, models.KindInvalidInput, res.ErrorKind)
	assert.Equal(t, "chat-poem", res.Workflow)
	assert.Contains(t, res.Error, "flashcards")
	assert.Empty(t, f.pages)
}

func TestInvalidInputNeverStartsBrowser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, res := range []*models.WorkflowResult{
		f.svc.OpenNotebook(ctx, "not a url"),
		f.svc.AddURLSource(ctx, "/relative"),
		f.svc.Chat(ctx, "  "),
		f.svc.Download(ctx, models.MaterialQuiz, "", ""),
	} {
		assert.False(t, res.Success, res.Workflow)
		assert.NotEmpty(t, res.ErrorKind, res.Workflow)
	}
	assert.Empty(t, f.pages)
}

func TestImportSourceRejectsMissingFile(t *testing.T) {
	f := newFixture(t)
	res := f.svc.ImportSource(context.Background(), "/nonexistent/notes.md")
	assert.False(t, res.Success)
	assert.Equal(t, models.KindInvalidInput, res.ErrorKind)
	assert.Empty(t, f.pages)
}
