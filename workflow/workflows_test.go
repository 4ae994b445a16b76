package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func states(trace []Transition) []string {
	out := make([]string, len(trace))
	for i, tr := range trace {
		out[i] = tr.To
	}
	return out
}

func inNotebookWith(sources ...string) envOption {
	return withApp(func(a *fakeApp) { a.openNotebook("Digital Comms", sources...) })
}

func TestCreateNotebookThenAddTextSource(t *testing.T) {
	e := newEnv(t)

	out := e.run(e.builder.CreateNotebook("Digital Comms"))
	require.NoError(t, out.Err)
	nb := out.Result.Data.(*models.NotebookHandle)
	assert.Equal(t, "Digital Comms", nb.Name)
	assert.Equal(t, notebookURL, nb.URL)
	assert.Zero(t, nb.SourceCount)
	assert.Same(t, nb, e.runner.Notebook())
	assert.Equal(t, []string{homeURL}, e.app().page.Navigations())

	text := strings.Repeat("Digital modulation maps bits onto carrier symbols. ", 40)[:1500]
	out = e.run(e.builder.AddTextSource("Lecture 1", text))
	require.NoError(t, out.Err)
	res := out.Result.Data.(*AddSourceResult)
	assert.Equal(t, 1, res.SourceCount)
	assert.False(t, res.Manual)
	assert.Equal(t, []string{
		StateAwaitingAddButton, StateAwaitingSourceTypeMenu, StateAwaitingTextArea,
		StateTextEntered, StateAwaitingSubmit, StateSubmitted, StateConfirmed,
	}, states(out.Trace))
	assert.Equal(t, []string{text}, e.app().textInput.Inserts())

	// 句柄以副本更新，之前交出的句柄不变
	cur := e.runner.Notebook()
	assert.Equal(t, 1, cur.SourceCount)
	assert.Equal(t, "Digital Comms", cur.Name)
	assert.NotSame(t, nb, cur)
	assert.Zero(t, nb.SourceCount)

	runs := e.store.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, notebookURL, runs[1].Notebook)
}

func TestAddURLSource(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))

	out := e.run(e.builder.AddURLSource("https://example.com/qam"))
	require.NoError(t, out.Err)
	res := out.Result.Data.(*AddSourceResult)
	assert.Equal(t, 2, res.SourceCount)
	assert.Equal(t, []string{"Lecture 1", "https://example.com/qam"}, e.app().sources)
}

func TestAddURLSourceRejectsRelativeURL(t *testing.T) {
	e := newEnv(t)
	out := e.run(e.builder.AddURLSource("example.com/qam"))
	assert.Equal(t, models.KindInvalidInput, out.Result.ErrorKind)
}

func TestOpenNotebook(t *testing.T) {
	e := newEnv(t, withApp(func(a *fakeApp) {
		a.titleText.SetText("Digital Comms")
		a.addSource("Lecture 1")
		a.addSource("Lecture 2")
	}))

	out := e.run(e.builder.OpenNotebook(notebookURL))
	require.NoError(t, out.Err)
	nb := out.Result.Data.(*models.NotebookHandle)
	assert.Equal(t, "Digital Comms", nb.Name)
	assert.Equal(t, 2, nb.SourceCount)
	assert.Equal(t, notebookURL, nb.URL)
}

func TestOpenNotebookRejectsMalformedURL(t *testing.T) {
	e := newEnv(t)
	out := e.run(e.builder.OpenNotebook("notebooklm/3f1c9a2e"))
	assert.Equal(t, models.KindInvalidInput, out.Result.ErrorKind)
	assert.Empty(t, e.apps)
}

func TestChatReadsResponse(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))

	out := e.run(e.builder.Chat("Explain QAM"))
	require.NoError(t, out.Err)
	res := out.Result.Data.(*models.ChatResult)
	assert.Equal(t, "Explain QAM", res.Prompt)
	assert.Equal(t, "Answer 1 to: Explain QAM", res.Text)
	assert.Contains(t, res.Markdown, "**Answer 1**")
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, []string{StateChatReady, StateMessageTyped, StateMessageSent, StateResponseReady, StateConfirmed}, states(out.Trace))
}

func TestChatPresetTwiceGivesDistinctResults(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))

	first := e.run(e.builder.ChatPreset("flashcards", "Create flashcards"))
	second := e.run(e.builder.ChatPreset("flashcards", "Create flashcards"))
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)

	a := first.Result.Data.(*models.ChatResult)
	b := second.Result.Data.(*models.ChatResult)
	assert.Equal(t, "chat-flashcards", first.Result.Workflow)
	assert.NotEqual(t, a.Text, b.Text)
	assert.Equal(t, 1, a.Index)
	assert.Equal(t, 2, b.Index)
}

func TestChatWithoutResponseFails(t *testing.T) {
	e := newEnv(t, withApp(func(a *fakeApp) {
		a.openNotebook("Digital Comms", "Lecture 1")
		a.chatBroken = true
	}))

	out := e.run(e.builder.Chat("Explain QAM"))
	require.Error(t, out.Err)
	assert.Equal(t, models.KindPostconditionTimeout, out.Result.ErrorKind)
	assert.Equal(t, StateMessageTyped, out.Result.FailedState)
	require.NotEmpty(t, out.Result.Snapshot)
	_, err := os.Stat(filepath.Join(out.Result.Snapshot, "meta.json"))
	assert.NoError(t, err)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	e := newEnv(t)
	out := e.run(e.builder.Chat("  "))
	assert.Equal(t, models.KindInvalidInput, out.Result.ErrorKind)
}

func TestSourceSelection(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1", "Lecture 2"))
	app := e.app()

	out := e.run(e.builder.SelectSource("Lecture 2", false))
	require.NoError(t, out.Err)
	assert.Equal(t, &models.SourceInfo{Name: "Lecture 2", Selected: false}, out.Result.Data)

	out = e.run(e.builder.ListSources())
	require.NoError(t, out.Err)
	assert.Equal(t, []models.SourceInfo{
		{Name: "Lecture 1", Selected: true},
		{Name: "Lecture 2", Selected: false},
	}, out.Result.Data)

	// 已经是目标状态时不点击
	out = e.run(e.builder.SelectSource("Lecture 1", true))
	require.NoError(t, out.Err)
	assert.Zero(t, app.boxes[0].Clicks())

	out = e.run(e.builder.SelectAllSources(false))
	require.NoError(t, out.Err)
	out = e.run(e.builder.ListSources())
	require.NoError(t, out.Err)
	for _, s := range out.Result.Data.([]models.SourceInfo) {
		assert.False(t, s.Selected, s.Name)
	}
}

func TestSelectUnknownSourceFails(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))
	out := e.run(e.builder.SelectSource("Lecture 9", true))
	assert.Equal(t, models.KindElementNotFound, out.Result.ErrorKind)
	assert.Equal(t, StateSourcesPanel, out.Result.FailedState)
}

func TestQuizIsShareOnly(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))
	app := e.app()

	out := e.run(e.builder.GenerateMaterial(models.MaterialQuiz, ""))
	require.NoError(t, out.Err)
	assert.Equal(t, &models.GenerationResult{Kind: models.MaterialQuiz, Started: true}, out.Result.Data)
	assert.Equal(t, 1, app.buttons[models.MaterialQuiz].Clicks())

	queries := len(app.page.Queries())
	out = e.run(e.builder.Download(models.MaterialQuiz, "", t.TempDir()))
	assert.Equal(t, models.KindDownloadUnsupported, out.Result.ErrorKind)
	assert.Empty(t, out.Result.Snapshot)
	assert.Len(t, app.page.Queries(), queries, "no interaction for share-only kinds")
}

func TestAudioOverviewGenerateWaitDownload(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))
	app := e.app()

	out := e.run(e.builder.GenerateAudioOverview(""))
	require.NoError(t, out.Err)
	gen := out.Result.Data.(*models.GenerationResult)
	assert.True(t, gen.DownloadSupported)
	assert.Equal(t, "English", gen.Language)
	assert.Equal(t, "English", app.language)
	assert.Equal(t, []string{
		StateStudioOpen, StateDialogOpen, StateLanguageMenuOpen, StateLanguageSelected, StateGenerationStarted, StateConfirmed,
	}, states(out.Trace))

	var reports []time.Duration
	out = e.run(e.builder.WaitForMaterial(models.MaterialAudio, "", func(elapsed time.Duration, items []models.MaterialInfo) {
		reports = append(reports, elapsed)
	}))
	require.NoError(t, out.Err)
	info := out.Result.Data.(*models.MaterialInfo)
	assert.Equal(t, "Audio Overview: Digital Comms", info.Title)
	assert.Equal(t, models.MaterialReady, info.Status)
	assert.Greater(t, len(reports), 2)
	assert.Zero(t, reports[0])

	dest := t.TempDir()
	out = e.run(e.builder.Download(models.MaterialAudio, "", dest))
	require.NoError(t, out.Err)
	file := out.Result.Data.(*models.DownloadedFile)
	assert.Equal(t, "mp3", file.Extension)
	assert.Equal(t, "audio/mpeg", file.MimeType)
	assert.Equal(t, filepath.Join(dest, "Audio Overview_ Digital Comms.mp3"), file.FilePath)
	_, err := os.Stat(file.FilePath)
	assert.NoError(t, err)
}

func TestListMaterials(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))
	app := e.app()
	app.readyItem(models.MaterialQuiz)
	app.startItem(models.MaterialAudio)

	out := e.run(e.builder.ListMaterials())
	require.NoError(t, out.Err)
	assert.Equal(t, []models.MaterialInfo{
		{Title: "Quiz: Digital Comms", Kind: models.MaterialQuiz, Status: models.MaterialReady},
		{Title: "Audio Overview: Digital Comms", Kind: models.MaterialAudio, Status: models.MaterialGenerating},
	}, out.Result.Data)
}

func TestListSkipsUnreadableEntries(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1", "Lecture 2"))
	app := e.app()
	app.boxes[0].ReadErr = fmt.Errorf("Lecture 1: %w", driver.ErrDetached)
	app.readyItem(models.MaterialQuiz).el.ReadErr = errors.New("node re-rendered")
	app.startItem(models.MaterialAudio)

	out := e.run(e.builder.ListSources())
	require.NoError(t, out.Err)
	assert.Equal(t, []models.SourceInfo{{Name: "Lecture 2", Selected: true}}, out.Result.Data)

	out = e.run(e.builder.ListMaterials())
	require.NoError(t, out.Err)
	assert.Equal(t, []models.MaterialInfo{
		{Title: "Audio Overview: Digital Comms", Kind: models.MaterialAudio, Status: models.MaterialGenerating},
	}, out.Result.Data)
}

func TestListStopsOnSessionError(t *testing.T) {
	e := newEnv(t, inNotebookWith("Lecture 1"))
	e.app().readyItem(models.MaterialQuiz).el.ReadErr = fmt.Errorf("read text: %w", driver.ErrSessionClosed)

	out := e.run(e.builder.ListMaterials())
	require.Error(t, out.Err)
	assert.Equal(t, models.KindSessionDead, out.Result.ErrorKind)
}

func TestGenerateUnknownKind(t *testing.T) {
	e := newEnv(t)
	out := e.run(e.builder.GenerateMaterial("podcast-remix", ""))
	assert.Equal(t, models.KindInvalidInput, out.Result.ErrorKind)
}

func TestParseSourceCount(t *testing.T) {
	tests := []struct {
		text string
		want int
		ok   bool
	}{
		{"Sources (3)", 3, true},
		{"12 sources", 12, true},
		{"1 source", 1, true},
		{"3 Quellen", 3, true},
		{" 7 ", 7, true},
		{"Sources", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			n, ok := ParseSourceCount(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestUniquePathAddsSuffix(t *testing.T) {
	dir := t.TempDir()
	first := uniquePath(dir, "Overview", "mp3")
	assert.Equal(t, filepath.Join(dir, "Overview.mp3"), first)
	require.NoError(t, os.WriteFile(first, []byte("x"), 0o644))
	assert.Equal(t, filepath.Join(dir, "Overview (1).mp3"), uniquePath(dir, "Overview", "mp3"))
	assert.Equal(t, "a_b_ c", safeFileName("a/b: c"))
}
