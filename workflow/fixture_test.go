package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/notebookwing/notebookwing/config"
	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/driver/drivertest"
	"github.com/notebookwing/notebookwing/executor"
	"github.com/notebookwing/notebookwing/fallback"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/clock"
	"github.com/notebookwing/notebookwing/pkg/metrics"
	"github.com/notebookwing/notebookwing/services/browser"
	"github.com/notebookwing/notebookwing/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	homeURL     = "https://notebooklm.google.com/"
	notebookURL = "https://notebooklm.google.com/notebook/3f1c9a2e-digital-comms"
	signInURL   = "https://accounts.google.com/v3/signin/identifier?continue=https%3A%2F%2Fnotebooklm.google.com%2F"
)

type recordingOperator struct {
	mu       sync.Mutex
	notified []fallback.Pending
	// onNotify 模拟操作者在浏览器里手工完成步骤
	onNotify func(p fallback.Pending)
}

func (r *recordingOperator) Notify(ctx context.Context, p fallback.Pending) error {
	r.mu.Lock()
	r.notified = append(r.notified, p)
	fn := r.onNotify
	r.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return nil
}

func (r *recordingOperator) calls() []fallback.Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fallback.Pending(nil), r.notified...)
}

type memClipboard struct {
	mu   sync.Mutex
	text string
}

func (m *memClipboard) WriteAll(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return nil
}

func (m *memClipboard) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}

type memStore struct {
	mu   sync.Mutex
	runs []*models.RunRecord
}

func (s *memStore) SaveRun(run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memStore) Runs() []*models.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.RunRecord(nil), s.runs...)
}

// env 一套完整的运行环境：假时钟、会话管理器、解析器、执行器、兜底桥、快照
type env struct {
	t        *testing.T
	clock    *clock.Fake
	reg      *locator.Registry
	prom     *prometheus.Registry
	manager  *browser.Manager
	runner   *Runner
	builder  *Builder
	operator *recordingOperator
	clip     *memClipboard
	store    *memStore
	snapDir  string
	headless bool
	apps     []*fakeApp
	// setup 对每个新会话的页面做额外装配
	setup func(a *fakeApp)
}

type envOption func(e *env)

func headless() envOption { return func(e *env) { e.headless = true } }

func withApp(fn func(a *fakeApp)) envOption { return func(e *env) { e.setup = fn } }

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	e := &env{
		t:        t,
		clock:    clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
		reg:      locator.MustDefault(),
		prom:     prometheus.NewRegistry(),
		operator: &recordingOperator{},
		clip:     &memClipboard{},
		store:    &memStore{},
		snapDir:  t.TempDir(),
	}
	for _, opt := range opts {
		opt(e)
	}

	m := metrics.New(e.prom)
	e.manager = browser.NewManagerWithStarter(config.Default(), m, e.start)
	resolver := locator.NewResolver(e.reg, e.clock, locator.DefaultOptions(), m)
	settings := DefaultSettings()
	settings.FallbackEnabled = true
	settings.BaseURL = homeURL
	settings.OutputLanguage = "English"
	e.runner = NewRunner(Deps{
		Sessions: e.manager,
		Resolver: resolver,
		Executor: executor.NewExecutor(resolver, e.clock, executor.DefaultOptions()),
		Bridge:   fallback.NewBridge(e.clock, e.operator, e.clip, fallback.Options{PollInterval: 2 * time.Second}, m),
		Capturer: snapshot.NewCapturer(e.snapDir, e.clock, nil, m),
		Store:    e.store,
		Clock:    e.clock,
		Metrics:  m,
	}, settings)
	e.builder = NewBuilder(settings)
	return e
}

func (e *env) start(ctx context.Context) (*browser.Session, error) {
	page := drivertest.NewPage()
	a := newFakeApp(e, page, browser.NewDownloadTracker(e.t.TempDir()))
	e.apps = append(e.apps, a)
	if e.setup != nil {
		e.setup(a)
	}
	return browser.NewSession(fmt.Sprintf("session-%d", len(e.apps)), "/tmp/notebookwing-profile", e.headless, page, a.tracker), nil
}

// app 当前会话的假页面，没有会话时先启动一个
func (e *env) app() *fakeApp {
	e.t.Helper()
	if len(e.apps) == 0 {
		_, err := e.manager.Acquire(context.Background())
		require.NoError(e.t, err)
	}
	return e.apps[len(e.apps)-1]
}

func (e *env) run(wf *Workflow) *Outcome {
	return e.runner.Run(context.Background(), wf)
}

type studioItem struct {
	title      string
	kind       models.MaterialKind
	generating bool
	readyAt    time.Time
	el         *drivertest.Element
}

// fakeApp 一个最小的 NotebookLM：首页、笔记本、来源对话框、Studio 面板和对话
type fakeApp struct {
	env     *env
	page    *drivertest.Page
	tracker *browser.DownloadTracker

	inNotebook bool
	dialog     string // add | paste | website | material | share
	langMenu   bool
	language   string
	pending    models.MaterialKind
	menuFor    *studioItem
	loading    bool
	responseAt time.Time
	prompt     string
	responses  int
	sources    []string
	items      []*studioItem
	genTime    time.Duration

	// 故障注入
	pasteBroken bool
	chatBroken  bool
	// signedOut 每次导航都被重定向到 Google 登录页
	signedOut   bool

	create     *drivertest.Element
	titleInput *drivertest.Element
	titleText  *drivertest.Element
	count      *drivertest.Element
	chatInput  *drivertest.Element
	textInput  *drivertest.Element
	selectAll  *drivertest.Element
	boxes      []*drivertest.Element
	buttons    map[models.MaterialKind]*drivertest.Element
}

func newFakeApp(e *env, page *drivertest.Page, tracker *browser.DownloadTracker) *fakeApp {
	a := &fakeApp{env: e, page: page, tracker: tracker, genTime: 2 * time.Minute, buttons: map[models.MaterialKind]*drivertest.Element{}}
	page.SetTitle("NotebookLM")
	page.OnNavigate = func(u string) {
		a.inNotebook = IsNotebookURL(u) && !a.signedOut
		a.dialog = ""
		if a.signedOut {
			page.SetURL(signInURL)
		}
	}
	page.OnKey = func(k driver.Key) {
		if k == driver.KeyEscape {
			a.dialog = ""
			a.langMenu = false
			a.menuFor = nil
		}
	}
	e.clock.OnAdvance(a.tick)

	inNotebook := func() bool { return a.inNotebook }
	idle := func() bool { return a.inNotebook && a.dialog == "" }
	dialog := func(names ...string) func() bool {
		return func() bool {
			for _, n := range names {
				if a.dialog == n {
					return true
				}
			}
			return false
		}
	}

	a.create = a.el("create", func() bool { return !a.inNotebook && !a.signedOut })
	a.create.OnClick = func() {
		a.inNotebook = true
		page.SetURL(notebookURL)
	}
	a.add(locator.TargetCreateNotebook, nil, a.create)
	a.add(locator.TargetNotebookView, nil, a.el("notebook view", inNotebook))
	a.titleInput = a.el("title input", inNotebook)
	a.add(locator.TargetNotebookTitleInput, nil, a.titleInput)
	a.titleText = a.el("title", inNotebook).WithText(untitledNotebook)
	a.add(locator.TargetNotebookTitle, nil, a.titleText)

	// 来源
	addBtn := a.el("add source", idle)
	addBtn.OnClick = func() { a.dialog = "add" }
	a.add(locator.TargetAddSourceButton, nil, addBtn)
	a.add(locator.TargetOverlay, nil, a.el("backdrop", func() bool { return a.dialog != "" }))
	paste := a.el("paste text", func() bool { return a.dialog == "add" && !a.pasteBroken })
	paste.OnClick = func() { a.dialog = "paste" }
	a.add(locator.TargetPasteTextOption, nil, paste)
	website := a.el("website", dialog("add"))
	website.OnClick = func() { a.dialog = "website" }
	a.add(locator.TargetWebsiteOption, nil, website)
	a.textInput = a.el("pasted text", dialog("paste"))
	a.add(locator.TargetSourceTextInput, nil, a.textInput)
	urlInput := a.el("website url", dialog("website"))
	a.add(locator.TargetSourceURLInput, nil, urlInput)
	submit := a.el("insert", dialog("paste", "website"))
	submit.OnClick = func() {
		name := "Pasted text"
		if a.dialog == "website" {
			name, _ = urlInput.Value(context.Background())
		}
		a.dialog = ""
		a.addSource(name)
	}
	a.add(locator.TargetSourceSubmitButton, nil, submit)
	a.count = a.el("sources count", inNotebook)
	a.add(locator.TargetSourceCount, nil, a.count)
	a.selectAll = a.el("select all", inNotebook).AsCheckbox(true).WithAttr("aria-label", "Select all sources")
	a.selectAll.OnClick = func() {
		on, _ := a.selectAll.Checked(context.Background())
		for _, box := range a.boxes {
			if checked, _ := box.Checked(context.Background()); checked != on {
				_ = box.ScriptClick(context.Background())
			}
		}
	}
	a.add(locator.TargetSelectAllSources, nil, a.selectAll)

	// Studio
	for _, kind := range models.AllMaterialKinds {
		id, _ := locator.MaterialButton(kind)
		btn := a.el(string(kind)+" button", idle)
		btn.OnClick = func() {
			if kind.OpensDialog() {
				a.dialog = "material"
				a.pending = kind
				return
			}
			a.startItem(kind)
		}
		a.buttons[kind] = btn
		a.add(id, nil, btn)
	}
	dropdown := a.el("language dropdown", dialog("material"))
	dropdown.OnClick = func() { a.langMenu = true }
	a.add(locator.TargetLanguageDropdown, nil, dropdown)
	english := a.el("English", func() bool { return a.dialog == "material" && a.langMenu })
	english.OnClick = func() {
		a.langMenu = false
		a.language = "English"
	}
	a.add(locator.TargetLanguageOption, locator.Vars{"language": "english"}, english)
	generate := a.el("generate", dialog("material"))
	generate.OnClick = func() {
		a.dialog = ""
		a.startItem(a.pending)
	}
	a.add(locator.TargetDialogCreateButton, nil, generate)
	closeBtn := a.el("close", dialog("material", "share"))
	closeBtn.OnClick = func() { a.dialog = "" }
	a.add(locator.TargetDialogClose, nil, closeBtn)
	a.add(locator.TargetShareDialog, nil, a.el("share dialog", dialog("share")))
	a.add(locator.TargetGenerating, nil, a.el("generating", func() bool {
		for _, it := range a.items {
			if it.generating {
				return true
			}
		}
		return false
	}))
	download := a.el("download", func() bool { return a.menuFor != nil })
	download.OnClick = func() {
		it := a.menuFor
		a.menuFor = nil
		a.download(it)
	}
	a.add(locator.TargetMenuDownload, nil, download)

	// 对话
	a.chatInput = a.el("chat input", inNotebook)
	a.add(locator.TargetChatInput, nil, a.chatInput)
	send := a.el("send", inNotebook)
	send.OnClick = func() {
		if a.chatBroken {
			return
		}
		a.prompt, _ = a.chatInput.Value(context.Background())
		a.loading = true
		a.responseAt = e.clock.Now().Add(time.Second)
	}
	a.add(locator.TargetChatSend, nil, send)
	a.add(locator.TargetLoadingIndicator, nil, a.el("loading", func() bool { return a.loading }))

	a.refresh()
	return a
}

func (a *fakeApp) el(name string, visible func() bool) *drivertest.Element {
	el := drivertest.NewElement(name)
	el.Visible = visible
	return el
}

// add 把元素注册在目标的第一个定位策略下
func (a *fakeApp) add(id locator.TargetID, vars locator.Vars, el *drivertest.Element) {
	a.env.t.Helper()
	target, err := a.env.reg.Target(id, "en")
	require.NoError(a.env.t, err)
	bound, err := target.Bind(vars)
	require.NoError(a.env.t, err)
	a.page.Add(bound.Strategies[0], el)
}

func (a *fakeApp) refresh() {
	a.count.SetText(fmt.Sprintf("Sources (%d)", len(a.sources)))
}

func (a *fakeApp) addSource(name string) {
	box := a.el("source "+name, func() bool { return a.inNotebook }).AsCheckbox(true).WithAttr("aria-label", name)
	a.boxes = append(a.boxes, box)
	a.sources = append(a.sources, name)
	a.add(locator.TargetSourceCheckbox, nil, box)
	a.add(locator.TargetSourceNamed, locator.Vars{"name": name}, box)
	a.refresh()
}

var itemTitles = map[models.MaterialKind]string{
	models.MaterialAudio:       "Audio Overview: Digital Comms",
	models.MaterialVideo:       "Video Overview: Digital Comms",
	models.MaterialMindmap:     "Mind Map: Digital Comms",
	models.MaterialQuiz:        "Quiz: Digital Comms",
	models.MaterialFlashcards:  "Flashcards: Digital Comms",
	models.MaterialInfographic: "Infographic: Digital Comms",
}

func (a *fakeApp) startItem(kind models.MaterialKind) *studioItem {
	title := itemTitles[kind]
	for _, it := range a.items {
		if it.title == title {
			title = fmt.Sprintf("%s #%d", itemTitles[kind], len(a.items)+1)
		}
	}
	it := &studioItem{title: title, kind: kind, generating: true, readyAt: a.env.clock.Now().Add(a.genTime)}
	it.el = a.el(title, func() bool { return a.inNotebook }).WithAttr("aria-label", title)
	it.el.SetText(title + "\nGenerating… come back in a few minutes")
	a.items = append(a.items, it)
	a.add(locator.TargetStudioItem, nil, it.el)
	a.add(locator.TargetStudioItemNamed, locator.Vars{"name": title}, it.el)

	more := a.el("more "+title, func() bool { return a.inNotebook && a.dialog == "" })
	more.OnClick = func() {
		if !it.kind.Downloadable() {
			a.dialog = "share"
			return
		}
		if !it.generating {
			a.menuFor = it
		}
	}
	a.add(locator.TargetStudioItemMore, locator.Vars{"name": title}, more)
	return it
}

// tick 假时钟推进时完成生成和对话回复
func (a *fakeApp) tick(now time.Time) {
	for _, it := range a.items {
		if it.generating && !now.Before(it.readyAt) {
			it.generating = false
			it.el.SetText(it.title + "\nBased on " + fmt.Sprint(len(a.sources)) + " source(s)")
		}
	}
	if a.loading && !now.Before(a.responseAt) {
		a.loading = false
		a.responses++
		text := fmt.Sprintf("Answer %d to: %s", a.responses, a.prompt)
		el := drivertest.NewElement(fmt.Sprintf("response %d", a.responses)).
			WithText(text).
			WithHTML(fmt.Sprintf("<div><p><strong>Answer %d</strong> to: %s</p></div>", a.responses, a.prompt))
		el.Visible = func() bool { return a.inNotebook }
		a.add(locator.TargetChatResponse, nil, el)
	}
}

// download 写一个带 ID3 头的文件，并像浏览器事件一样通知下载跟踪器
func (a *fakeApp) download(it *studioItem) {
	name := "NotebookLM_" + string(it.kind) + ".bin"
	data := append([]byte("ID3\x03\x00\x00\x00\x00\x00\x0a"), make([]byte, 256)...)
	if err := os.WriteFile(filepath.Join(a.tracker.Dir(), name), data, 0o644); err != nil {
		a.env.t.Errorf("write download: %v", err)
		return
	}
	guid := fmt.Sprintf("guid-%d", a.tracker.Mark()+1)
	a.tracker.Begin(guid, name)
	a.tracker.Complete(guid)
}

// readyItem 直接放入一个已生成完成的材料
func (a *fakeApp) readyItem(kind models.MaterialKind) *studioItem {
	it := a.startItem(kind)
	it.readyAt = a.env.clock.Now()
	a.tick(it.readyAt)
	return it
}

// signIn 模拟操作者登录后回到 u
func (a *fakeApp) signIn(u string) {
	a.signedOut = false
	a.inNotebook = IsNotebookURL(u)
	a.page.SetURL(u)
}

// openNotebook 让页面直接处于笔记本里，带若干来源
func (a *fakeApp) openNotebook(title string, sources ...string) {
	a.inNotebook = true
	a.page.SetURL(notebookURL)
	a.titleText.SetText(title)
	for _, s := range sources {
		a.addSource(s)
	}
}
