// Package drivertest 提供内存中的 driver.Page 实现，供各包的测试脚本化页面行为。
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/notebookwing/notebookwing/driver"
)

// Element 假元素，点击、输入都会被记录
type Element struct {
	mu sync.Mutex

	name     string
	text     string
	html     string
	value    string
	attrs    map[string]string
	checkbox bool
	checked  bool
	hidden   bool
	detached bool

	// Visible 可选的动态可见性
	Visible func() bool
	// OnClick 点击成功后调用，用来推进页面状态
	OnClick func()

	ScriptClickErr error
	NativeClickErr error
	InsertErr      error
	// ReadErr 读取文本和属性时返回
	ReadErr        error

	scriptClicks int
	nativeClicks int
	scrolls      int
	inserts      []string
}

// NewElement 创建名为 name 的元素
func NewElement(name string) *Element {
	return &Element{name: name, attrs: map[string]string{}}
}

func (e *Element) WithText(text string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
	return e
}

func (e *Element) WithHTML(html string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.html = html
	return e
}

func (e *Element) WithAttr(name, value string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attrs[name] = value
	return e
}

// AsCheckbox 点击时切换 checked
func (e *Element) AsCheckbox(checked bool) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkbox = true
	e.checked = checked
	return e
}

func (e *Element) SetText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
}

func (e *Element) SetHidden(hidden bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hidden = hidden
}

// Detach 模拟节点被移除，之后的操作都返回 driver.ErrDetached
func (e *Element) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detached = true
}

func (e *Element) ScriptClicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scriptClicks
}

func (e *Element) NativeClicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nativeClicks
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scriptClicks + e.nativeClicks
}

func (e *Element) Scrolls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scrolls
}

// Inserts 每次 InsertText 的分块
func (e *Element) Inserts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inserts...)
}

func (e *Element) isShown() bool {
	e.mu.Lock()
	hidden, detached, visible := e.hidden, e.detached, e.Visible
	e.mu.Unlock()
	if hidden || detached {
		return false
	}
	return visible == nil || visible()
}

func (e *Element) alive() error {
	if e.detached {
		return fmt.Errorf("%s: %w", e.name, driver.ErrDetached)
	}
	return nil
}

func (e *Element) Describe() string { return e.name }

func (e *Element) ScrollIntoCenter(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scrolls++
	return e.alive()
}

func (e *Element) click(native bool) error {
	e.mu.Lock()
	if err := e.alive(); err != nil {
		e.mu.Unlock()
		return err
	}
	clickErr := e.ScriptClickErr
	if native {
		clickErr = e.NativeClickErr
		e.nativeClicks++
	} else {
		e.scriptClicks++
	}
	if clickErr != nil {
		e.mu.Unlock()
		return clickErr
	}
	if e.checkbox {
		e.checked = !e.checked
	}
	onClick := e.OnClick
	e.mu.Unlock()

	if onClick != nil {
		onClick()
	}
	return nil
}

func (e *Element) ScriptClick(ctx context.Context) error { return e.click(false) }

func (e *Element) NativeClick(ctx context.Context) error { return e.click(true) }

func (e *Element) Focus(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive()
}

func (e *Element) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.alive(); err != nil {
		return err
	}
	e.value = ""
	return nil
}

func (e *Element) InsertText(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.alive(); err != nil {
		return err
	}
	if e.InsertErr != nil {
		return e.InsertErr
	}
	e.value += text
	e.inserts = append(e.inserts, text)
	return nil
}

func (e *Element) ScrollBy(ctx context.Context, dy int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scrolls++
	return e.alive()
}

func (e *Element) Text(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ReadErr != nil {
		return "", e.ReadErr
	}
	return e.text, e.alive()
}

func (e *Element) HTML(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.html == "" {
		return "<div>" + e.text + "</div>", e.alive()
	}
	return e.html, e.alive()
}

func (e *Element) Value(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.alive()
}

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ReadErr != nil {
		return "", false, e.ReadErr
	}
	v, ok := e.attrs[name]
	return v, ok, e.alive()
}

func (e *Element) Checked(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checked, e.alive()
}

// Page 假页面：元素按 Locator 精确注册
type Page struct {
	mu sync.Mutex

	url      string
	title    string
	lang     string
	body     string
	html     string
	shot     []byte
	dead     bool
	elements map[driver.Locator][]*Element

	// OnNavigate 导航后调用，用来装配新页面的元素
	OnNavigate func(url string)
	// OnKey 按键后调用
	OnKey func(key driver.Key)

	ScreenshotErr error
	HTMLErr       error
	NavigateErr   error

	keys        []driver.Key
	navigations []string
	queries     []driver.Locator
}

// NewPage 创建空白页面
func NewPage() *Page {
	return &Page{
		url:      "about:blank",
		lang:     "en",
		html:     "<html><body></body></html>",
		shot:     []byte{0x89, 'P', 'N', 'G'},
		elements: map[driver.Locator][]*Element{},
	}
}

// Add 在 loc 下注册元素，同一个元素可以注册在多个定位方式下
func (p *Page) Add(loc driver.Locator, els ...*Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[loc] = append(p.elements[loc], els...)
	return p
}

// CSS 是 Add(css 定位) 的简写
func (p *Page) CSS(expr string, els ...*Element) *Page {
	return p.Add(driver.Locator{Method: driver.MethodCSS, Expr: expr}, els...)
}

// Remove 清空 loc 下的元素并把它们标记为 detached
func (p *Page) Remove(loc driver.Locator) {
	p.mu.Lock()
	els := p.elements[loc]
	delete(p.elements, loc)
	p.mu.Unlock()
	for _, el := range els {
		el.Detach()
	}
}

// Reset 清空所有元素
func (p *Page) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = map[driver.Locator][]*Element{}
}

func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

func (p *Page) SetTitle(t string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = t
}

func (p *Page) SetLanguage(lang string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lang = lang
}

func (p *Page) SetBody(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.body = text
}

func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
}

// Kill 模拟浏览器崩溃，之后所有调用返回 driver.ErrSessionClosed
func (p *Page) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = true
}

func (p *Page) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

func (p *Page) Keys() []driver.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]driver.Key(nil), p.keys...)
}

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Queries 所有 Query 调用的定位方式，按调用顺序
func (p *Page) Queries() []driver.Locator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]driver.Locator(nil), p.queries...)
}

func (p *Page) check() error {
	if p.dead {
		return fmt.Errorf("fake page: %w", driver.ErrSessionClosed)
	}
	return nil
}

func (p *Page) Query(ctx context.Context, loc driver.Locator) ([]driver.Element, error) {
	p.mu.Lock()
	p.queries = append(p.queries, loc)
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if strings.TrimSpace(loc.Expr) == "" {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", loc, driver.ErrInvalidLocator)
	}
	candidates := append([]*Element(nil), p.elements[loc]...)
	p.mu.Unlock()

	var out []driver.Element
	for _, el := range candidates {
		if el.isShown() {
			out = append(out, el)
		}
	}
	return out, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.NavigateErr != nil {
		p.mu.Unlock()
		return p.NavigateErr
	}
	p.url = url
	p.navigations = append(p.navigations, url)
	onNav := p.OnNavigate
	p.mu.Unlock()

	if onNav != nil {
		onNav(url)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, p.check()
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, p.check()
}

func (p *Page) Language(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lang, p.check()
}

func (p *Page) BodyText(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.body, p.check()
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return "", err
	}
	return p.html, p.HTMLErr
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return nil, err
	}
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	return append([]byte(nil), p.shot...), nil
}

func (p *Page) PressKey(ctx context.Context, key driver.Key) error {
	p.mu.Lock()
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.keys = append(p.keys, key)
	onKey := p.OnKey
	p.mu.Unlock()

	if onKey != nil {
		onKey(key)
	}
	return nil
}

func (p *Page) Close() error {
	p.Kill()
	return nil
}

var (
	_ driver.Page    = (*Page)(nil)
	_ driver.Element = (*Element)(nil)
)
