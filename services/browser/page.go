package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/notebookwing/notebookwing/driver"
	"github.com/pkg/errors"
)

// rodPage 基于 rod 的 driver.Page 实现
type rodPage struct {
	page       *rod.Page
	navTimeout time.Duration
}

// NewRodPage 包装 rod 页面
func NewRodPage(page *rod.Page, navTimeout time.Duration) driver.Page {
	if navTimeout <= 0 {
		navTimeout = 60 * time.Second
	}
	return &rodPage{page: page, navTimeout: navTimeout}
}

// wrapErr 把 CDP 错误归类为 driver 的哨兵错误
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case driver.IsSessionError(err):
		return errors.Wrap(driver.ErrSessionClosed, msg)
	case strings.Contains(msg, "is not a valid selector"),
		strings.Contains(msg, "is not a valid XPath"),
		strings.Contains(msg, "SyntaxError"):
		return errors.Wrap(driver.ErrInvalidLocator, msg)
	case strings.Contains(msg, "Could not find node"),
		strings.Contains(msg, "Node is detached"),
		strings.Contains(msg, "does not belong to the document"),
		strings.Contains(msg, "Cannot find context with specified id"):
		return errors.Wrap(driver.ErrDetached, msg)
	}
	return err
}

const interactableJS = `() => {
	if (this.disabled || this.getAttribute('aria-disabled') === 'true') return false;
	const s = window.getComputedStyle(this);
	if (s.pointerEvents === 'none' || s.visibility === 'hidden' || s.display === 'none') return false;
	const r = this.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
}`

func (p *rodPage) Query(ctx context.Context, loc driver.Locator) ([]driver.Element, error) {
	if strings.TrimSpace(loc.Expr) == "" {
		return nil, driver.ErrInvalidLocator
	}
	page := p.page.Context(ctx)
	var (
		els rod.Elements
		err error
	)
	if loc.Method == driver.MethodCSS {
		els, err = page.Elements(loc.Expr)
	} else {
		els, err = page.ElementsX(loc.XPath())
	}
	if err != nil {
		return nil, wrapErr(err)
	}

	out := make([]driver.Element, 0, len(els))
	for i, el := range els {
		visible, err := el.Visible()
		if err != nil {
			if driver.IsSessionError(err) {
				return nil, wrapErr(err)
			}
			continue
		}
		if !visible {
			continue
		}
		res, err := el.Eval(interactableJS)
		if err != nil || !res.Value.Bool() {
			continue
		}
		out = append(out, &rodElement{el: el, desc: fmt.Sprintf("%s[%d]", loc, i)})
	}
	return out, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx).Timeout(p.navTimeout)
	if err := page.Navigate(url); err != nil {
		return wrapErr(err)
	}
	// 单页应用可能一直有请求，load 超时不视为失败
	_ = page.WaitLoad()
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", wrapErr(err)
	}
	return info.URL, nil
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", wrapErr(err)
	}
	return info.Title, nil
}

func (p *rodPage) evalString(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", wrapErr(err)
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Language(ctx context.Context) (string, error) {
	return p.evalString(ctx, `() => document.documentElement.lang || navigator.language || ''`)
}

func (p *rodPage) BodyText(ctx context.Context) (string, error) {
	return p.evalString(ctx, `() => document.body ? document.body.innerText : ''`)
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	return html, wrapErr(err)
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	return data, wrapErr(err)
}

func (p *rodPage) PressKey(ctx context.Context, key driver.Key) error {
	page := p.page.Context(ctx)
	var err error
	switch key {
	case driver.KeyEscape:
		err = page.Keyboard.Type(input.Escape)
	case driver.KeyEnter:
		err = page.Keyboard.Type(input.Enter)
	case driver.KeyTab:
		err = page.Keyboard.Type(input.Tab)
	case driver.KeyCtrlEnter:
		err = page.KeyActions().Press(input.ControlLeft).Type(input.Enter).Do()
	default:
		return fmt.Errorf("unsupported key %q", key)
	}
	return wrapErr(err)
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

// rodElement 基于 rod 的 driver.Element 实现
type rodElement struct {
	el   *rod.Element
	desc string
}

func (e *rodElement) Describe() string {
	return e.desc
}

func (e *rodElement) ScrollIntoCenter(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => this.scrollIntoView({block: 'center', inline: 'center', behavior: 'instant'})`)
	return wrapErr(err)
}

// ScriptClick 派发完整的鼠标事件序列，再调用原生 click()
func (e *rodElement) ScriptClick(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => {
		try { this.focus(); } catch (e) {}
		['pointerdown', 'mousedown', 'pointerup', 'mouseup'].forEach(type => {
			const Ctor = type.startsWith('pointer') && window.PointerEvent ? PointerEvent : MouseEvent;
			this.dispatchEvent(new Ctor(type, {bubbles: true, cancelable: true, view: window}));
		});
		this.click();
	}`)
	return wrapErr(err)
}

func (e *rodElement) NativeClick(ctx context.Context) error {
	return wrapErr(e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (e *rodElement) Focus(ctx context.Context) error {
	return wrapErr(e.el.Context(ctx).Focus())
}

func (e *rodElement) Clear(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => {
		if ('value' in this) {
			this.value = '';
		} else if (this.isContentEditable) {
			this.textContent = '';
		}
		this.dispatchEvent(new Event('input', {bubbles: true}));
	}`)
	return wrapErr(err)
}

func (e *rodElement) InsertText(ctx context.Context, text string) error {
	return wrapErr(e.el.Context(ctx).Input(text))
}

func (e *rodElement) ScrollBy(ctx context.Context, dy int) error {
	_, err := e.el.Context(ctx).Eval(`(dy) => { this.scrollTop += dy; }`, dy)
	return wrapErr(err)
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	text, err := e.el.Context(ctx).Text()
	return text, wrapErr(err)
}

func (e *rodElement) HTML(ctx context.Context) (string, error) {
	html, err := e.el.Context(ctx).HTML()
	return html, wrapErr(err)
}

func (e *rodElement) Value(ctx context.Context) (string, error) {
	v, err := e.el.Context(ctx).Property("value")
	if err != nil {
		return "", wrapErr(err)
	}
	if v.Nil() {
		return e.Text(ctx)
	}
	return v.Str(), nil
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, wrapErr(err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *rodElement) Checked(ctx context.Context) (bool, error) {
	el := e.el.Context(ctx)
	if aria, err := el.Attribute("aria-checked"); err == nil && aria != nil {
		return *aria == "true", nil
	}
	v, err := el.Property("checked")
	if err != nil {
		return false, wrapErr(err)
	}
	return v.Bool(), nil
}
