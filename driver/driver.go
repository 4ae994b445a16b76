// Package driver 定义自动化核心所依赖的页面抽象，rod 实现位于 services/browser，
// 测试使用 driver/drivertest。
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Method 定位方式
type Method string

const (
	MethodCSS         Method = "css"
	MethodXPath       Method = "xpath"
	MethodAriaLabel   Method = "aria_label"  // aria-label 包含表达式
	MethodText        Method = "text"        // 任意元素自身文本包含表达式
	MethodButtonText  Method = "button_text" // button / [role=button] / a 的文本包含表达式
	MethodRole        Method = "role"        // role 属性等于表达式
	MethodPlaceholder Method = "placeholder" // placeholder 包含表达式
)

// Valid 是否是已知的定位方式
func (m Method) Valid() bool {
	switch m {
	case MethodCSS, MethodXPath, MethodAriaLabel, MethodText, MethodButtonText, MethodRole, MethodPlaceholder:
		return true
	}
	return false
}

// Locator 一次具体的查找
type Locator struct {
	Method Method `toml:"method" json:"method"`
	Expr   string `toml:"expr" json:"expr"`
}

func (l Locator) String() string {
	return fmt.Sprintf("%s(%s)", l.Method, l.Expr)
}

// XPath 把非 css 的定位方式翻译成 XPath，css 返回空串
func (l Locator) XPath() string {
	switch l.Method {
	case MethodXPath:
		return l.Expr
	case MethodAriaLabel:
		return fmt.Sprintf("//*[contains(@aria-label, %s)]", XPathLiteral(l.Expr))
	case MethodText:
		return fmt.Sprintf("//*[not(self::script or self::style)][contains(normalize-space(text()), %s)]", XPathLiteral(l.Expr))
	case MethodButtonText:
		return fmt.Sprintf("//*[self::button or self::a or @role='button' or @role='tab' or @role='menuitem' or @role='option'][contains(normalize-space(.), %s)]", XPathLiteral(l.Expr))
	case MethodRole:
		return fmt.Sprintf("//*[@role=%s]", XPathLiteral(l.Expr))
	case MethodPlaceholder:
		return fmt.Sprintf("//*[contains(@placeholder, %s)]", XPathLiteral(l.Expr))
	}
	return ""
}

// XPathLiteral 生成 XPath 字符串字面量，同时含单双引号时用 concat()
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// Key 工作流用到的按键
type Key string

const (
	KeyEscape    Key = "Escape"
	KeyEnter     Key = "Enter"
	KeyCtrlEnter Key = "Ctrl+Enter"
	KeyTab       Key = "Tab"
)

var (
	// ErrSessionClosed 控制通道已断开（浏览器崩溃、目标关闭）
	ErrSessionClosed = errors.New("browser session closed")
	// ErrDetached 元素已从 DOM 移除
	ErrDetached = errors.New("element detached from document")
	// ErrInvalidLocator 表达式无法被浏览器解析
	ErrInvalidLocator = errors.New("invalid locator expression")
)

// IsSessionError 检查是否是 CDP session 错误
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Session with given id not found") ||
		strings.Contains(errStr, "Session closed") ||
		strings.Contains(errStr, "Target closed") ||
		strings.Contains(errStr, "websocket: close") ||
		strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "-32001")
}

// Element 一个已定位的 DOM 节点
type Element interface {
	// Describe 简短描述，用于日志
	Describe() string
	ScrollIntoCenter(ctx context.Context) error
	// ScriptClick 通过脚本派发点击，绕过遮挡检测
	ScriptClick(ctx context.Context) error
	// NativeClick 模拟真实鼠标点击
	NativeClick(ctx context.Context) error
	Focus(ctx context.Context) error
	Clear(ctx context.Context) error
	InsertText(ctx context.Context, text string) error
	ScrollBy(ctx context.Context, dy int) error
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Value(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	Checked(ctx context.Context) (bool, error)
}

// Page 自动化核心操作的页面
type Page interface {
	// Query 按定位方式立即查找一次，只返回可见且可交互的元素（文档顺序），没有匹配时返回空切片
	Query(ctx context.Context, loc Locator) ([]Element, error)
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Language 页面 <html lang> 属性
	Language(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PressKey(ctx context.Context, key Key) error
	Close() error
}
