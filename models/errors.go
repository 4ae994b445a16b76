package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind 自动化失败的分类，会出现在每个工作流结果里
type ErrorKind string

const (
	KindSessionDead                ErrorKind = "SessionDead"
	KindElementNotFound            ErrorKind = "ElementNotFound"
	KindInteractionBlocked         ErrorKind = "InteractionBlocked"
	KindPostconditionTimeout       ErrorKind = "PostconditionTimeout"
	KindManualFallbackTimedOut     ErrorKind = "ManualFallbackTimedOut"
	KindUpstreamServiceUnavailable ErrorKind = "UpstreamServiceUnavailable"
	KindDownloadUnsupported        ErrorKind = "DownloadUnsupported"
	KindAborted                    ErrorKind = "Aborted"
	KindInvalidInput               ErrorKind = "InvalidInput"
	// KindSignInRequired 浏览器配置未登录 Google，只能由操作者处理
	KindSignInRequired             ErrorKind = "SignInRequired"
)

// Retryable 只有元素/交互/后置条件三类错误在步骤内部重试
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindElementNotFound, KindInteractionBlocked, KindPostconditionTimeout:
		return true
	}
	return false
}

// Error 携带分类、失败状态和目标的错误
type Error struct {
	Kind   ErrorKind
	State  string // 失败时工作流所处的状态
	Target string // 相关的 LogicalTarget
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.State != "" {
		fmt.Fprintf(&b, " in state %s", e.State)
	}
	if e.Target != "" {
		fmt.Fprintf(&b, " (target %s)", e.Target)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Kind 比较，errors.Is(err, models.ErrElementNotFound) 可用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.State == "" || t.State == e.State) && (t.Target == "" || t.Target == e.Target)
}

var (
	ErrSessionDead                = &Error{Kind: KindSessionDead}
	ErrElementNotFound            = &Error{Kind: KindElementNotFound}
	ErrInteractionBlocked         = &Error{Kind: KindInteractionBlocked}
	ErrPostconditionTimeout       = &Error{Kind: KindPostconditionTimeout}
	ErrManualFallbackTimedOut     = &Error{Kind: KindManualFallbackTimedOut}
	ErrUpstreamServiceUnavailable = &Error{Kind: KindUpstreamServiceUnavailable}
	ErrDownloadUnsupported        = &Error{Kind: KindDownloadUnsupported}
	ErrAborted                    = &Error{Kind: KindAborted}
	ErrInvalidInput               = &Error{Kind: KindInvalidInput}
	ErrSignInRequired             = &Error{Kind: KindSignInRequired}
)

// NewError 构造一个带分类的错误
func NewError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf 取出错误链上的分类，没有分类时返回空
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError 把任意错误转成 *Error，未分类的归为 fallback
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Err: err}
}
