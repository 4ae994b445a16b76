// Package workflow 把 NotebookLM 上的多步操作建模为状态机：
// 每一步先解析目标、执行交互，再轮询后置条件证明状态已推进。
package workflow

import (
	"context"
	"time"
)

// 所有工作流共有的起止状态
const (
	StateIdle      = "Idle"
	StateConfirmed = "Confirmed"
	StateFailed    = "Failed"
)

// Condition 可观察的页面条件，只做一次性探测，不在内部等待
type Condition func(ctx context.Context, s *Scope) (bool, error)

// Action 一次交互，每次尝试都会重新解析元素
type Action func(ctx context.Context, s *Scope) error

// Fallback 自动重试耗尽后交给操作者完成的步骤
type Fallback struct {
	Prompt  string
	Payload string    // 复制到剪贴板的内容
	Post    Condition // 为空时使用步骤自身的后置条件
	// Resume 人工完成后工作流所处的状态，为空时为步骤的 To
	Resume  string
	MaxWait time.Duration
}

// Step 从一个状态到 To 的转移
type Step struct {
	Name     string
	To       string
	Target   string // 与该状态相关的逻辑目标，写入错误和快照
	Pre      Condition
	Act      Action
	Post     Condition
	Timeout  time.Duration // 单次尝试的上限，不会超过工作流剩余时间
	Poll     time.Duration // 后置条件的轮询间隔
	Attempts int
	// Optional 重试耗尽时跳过而不是失败
	Optional bool
	// KeepDialogs 尝试前不关闭弹层，用于在对话框内部推进的步骤
	KeepDialogs bool
	Fallback    *Fallback
}

// Workflow 一个命名的多步任务
type Workflow struct {
	Name    string
	Timeout time.Duration
	Steps   []*Step
	// Validate 在占用会话前检查输入，失败时不做任何交互
	Validate func() error
	// Result 成功后作为结果的 Data
	Result func() any
}

// Transition 轨迹中的一次状态转移
type Transition struct {
	Step     string        `json:"step"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Attempts int           `json:"attempts"`
	Manual   bool          `json:"manual,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}
