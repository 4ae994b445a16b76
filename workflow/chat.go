package workflow

import (
	"context"
	"strings"

	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
)

// chat 的状态
const (
	StateChatReady     = "ChatReady"
	StateMessageTyped  = "MessageTyped"
	StateMessageSent   = "MessageSent"
	StateResponseReady = "ResponseReady"
)

// chatRound 一次对话往返的状态，每次构造工作流都是新的，不会读到上一轮的回复
type chatRound struct {
	prompt string
	before int
	last   string
	stable int
	result *models.ChatResult
}

// responseSettled 新回复出现、加载指示消失，并且连续两次读到相同的文本
func (c *chatRound) responseSettled(ctx context.Context, s *Scope) (bool, error) {
	n, err := s.ChatResponses(ctx)
	if err != nil || n <= c.before {
		return false, err
	}
	loading, err := s.Visible(ctx, locator.TargetLoadingIndicator, nil)
	if err != nil || loading {
		c.stable = 0
		return false, err
	}
	_, text, err := s.LastResponse(ctx)
	if err != nil || text == "" {
		return false, err
	}
	if text != c.last {
		c.last = text
		c.stable = 0
		return false, nil
	}
	c.stable++
	return c.stable >= 1, nil
}

// Chat 发送一条消息并读取完整回复
func (b *Builder) Chat(prompt string) *Workflow {
	c := &chatRound{prompt: strings.TrimSpace(prompt)}
	return &Workflow{
		Name:     "chat",
		Timeout:  b.settings.ChatResponse + b.settings.WorkflowTimeout,
		Validate: c.validate,
		Steps:    c.steps(b),
		Result:   func() any { return c.result },
	}
}

// ChatPreset 固定提示词的对话，例如 flashcards、quiz
func (b *Builder) ChatPreset(preset, prompt string) *Workflow {
	wf := b.Chat(prompt)
	wf.Name = "chat-" + preset
	return wf
}

func (c *chatRound) validate() error {
	if c.prompt == "" {
		return models.NewError(models.KindInvalidInput, "chat message is empty", nil)
	}
	return nil
}

func (c *chatRound) steps(b *Builder) []*Step {
	return []*Step{
		{
			Name:   "chat-ready",
			To:     StateChatReady,
			Target: string(locator.TargetChatInput),
			Act: func(ctx context.Context, s *Scope) error {
				n, err := s.ChatResponses(ctx)
				if err != nil {
					return err
				}
				c.before = n
				return nil
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				return s.Visible(ctx, locator.TargetChatInput, nil)
			},
		},
		{
			Name:   "type-message",
			To:     StateMessageTyped,
			Target: string(locator.TargetChatInput),
			Act: func(ctx context.Context, s *Scope) error {
				return s.Type(ctx, locator.TargetChatInput, nil, c.prompt)
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				v, err := s.Value(ctx, locator.TargetChatInput, nil)
				return strings.TrimSpace(v) == c.prompt, err
			},
		},
		{
			Name:   "send",
			To:     StateMessageSent,
			Target: string(locator.TargetChatSend),
			Act: func(ctx context.Context, s *Scope) error {
				return s.Click(ctx, locator.TargetChatSend, nil)
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				n, err := s.ChatResponses(ctx)
				if err != nil {
					return false, err
				}
				if n > c.before {
					return true, nil
				}
				return s.Visible(ctx, locator.TargetLoadingIndicator, nil)
			},
		},
		{
			Name:     "await-response",
			To:       StateResponseReady,
			Target:   string(locator.TargetChatResponse),
			Timeout:  b.settings.ChatResponse,
			Attempts: 1,
			Post:     c.responseSettled,
		},
		{
			Name:   "read-response",
			To:     StateConfirmed,
			Target: string(locator.TargetChatResponse),
			Act: func(ctx context.Context, s *Scope) error {
				markdown, text, err := s.LastResponse(ctx)
				if err != nil {
					return err
				}
				n, err := s.ChatResponses(ctx)
				if err != nil {
					return err
				}
				c.result = &models.ChatResult{Prompt: c.prompt, Markdown: markdown, Text: text, Index: n}
				return nil
			},
			Post: func(ctx context.Context, s *Scope) (bool, error) {
				return c.result != nil && c.result.Text != "", nil
			},
		},
	}
}
