package upstream

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

// Generator 文本生成服务
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Gemini 通过 genai 调用 Gemini 模型
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	jsonOutput  bool
}

// NewGemini apiKey 为空时返回 InvalidInput
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, models.NewError(models.KindInvalidInput, "Gemini API key is not configured", nil)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, models.NewError(models.KindUpstreamServiceUnavailable, "create Gemini client", err)
	}
	return &Gemini{client: client, model: model, temperature: 0.3, jsonOutput: true}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.temperature),
		MaxOutputTokens: 8000,
	}
	if g.jsonOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", errors.Wrapf(err, "generate with %s", g.model)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.Errorf("%s returned an empty response", g.model)
	}
	return text, nil
}

// RetryOptions 限流重试参数
type RetryOptions struct {
	MaxRetries  int
	Backoff     time.Duration // 没有提示时的等待时间
	HintPadding time.Duration // 加在服务端提示的等待时间上
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 60 * time.Second
	}
	if o.HintPadding < 0 {
		o.HintPadding = 0
	}
	return o
}

var retryHint = regexp.MustCompile(`(?i)retry (?:in|after) (\d+(?:\.\d+)?)\s*s`)

// IsRateLimited 429、配额或限流类错误
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "resource_exhausted", "quota", "rate limit", "ratelimit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryHint 错误信息里 "retry in 17s" 形式的等待提示
func RetryHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryHint.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// hintBackOff 按上一次错误给出的提示等待，没有提示时用固定间隔
type hintBackOff struct {
	opts RetryOptions
	last error
}

func (b *hintBackOff) NextBackOff() time.Duration {
	if d, ok := RetryHint(b.last); ok {
		return d + b.opts.HintPadding
	}
	return b.opts.Backoff
}

func (b *hintBackOff) Reset() { b.last = nil }

// GenerateWithRetry 只对限流错误重试，其余错误直接返回
func GenerateWithRetry(ctx context.Context, gen Generator, prompt string, opts RetryOptions) (string, error) {
	opts = opts.withDefaults()
	b := &hintBackOff{opts: opts}
	attempt := 0

	text, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		text, err := gen.Generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil || !IsRateLimited(err) {
			return "", backoff.Permanent(err)
		}
		b.last = err
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(opts.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn(ctx, "Rate limited (attempt %d/%d), waiting %s: %v", attempt, opts.MaxRetries, wait, err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", models.NewError(models.KindAborted, "generation cancelled", ctx.Err())
		}
		detail := "generation failed"
		if IsRateLimited(err) {
			detail = "rate limit exceeded after " + strconv.Itoa(attempt) + " attempts"
		}
		return "", models.NewError(models.KindUpstreamServiceUnavailable, detail, err)
	}
	return text, nil
}
