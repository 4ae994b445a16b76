package workflow

import (
	"time"

	"github.com/notebookwing/notebookwing/config"
)

// Settings 工作流运行和构建所用的时限与开关
type Settings struct {
	BaseURL        string
	OutputLanguage string

	ResolveTimeout  time.Duration
	PollInterval    time.Duration
	StepTimeout     time.Duration
	WorkflowTimeout time.Duration
	Navigation      time.Duration
	SourceIngest    time.Duration
	ChatResponse    time.Duration
	Generation      time.Duration
	GenerationPoll  time.Duration
	Download        time.Duration
	ManualWait      time.Duration

	Attempts        int
	FallbackEnabled bool
}

// DefaultSettings 与默认配置一致
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default())
}

// SettingsFromConfig 从配置中取出工作流参数
func SettingsFromConfig(cfg *config.Config) Settings {
	t := cfg.Timeouts
	return Settings{
		BaseURL:         cfg.NotebookLM.BaseURL,
		OutputLanguage:  cfg.NotebookLM.OutputLanguage,
		ResolveTimeout:  t.Resolve.Duration,
		PollInterval:    t.PollInterval.Duration,
		StepTimeout:     t.Step.Duration,
		WorkflowTimeout: t.Workflow.Duration,
		Navigation:      t.Navigation.Duration,
		SourceIngest:    t.SourceIngest.Duration,
		ChatResponse:    t.ChatResponse.Duration,
		Generation:      t.Generation.Duration,
		GenerationPoll:  t.GenerationPoll.Duration,
		Download:        t.Download.Duration,
		ManualWait:      t.ManualWait.Duration,
		Attempts:        cfg.Retry.StepAttempts,
		FallbackEnabled: cfg.Fallback.Enabled,
	}
}

func (s Settings) withDefaults() Settings {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&s.ResolveTimeout, 30*time.Second)
	def(&s.PollInterval, 250*time.Millisecond)
	def(&s.StepTimeout, 30*time.Second)
	def(&s.WorkflowTimeout, 10*time.Minute)
	def(&s.Navigation, time.Minute)
	def(&s.SourceIngest, 90*time.Second)
	def(&s.ChatResponse, 3*time.Minute)
	def(&s.Generation, 15*time.Minute)
	def(&s.GenerationPoll, 15*time.Second)
	def(&s.Download, 2*time.Minute)
	def(&s.ManualWait, 2*time.Minute)
	if s.Attempts <= 0 {
		s.Attempts = 3
	}
	if s.BaseURL == "" {
		s.BaseURL = "https://notebooklm.google.com/"
	}
	return s
}
