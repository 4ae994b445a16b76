package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/pelletier/go-toml/v2"
)

// Duration 支持 "30s"、"2m" 形式的 TOML 时长
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func dur(d time.Duration) Duration { return Duration{d} }

type Config struct {
	Debug      bool                 `json:"debug" toml:"debug"`
	Server     *ServerConfig        `json:"server" toml:"server"`
	Database   *DatabaseConfig      `json:"database" toml:"database"`
	Browser    *BrowserConfig       `json:"browser" toml:"browser"`
	NotebookLM *NotebookLMConfig    `json:"notebooklm" toml:"notebooklm"`
	Timeouts   *TimeoutConfig       `json:"timeouts" toml:"timeouts"`
	Typing     *TypingConfig        `json:"typing" toml:"typing"`
	Retry      *RetryConfig         `json:"retry" toml:"retry"`
	Fallback   *FallbackConfig      `json:"fallback" toml:"fallback"`
	Snapshot   *SnapshotConfig      `json:"snapshot" toml:"snapshot"`
	Locator    *LocatorConfig       `json:"locator" toml:"locator"`
	Upstream   *UpstreamConfig      `json:"upstream" toml:"upstream"`
	Pipeline   *PipelineConfig      `json:"pipeline" toml:"pipeline"`
	Log        *logger.LoggerConfig `json:"log,omitempty" toml:"log,omitempty"`
}

type ServerConfig struct {
	Port string `json:"port" toml:"port"`
	Host string `json:"host" toml:"host"`
}

type DatabaseConfig struct {
	Path string `json:"path" toml:"path"`
}

type BrowserConfig struct {
	BinPath     string   `json:"bin_path" toml:"bin_path"`
	UserDataDir string   `json:"user_data_dir" toml:"user_data_dir"` // 持久化的浏览器 profile，保存登录状态
	ControlURL  string   `json:"control_url,omitempty" toml:"control_url,omitempty"`
	Headless    bool     `json:"headless" toml:"headless"`
	Stealth     *bool    `json:"stealth,omitempty" toml:"stealth,omitempty"`
	LaunchArgs  []string `json:"launch_args" toml:"launch_args"`
	DownloadDir string   `json:"download_dir" toml:"download_dir"`
}

// UseStealth 默认开启
func (b *BrowserConfig) UseStealth() bool {
	return b.Stealth == nil || *b.Stealth
}

type NotebookLMConfig struct {
	BaseURL string `json:"base_url" toml:"base_url"`
	// Language 固定界面语言（如 "de"），为空时从页面 <html lang> 检测
	Language string `json:"language,omitempty" toml:"language,omitempty"`
	// OutputLanguage 生成音频/视频/信息图时在下拉框中选择的语言
	OutputLanguage string `json:"output_language" toml:"output_language"`
}

type TimeoutConfig struct {
	Resolve        Duration `json:"resolve" toml:"resolve"`
	StrategyMin    Duration `json:"strategy_min" toml:"strategy_min"`
	PollInterval   Duration `json:"poll_interval" toml:"poll_interval"`
	Step           Duration `json:"step" toml:"step"`
	Workflow       Duration `json:"workflow" toml:"workflow"`
	Overlay        Duration `json:"overlay" toml:"overlay"`
	Navigation     Duration `json:"navigation" toml:"navigation"`
	SourceIngest   Duration `json:"source_ingest" toml:"source_ingest"`
	ChatResponse   Duration `json:"chat_response" toml:"chat_response"`
	Generation     Duration `json:"generation" toml:"generation"`
	Download       Duration `json:"download" toml:"download"`
	ManualWait     Duration `json:"manual_wait" toml:"manual_wait"`
	LivenessProbe  Duration `json:"liveness_probe" toml:"liveness_probe"`
	GenerationPoll Duration `json:"generation_poll" toml:"generation_poll"`
}

type TypingConfig struct {
	ChunkSize  int      `json:"chunk_size" toml:"chunk_size"`
	ChunkPause Duration `json:"chunk_pause" toml:"chunk_pause"`
}

type RetryConfig struct {
	StepAttempts int `json:"step_attempts" toml:"step_attempts"`
}

type FallbackConfig struct {
	Enabled      bool     `json:"enabled" toml:"enabled"`
	PollInterval Duration `json:"poll_interval" toml:"poll_interval"`
	MaxClipboard int      `json:"max_clipboard" toml:"max_clipboard"` // 复制到剪贴板的最大字符数
}

type SnapshotConfig struct {
	Dir string `json:"dir" toml:"dir"`
}

type LocatorConfig struct {
	// RegistryFile 覆盖内嵌目标注册表的 TOML 文件
	RegistryFile string `json:"registry_file,omitempty" toml:"registry_file,omitempty"`
}

type UpstreamConfig struct {
	GeminiAPIKey     string   `json:"gemini_api_key,omitempty" toml:"gemini_api_key,omitempty"`
	Model            string   `json:"model" toml:"model"`
	UseAI            bool     `json:"use_ai" toml:"use_ai"`
	MaxRetries       int      `json:"max_retries" toml:"max_retries"`
	RetryBackoff     Duration `json:"retry_backoff" toml:"retry_backoff"`
	RetryHintPadding Duration `json:"retry_hint_padding" toml:"retry_hint_padding"`
	MaxTopics        int      `json:"max_topics" toml:"max_topics"`
	HTTPTimeout      Duration `json:"http_timeout" toml:"http_timeout"`
}

type PipelineConfig struct {
	Materials        []string `json:"materials" toml:"materials"`
	ChatPresets      []string `json:"chat_presets" toml:"chat_presets"`
	ProgressInterval Duration `json:"progress_interval" toml:"progress_interval"`
	OutputDir        string   `json:"output_dir" toml:"output_dir"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	setString(&c.Server.Port, "8080")
	setString(&c.Server.Host, "127.0.0.1")

	if c.Database == nil {
		c.Database = &DatabaseConfig{}
	}
	setString(&c.Database.Path, "./data/notebookwing.db")

	if c.Browser == nil {
		c.Browser = &BrowserConfig{}
	}
	if c.Browser.BinPath == "" {
		c.Browser.BinPath = findChrome()
	}
	if c.Browser.UserDataDir == "" {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			c.Browser.UserDataDir = filepath.Join(home, ".notebookwing", "chrome-profile")
		} else {
			c.Browser.UserDataDir = "./chrome_user_data"
		}
	}
	if len(c.Browser.LaunchArgs) == 0 {
		c.Browser.LaunchArgs = []string{
			"disable-blink-features=AutomationControlled",
			"no-first-run",
			"no-default-browser-check",
			"window-size=1920,1080",
		}
	}
	setString(&c.Browser.DownloadDir, "./downloads")

	if c.NotebookLM == nil {
		c.NotebookLM = &NotebookLMConfig{}
	}
	setString(&c.NotebookLM.BaseURL, "https://notebooklm.google.com/")
	setString(&c.NotebookLM.OutputLanguage, "english")

	if c.Timeouts == nil {
		c.Timeouts = &TimeoutConfig{}
	}
	t := c.Timeouts
	setDuration(&t.Resolve, 30*time.Second)
	setDuration(&t.StrategyMin, time.Second)
	setDuration(&t.PollInterval, 250*time.Millisecond)
	setDuration(&t.Step, 30*time.Second)
	setDuration(&t.Workflow, 10*time.Minute)
	setDuration(&t.Overlay, 3*time.Second)
	setDuration(&t.Navigation, 60*time.Second)
	setDuration(&t.SourceIngest, 90*time.Second)
	setDuration(&t.ChatResponse, 3*time.Minute)
	setDuration(&t.Generation, 15*time.Minute)
	setDuration(&t.Download, 2*time.Minute)
	setDuration(&t.ManualWait, 2*time.Minute)
	setDuration(&t.LivenessProbe, 5*time.Second)
	setDuration(&t.GenerationPoll, 15*time.Second)

	if c.Typing == nil {
		c.Typing = &TypingConfig{}
	}
	if c.Typing.ChunkSize <= 0 {
		c.Typing.ChunkSize = 5000
	}
	setDuration(&c.Typing.ChunkPause, 500*time.Millisecond)

	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	if c.Retry.StepAttempts <= 0 {
		c.Retry.StepAttempts = 3
	}

	if c.Fallback == nil {
		c.Fallback = &FallbackConfig{Enabled: true}
	}
	setDuration(&c.Fallback.PollInterval, 2*time.Second)
	if c.Fallback.MaxClipboard <= 0 {
		c.Fallback.MaxClipboard = 50000
	}

	if c.Snapshot == nil {
		c.Snapshot = &SnapshotConfig{}
	}
	setString(&c.Snapshot.Dir, "./data/snapshots")

	if c.Locator == nil {
		c.Locator = &LocatorConfig{}
	}

	if c.Upstream == nil {
		c.Upstream = &UpstreamConfig{UseAI: true}
	}
	u := c.Upstream
	setString(&u.Model, "gemini-2.5-flash")
	if u.MaxRetries <= 0 {
		u.MaxRetries = 3
	}
	setDuration(&u.RetryBackoff, 60*time.Second)
	setDuration(&u.RetryHintPadding, 5*time.Second)
	if u.MaxTopics <= 0 {
		u.MaxTopics = 10
	}
	setDuration(&u.HTTPTimeout, 30*time.Second)

	if c.Pipeline == nil {
		c.Pipeline = &PipelineConfig{}
	}
	if len(c.Pipeline.Materials) == 0 {
		c.Pipeline.Materials = []string{"audio"}
	}
	if len(c.Pipeline.ChatPresets) == 0 {
		c.Pipeline.ChatPresets = []string{"flashcards"}
	}
	setDuration(&c.Pipeline.ProgressInterval, 15*time.Second)
	setString(&c.Pipeline.OutputDir, "./output")

	if c.Log == nil {
		c.Log = &logger.LoggerConfig{
			Level:      "info",
			File:       "./log/notebookwing.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Console:    true,
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *Duration, def time.Duration) {
	if dst.Duration <= 0 {
		dst.Duration = def
	}
}

// findChrome 常见的 Chrome/Chromium 安装路径
func findChrome() string {
	if envPath := os.Getenv("CHROME_BIN_PATH"); envPath != "" {
		return envPath
	}
	commonPaths := []string{
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome-stable",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"C:\\Program Files\\Google\\Chrome\\Application\\chrome.exe",
		"C:\\Program Files (x86)\\Google\\Chrome\\Application\\chrome.exe",
	}
	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load 读取配置文件；文件不存在时写出默认配置并返回默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		defConfig := Default()
		if os.IsNotExist(err) {
			if dir := filepath.Dir(path); dir != "" {
				_ = os.MkdirAll(dir, 0o755)
			}
			if cfgData, mErr := toml.Marshal(defConfig); mErr == nil {
				_ = os.WriteFile(path, cfgData, 0o644)
			}
		}
		defConfig.applyEnv()
		return defConfig, nil
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 环境变量优先于配置文件
func (c *Config) applyEnv() {
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		c.Upstream.GeminiAPIKey = apiKey
	}
	if bin := os.Getenv("CHROME_BIN_PATH"); bin != "" {
		c.Browser.BinPath = bin
	}
	if v := os.Getenv("NOTEBOOKWING_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if dir := os.Getenv("NOTEBOOKWING_PROFILE_DIR"); dir != "" {
		c.Browser.UserDataDir = dir
	}
}

// Validate 检查互相约束的配置项
func (c *Config) Validate() error {
	u, err := url.Parse(c.NotebookLM.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("notebooklm.base_url %q is not an absolute URL", c.NotebookLM.BaseURL)
	}
	if c.Timeouts.Step.Duration > c.Timeouts.Workflow.Duration {
		return fmt.Errorf("timeouts.step (%s) must not exceed timeouts.workflow (%s)", c.Timeouts.Step, c.Timeouts.Workflow)
	}
	if c.Timeouts.PollInterval.Duration > c.Timeouts.StrategyMin.Duration {
		return fmt.Errorf("timeouts.poll_interval (%s) must not exceed timeouts.strategy_min (%s)", c.Timeouts.PollInterval, c.Timeouts.StrategyMin)
	}
	if c.Retry.StepAttempts > 10 {
		return fmt.Errorf("retry.step_attempts %d is too large", c.Retry.StepAttempts)
	}
	return nil
}
