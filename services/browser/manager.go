package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/notebookwing/notebookwing/config"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/pkg/metrics"
)

// Starter 创建一个新会话
type Starter func(ctx context.Context) (*Session, error)

// Manager 管理唯一的持久化浏览器会话，失活时按需重建
type Manager struct {
	config  *config.Config
	metrics *metrics.Metrics
	starter Starter

	mu         sync.Mutex
	session    *Session
	launcher   *launcher.Launcher // 仅本地模式
	stopListen context.CancelFunc
	startTime  time.Time
	restarts   int
}

// NewManager 创建基于 rod 的会话管理器
func NewManager(cfg *config.Config, m *metrics.Metrics) *Manager {
	mgr := &Manager{config: cfg, metrics: m}
	mgr.starter = mgr.launch
	return mgr
}

// NewManagerWithStarter 使用自定义的会话创建方式
func NewManagerWithStarter(cfg *config.Config, m *metrics.Metrics, starter Starter) *Manager {
	return &Manager{config: cfg, metrics: m, starter: starter}
}

// Acquire 返回存活的会话，没有或已失活时重建。
// 失活会话的句柄不会被复用。
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		if m.probe(ctx, m.session) {
			return m.session, nil
		}
		logger.Warn(ctx, "Browser session %s is unresponsive, recreating", m.session.ID())
		m.teardownLocked(ctx)
		m.restarts++
		m.metrics.IncSessionRestarts()
	}

	s, err := m.starter(ctx)
	if err != nil {
		return nil, &models.Error{Kind: models.KindSessionDead, Detail: "start browser session", Err: err}
	}
	if lang := m.config.NotebookLM.Language; lang != "" {
		s.PinLanguage(lang)
	}
	m.session = s
	m.startTime = time.Now()
	logger.Info(ctx, "Browser session %s ready (profile: %s, headless: %v)", s.ID(), s.ProfileDir(), s.Headless())
	return s, nil
}

// Current 当前会话，可能为 nil 或已失活
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// IsAlive 会话是否仍是当前会话且控制通道可用
func (m *Manager) IsAlive(ctx context.Context, s *Session) bool {
	if s == nil {
		return false
	}
	m.mu.Lock()
	current := m.session
	m.mu.Unlock()
	if current != s {
		return false
	}
	return m.probe(ctx, s)
}

// probe 浏览器版本和页面信息都能取到才算存活
func (m *Manager) probe(ctx context.Context, s *Session) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn(ctx, "Liveness probe panicked: %v", r)
			alive = false
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, m.config.Timeouts.LivenessProbe.Duration)
	defer cancel()
	if s.browser != nil {
		if _, err := s.browser.Context(pctx).Version(); err != nil {
			return false
		}
	}
	_, err := s.CurrentURL(pctx)
	return err == nil
}

// Restart 丢弃当前会话并重建
func (m *Manager) Restart(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.session != nil {
		m.teardownLocked(ctx)
		m.restarts++
		m.metrics.IncSessionRestarts()
	}
	m.mu.Unlock()
	return m.Acquire(ctx)
}

// Stop 关闭会话。只结束浏览器进程，不清理用户数据目录。
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return fmt.Errorf("browser is not running")
	}
	m.teardownLocked(context.Background())
	return nil
}

func (m *Manager) teardownLocked(ctx context.Context) {
	if m.stopListen != nil {
		m.stopListen()
		m.stopListen = nil
	}
	if m.session != nil {
		m.session.close()
	}
	// launcher.Cleanup() 会删除用户数据目录，只能 Kill
	if m.launcher != nil {
		m.launcher.Kill()
		logger.Info(ctx, "Browser process terminated")
	}
	m.session = nil
	m.launcher = nil
}

// Status 会话状态
type Status struct {
	Running    bool      `json:"running"`
	SessionID  string    `json:"session_id,omitempty"`
	Headless   bool      `json:"headless"`
	ProfileDir string    `json:"profile_dir,omitempty"`
	Language   string    `json:"language,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Restarts   int       `json:"restarts"`
	Remote     bool      `json:"remote"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Restarts: m.restarts,
		Remote:   m.config.Browser.ControlURL != "",
	}
	if s := m.session; s != nil {
		st.Running = true
		st.SessionID = s.ID()
		st.Headless = s.Headless()
		st.ProfileDir = s.ProfileDir()
		st.Language = s.Language()
		st.StartedAt = m.startTime
	}
	return st
}

// launch 启动（或连接到远程）Chrome，并在其上打开一个 stealth 页面
func (m *Manager) launch(ctx context.Context) (*Session, error) {
	cfg := m.config.Browser
	var (
		controlURL string
		l          *launcher.Launcher
		profileDir string
	)
	headless := cfg.Headless || isHeadlessEnvironment()

	if cfg.ControlURL != "" {
		controlURL = cfg.ControlURL
		logger.Info(ctx, "Using remote Chrome browser: %s", controlURL)
	} else {
		logger.Info(ctx, "Starting local Chrome browser (headless: %v)...", headless)
		l = launcher.New().
			Headless(headless).
			Devtools(false).
			Leakless(false)

		for _, arg := range cfg.LaunchArgs {
			arg = strings.TrimPrefix(arg, "--")
			if k, v, ok := strings.Cut(arg, "="); ok {
				l = l.Set(flags.Flag(k), v)
			} else {
				l = l.Set(flags.Flag(arg))
			}
		}
		if cfg.BinPath != "" {
			l = l.Bin(cfg.BinPath)
			logger.Info(ctx, "Using browser path: %s", cfg.BinPath)
		}

		// 用户数据目录保存登录状态
		if dir := cfg.UserDataDir; dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				logger.Warn(ctx, "Failed to create user data directory: %v", err)
			} else {
				testFile := filepath.Join(dir, ".test")
				if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
					logger.Warn(ctx, "User data directory is not writable, login state will not be saved: %v", err)
				} else {
					os.Remove(testFile)
					l = l.UserDataDir(dir)
					profileDir = dir
				}
			}
		}

		var err error
		controlURL, err = l.Launch()
		if err != nil {
			errMsg := err.Error()
			if strings.Contains(errMsg, "session") || strings.Contains(errMsg, "already") {
				logger.Error(ctx, "Chrome is already running with user data directory %s; close it or change browser.user_data_dir", cfg.UserDataDir)
				return nil, fmt.Errorf("chrome is already running with the same user data directory: %w", err)
			}
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("failed to connect browser: %w", err)
	}
	if version, err := browser.Version(); err == nil {
		logger.Info(ctx, "Browser: %s (%s)", version.Product, version.UserAgent)
	}

	downloadDir, err := filepath.Abs(cfg.DownloadDir)
	if err != nil {
		downloadDir = cfg.DownloadDir
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		logger.Warn(ctx, "Failed to create download directory: %v", err)
	}
	downloadBehavior := &proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath:  downloadDir,
		EventsEnabled: true,
	}
	if err := downloadBehavior.Call(browser); err != nil {
		logger.Warn(ctx, "Failed to set download behavior: %v", err)
	}

	// 剪贴板权限：手动兜底时把内容放到剪贴板供用户粘贴
	grantPermissions := &proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{
			proto.BrowserPermissionTypeClipboardReadWrite,
			proto.BrowserPermissionTypeClipboardSanitizedWrite,
		},
	}
	if err := grantPermissions.Call(browser); err != nil {
		logger.Warn(ctx, "Failed to grant clipboard permissions: %v", err)
	}

	var page *rod.Page
	if cfg.UseStealth() {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		_ = browser.Close()
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	tracker := NewDownloadTracker(downloadDir)
	listenCtx, cancel := context.WithCancel(context.Background())
	tracker.Listen(listenCtx, browser)

	s := NewSession(uuid.New().String(), profileDir, headless, NewRodPage(page, m.config.Timeouts.Navigation.Duration), tracker)
	s.browser = browser
	m.launcher = l
	m.stopListen = cancel
	return s, nil
}

// isHeadlessEnvironment 容器内或没有显示服务时只能无头运行
func isHeadlessEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") || strings.Contains(content, "containerd") {
			return true
		}
	}
	switch runtime.GOOS {
	case "windows", "darwin":
		return false
	case "linux":
		return os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
	}
	return false
}
