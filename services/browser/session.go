package browser

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/notebookwing/notebookwing/driver"
)

// Session 一个持久化 profile 上的浏览器会话。
// epoch 在每次导航或等待后递增，用于判断元素句柄是否过期。
type Session struct {
	id         string
	profileDir string
	headless   bool
	createdAt  time.Time

	page      driver.Page
	downloads *DownloadTracker

	epoch atomic.Uint64

	mu         sync.RWMutex
	language   string
	pinnedLang bool

	// 以下仅本地/远程 rod 会话持有
	browser *rod.Browser
}

// NewSession 用已打开的页面构造会话
func NewSession(id, profileDir string, headless bool, page driver.Page, downloads *DownloadTracker) *Session {
	if downloads == nil {
		downloads = NewDownloadTracker("")
	}
	s := &Session{
		id:         id,
		profileDir: profileDir,
		headless:   headless,
		createdAt:  time.Now(),
		page:       page,
		downloads:  downloads,
		language:   "en",
	}
	s.epoch.Store(1)
	return s
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) ProfileDir() string          { return s.profileDir }
func (s *Session) Headless() bool              { return s.headless }
func (s *Session) CreatedAt() time.Time        { return s.createdAt }
func (s *Session) Page() driver.Page           { return s.page }
func (s *Session) Downloads() *DownloadTracker { return s.downloads }
func (s *Session) Epoch() uint64               { return s.epoch.Load() }

// Invalidate 使之前解析出的所有元素句柄失效
func (s *Session) Invalidate() uint64 {
	return s.epoch.Add(1)
}

// Language 当前界面语言
func (s *Session) Language() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

// PinLanguage 固定界面语言，之后不再从页面检测
func (s *Session) PinLanguage(lang string) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return
	}
	s.mu.Lock()
	s.language = lang
	s.pinnedLang = true
	s.mu.Unlock()
}

// DetectLanguage 读取页面 <html lang>，语言被固定时直接返回固定值
func (s *Session) DetectLanguage(ctx context.Context) string {
	s.mu.RLock()
	pinned, current := s.pinnedLang, s.language
	s.mu.RUnlock()
	if pinned {
		return current
	}
	lang, err := s.page.Language(ctx)
	if err != nil || strings.TrimSpace(lang) == "" {
		return current
	}
	s.mu.Lock()
	s.language = lang
	s.mu.Unlock()
	return lang
}

// CurrentURL 当前页面地址
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	return s.page.URL(ctx)
}

// Navigate 导航并使旧句柄失效
func (s *Session) Navigate(ctx context.Context, url string) error {
	defer s.Invalidate()
	return s.page.Navigate(ctx, url)
}

func (s *Session) close() {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
}
