package browser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/notebookwing/notebookwing/pkg/logger"
)

// DownloadTracker 记录浏览器完成的下载，按完成顺序排列
type DownloadTracker struct {
	dir string

	mu      sync.Mutex
	pending map[string]string // GUID -> 建议文件名
	done    []string
	notify  chan struct{}
}

func NewDownloadTracker(dir string) *DownloadTracker {
	return &DownloadTracker{
		dir:     dir,
		pending: map[string]string{},
		notify:  make(chan struct{}),
	}
}

// Dir 下载目录
func (t *DownloadTracker) Dir() string {
	return t.dir
}

// Begin 记录一个即将开始的下载
func (t *DownloadTracker) Begin(guid, suggested string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[guid] = suggested
}

// Complete 下载完成，返回实际落盘路径
func (t *DownloadTracker) Complete(guid string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.pending[guid]
	if !ok {
		return "", false
	}
	delete(t.pending, guid)

	fullPath := filepath.Join(t.dir, name)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		// 浏览器可能自动重命名（file.mp3 -> file (1).mp3）
		if actual := t.findSimilarFile(name); actual != "" {
			fullPath = filepath.Join(t.dir, actual)
		}
	}
	for _, existing := range t.done {
		if existing == fullPath {
			return fullPath, true
		}
	}
	t.done = append(t.done, fullPath)
	close(t.notify)
	t.notify = make(chan struct{})
	return fullPath, true
}

// Cancel 下载被取消
func (t *DownloadTracker) Cancel(guid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, guid)
}

// Mark 当前已完成的下载数量，配合 WaitAfter 使用
func (t *DownloadTracker) Mark() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done)
}

// WaitAfter 等待第 mark 个之后的下载完成
func (t *DownloadTracker) WaitAfter(ctx context.Context, mark int) (string, error) {
	for {
		t.mu.Lock()
		if len(t.done) > mark {
			p := t.done[mark]
			t.mu.Unlock()
			return p, nil
		}
		ch := t.notify
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// findSimilarFile 查找带 " (n)" 后缀的同名文件
func (t *DownloadTracker) findSimilarFile(originalName string) string {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return ""
	}
	ext := filepath.Ext(originalName)
	nameWithoutExt := strings.TrimSuffix(originalName, ext)

	var best string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, nameWithoutExt) || !strings.HasSuffix(name, ext) {
			continue
		}
		if len(name) > len(nameWithoutExt)+len(ext) &&
			name[len(nameWithoutExt)] == ' ' &&
			name[len(nameWithoutExt)+1] == '(' {
			// 取编号最大的那个，即最新的
			if best == "" || name > best {
				best = name
			}
		}
	}
	return best
}

// Listen 订阅浏览器的下载事件，ctx 结束时停止
func (t *DownloadTracker) Listen(ctx context.Context, browser *rod.Browser) {
	b := browser.Context(ctx)
	go b.EachEvent(func(e *proto.BrowserDownloadWillBegin) {
		t.Begin(e.GUID, e.SuggestedFilename)
		logger.Info(ctx, "Download will begin: %s (GUID: %s)", e.SuggestedFilename, e.GUID)
	})()
	go b.EachEvent(func(e *proto.BrowserDownloadProgress) {
		switch e.State {
		case proto.BrowserDownloadProgressStateCompleted:
			if p, ok := t.Complete(e.GUID); ok {
				logger.Info(ctx, "Download completed: %s (%.2f MB)", p, float64(e.TotalBytes)/(1024*1024))
			} else {
				logger.Warn(ctx, "Download completed but filename not found (GUID: %s)", e.GUID)
			}
		case proto.BrowserDownloadProgressStateCanceled:
			t.Cancel(e.GUID)
			logger.Warn(ctx, "Download canceled (GUID: %s)", e.GUID)
		}
	})()
}
