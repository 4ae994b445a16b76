// Package snapshot 在工作流终态失败时保存页面现场（截图、HTML、markdown、元数据），
// 供人工修复定位策略。所有失败只记录日志，不会掩盖原始错误。
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/google/uuid"
	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/clock"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/pkg/metrics"
)

const captureTimeout = 15 * time.Second

// Index 快照索引
type Index interface {
	SaveSnapshot(s *models.ErrorSnapshot) error
}

// Meta 失败现场的描述
type Meta struct {
	Workflow string
	State    string
	Target   string
	Err      error
	Extra    map[string]string
}

// Capturer 写快照目录 <dir>/<时间>_<工作流>_<状态>/
type Capturer struct {
	dir       string
	clock     clock.Clock
	index     Index
	metrics   *metrics.Metrics
	converter *md.Converter
}

// NewCapturer index 可以为 nil
func NewCapturer(dir string, clk clock.Clock, index Index, m *metrics.Metrics) *Capturer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Capturer{
		dir:       dir,
		clock:     clk,
		index:     index,
		metrics:   m,
		converter: md.NewConverter("", true, nil),
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	if s == "" {
		return "unknown"
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

// Capture 尽力保存现场，什么都没写成时返回 nil
func (c *Capturer) Capture(ctx context.Context, page driver.Page, meta Meta) *models.ErrorSnapshot {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Error snapshot panicked: %v", r)
		}
	}()

	// 原始 ctx 可能已超时，快照使用独立的时限
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()

	now := c.clock.Now()
	snap := &models.ErrorSnapshot{
		ID:         uuid.New().String(),
		Workflow:   meta.Workflow,
		State:      meta.State,
		Target:     meta.Target,
		ErrorKind:  models.KindOf(meta.Err),
		Extra:      meta.Extra,
		CapturedAt: now,
	}
	if meta.Err != nil {
		snap.Error = meta.Err.Error()
	}

	name := fmt.Sprintf("%s_%s_%s", now.Format("20060102-150405"), safeName(meta.Workflow), safeName(meta.State))
	dir := filepath.Join(c.dir, name)
	if _, err := os.Stat(dir); err == nil {
		dir = dir + "_" + snap.ID[:8]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error(ctx, "Failed to create snapshot directory %s: %v", dir, err)
		return nil
	}
	snap.Dir = dir

	fail := func(what string, err error) {
		logger.Warn(ctx, "Snapshot %s failed: %v", what, err)
		snap.CaptureErrors = append(snap.CaptureErrors, fmt.Sprintf("%s: %v", what, err))
	}
	written := 0

	if page != nil {
		if u, err := page.URL(cctx); err == nil {
			snap.URL = u
		} else {
			fail("url", err)
		}

		if png, err := page.Screenshot(cctx); err != nil {
			fail("screenshot", err)
		} else if err := os.WriteFile(filepath.Join(dir, "screenshot.png"), png, 0o644); err != nil {
			fail("screenshot", err)
		} else {
			snap.ScreenshotPath = filepath.Join(dir, "screenshot.png")
			written++
		}

		if html, err := page.HTML(cctx); err != nil {
			fail("html", err)
		} else {
			if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(html), 0o644); err != nil {
				fail("html", err)
			} else {
				snap.HTMLPath = filepath.Join(dir, "page.html")
				written++
			}
			if markdown, err := c.converter.ConvertString(html); err != nil {
				fail("markdown", err)
			} else if err := os.WriteFile(filepath.Join(dir, "page.md"), []byte(markdown), 0o644); err != nil {
				fail("markdown", err)
			} else {
				snap.MarkdownPath = filepath.Join(dir, "page.md")
				written++
			}
		}
	} else {
		fail("page", fmt.Errorf("no page"))
	}

	if data, err := snap.ToJSON(); err != nil {
		fail("meta", err)
	} else if err := os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o644); err != nil {
		fail("meta", err)
	} else {
		written++
	}

	if written == 0 {
		_ = os.Remove(dir)
		logger.Error(ctx, "Error snapshot for %s/%s could not be written", meta.Workflow, meta.State)
		return nil
	}

	if c.index != nil {
		if err := c.index.SaveSnapshot(snap); err != nil {
			logger.Warn(ctx, "Failed to index snapshot %s: %v", snap.ID, err)
		}
	}
	c.metrics.IncSnapshots()
	logger.Info(ctx, "Error snapshot saved: %s", dir)
	return snap
}
