package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/notebookwing/notebookwing/locator"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/services/browser"
	"github.com/pkg/errors"
)

// download 的状态
const (
	StateMaterialFound = "MaterialFound"
	StateMenuOpen      = "MenuOpen"
	StateDownloaded    = "Downloaded"
)

// downloadRequest 一次下载的状态
type downloadRequest struct {
	kind    models.MaterialKind
	title   string
	destDir string
	mark    int
	file    *models.DownloadedFile
}

func (d *downloadRequest) vars() locator.Vars {
	return locator.Vars{"name": d.title}
}

func tracker(s *Scope) (*browser.DownloadTracker, error) {
	t := s.Session().Downloads()
	if t == nil {
		return nil, models.NewError(models.KindInteractionBlocked, "session does not track downloads", nil)
	}
	return t, nil
}

// Download 从 Studio 面板下载一个材料，只有音频、视频和思维导图支持下载。
// title 为空时取该类型第一个已生成完成的条目。
func (b *Builder) Download(kind models.MaterialKind, title, destDir string) *Workflow {
	d := &downloadRequest{kind: kind, title: strings.TrimSpace(title), destDir: destDir}

	return &Workflow{
		Name:    "download-" + string(kind),
		Timeout: b.settings.Download + b.settings.WorkflowTimeout,
		Validate: func() error {
			if !kind.Downloadable() {
				return models.NewError(models.KindDownloadUnsupported, fmt.Sprintf("%s materials can only be shared, not downloaded", kind), nil)
			}
			return nil
		},
		Steps: []*Step{
			openStudio("", nil),
			{
				Name:   "find-material",
				To:     StateMaterialFound,
				Target: string(locator.TargetStudioItemNamed),
				Act: func(ctx context.Context, s *Scope) error {
					if d.title != "" {
						return nil
					}
					items, err := studioItems(ctx, s)
					if err != nil {
						return err
					}
					for _, it := range items {
						if it.Kind == kind && it.Status == models.MaterialReady {
							d.title = it.Title
							return nil
						}
					}
					return models.NewError(models.KindElementNotFound, fmt.Sprintf("no finished %s material in studio", kind), nil)
				},
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					return s.Visible(ctx, locator.TargetStudioItemNamed, d.vars())
				},
			},
			{
				Name:   "open-menu",
				To:     StateMenuOpen,
				Target: string(locator.TargetStudioItemMore),
				Act: func(ctx context.Context, s *Scope) error {
					return s.Click(ctx, locator.TargetStudioItemMore, d.vars())
				},
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					if ok, err := s.Visible(ctx, locator.TargetMenuDownload, nil); err != nil || ok {
						return ok, err
					}
					return s.Visible(ctx, locator.TargetShareDialog, nil)
				},
			},
			{
				Name:        "download",
				To:          StateDownloaded,
				Target:      string(locator.TargetMenuDownload),
				Timeout:     b.settings.Download,
				Attempts:    1,
				KeepDialogs: true,
				Act: func(ctx context.Context, s *Scope) error {
					// 没有下载项时界面只给出分享对话框
					if share, err := s.Visible(ctx, locator.TargetShareDialog, nil); err != nil {
						return err
					} else if share {
						if _, err := s.ClickIfPresent(ctx, locator.TargetDialogClose, nil); err != nil {
							return err
						}
						return models.NewError(models.KindDownloadUnsupported, "only sharing is offered for "+d.title, nil)
					}
					t, err := tracker(s)
					if err != nil {
						return err
					}
					d.mark = t.Mark()
					return s.Click(ctx, locator.TargetMenuDownload, nil)
				},
				Post: func(ctx context.Context, s *Scope) (bool, error) {
					t, err := tracker(s)
					if err != nil {
						return false, err
					}
					return t.Mark() > d.mark, nil
				},
			},
			{
				Name:     "save",
				To:       StateConfirmed,
				Target:   string(locator.TargetMenuDownload),
				Attempts: 1,
				Act: func(ctx context.Context, s *Scope) error {
					t, err := tracker(s)
					if err != nil {
						return err
					}
					path, err := t.WaitAfter(ctx, d.mark)
					if err != nil {
						return err
					}
					dir := d.destDir
					if dir == "" {
						dir = t.Dir()
					}
					file, err := saveDownload(path, dir, d.title, kind)
					if err != nil {
						return models.NewError(models.KindInteractionBlocked, "save download", err)
					}
					file.DownloadTime = s.runner.clock.Now()
					d.file = file
					return nil
				},
			},
		},
		Result: func() any { return d.file },
	}
}

// saveDownload 识别文件类型并移动到 dir/<标题>.<扩展名>，重名时追加 " (n)"
func saveDownload(src, dir, title string, kind models.MaterialKind) (*models.DownloadedFile, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, errors.Wrap(err, "stat download")
	}
	ext := strings.TrimPrefix(filepath.Ext(src), ".")
	mime := ""
	if t, err := filetype.MatchFile(src); err == nil && t != filetype.Unknown {
		ext, mime = t.Extension, t.MIME.Value
	}
	if ext == "" {
		ext = kind.FileExtension()
	}

	base := safeFileName(title)
	if base == "" {
		base = string(kind)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create download dir")
	}
	dst := uniquePath(dir, base, ext)
	if filepath.Clean(dst) != filepath.Clean(src) {
		if err := moveFile(src, dst); err != nil {
			return nil, err
		}
	}
	return &models.DownloadedFile{
		FileName:  filepath.Base(dst),
		FilePath:  dst,
		MimeType:  mime,
		Extension: ext,
		Size:      info.Size(),
	}, nil
}

func safeFileName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 32 {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func uniquePath(dir, base, ext string) string {
	name := base
	if ext != "" {
		name += "." + ext
	}
	p := filepath.Join(dir, name)
	for n := 1; ; n++ {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p
		}
		name = fmt.Sprintf("%s (%d)", base, n)
		if ext != "" {
			name += "." + ext
		}
		p = filepath.Join(dir, name)
	}
}

// moveFile 重命名失败（例如跨设备）时复制后删除
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open download")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create target file")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "copy download")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close target file")
	}
	return os.Remove(src)
}
