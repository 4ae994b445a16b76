package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/h2non/filetype"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/pkg/errors"
)

// Document 导入后的原始内容
type Document struct {
	Title  string `json:"title"`
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Ingestor 读取本地文本文件或网页
type Ingestor struct {
	client   *http.Client
	maxBytes int64
}

// NewIngestor timeout 为 0 时使用 30 秒
func NewIngestor(timeout time.Duration) *Ingestor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Ingestor{client: &http.Client{Timeout: timeout}, maxBytes: 20 << 20}
}

// IsURL 是否是 http(s) 地址
func IsURL(src string) bool {
	u, err := url.Parse(strings.TrimSpace(src))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Load 按来源类型读取内容
func (i *Ingestor) Load(ctx context.Context, src string) (*Document, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, models.NewError(models.KindInvalidInput, "input is empty", nil)
	}
	var (
		doc *Document
		err error
	)
	if IsURL(src) {
		doc, err = i.fetch(ctx, src)
	} else {
		doc, err = i.readFile(src)
	}
	if err != nil {
		return nil, err
	}
	doc.Text = strings.TrimSpace(doc.Text)
	if doc.Text == "" {
		return nil, models.NewError(models.KindInvalidInput, "no text found in "+src, nil)
	}
	logger.Info(ctx, "Loaded %q from %s (%d characters)", doc.Title, src, utf8.RuneCountInString(doc.Text))
	return doc, nil
}

var headingLine = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)

func (i *Ingestor) readFile(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.NewError(models.KindInvalidInput, "cannot read input file", errors.Wrap(err, path))
	}
	if info.IsDir() {
		return nil, models.NewError(models.KindInvalidInput, path+" is a directory", nil)
	}
	if info.Size() > i.maxBytes {
		return nil, models.NewError(models.KindInvalidInput, fmt.Sprintf("%s is larger than %d bytes", path, i.maxBytes), nil)
	}
	// 只接受纯文本，PDF、Office 等二进制格式需要先转换
	if t, err := filetype.MatchFile(path); err == nil && t != filetype.Unknown {
		return nil, models.NewError(models.KindUpstreamServiceUnavailable,
			fmt.Sprintf("%s is a %s file (%s); convert it to text first", path, t.Extension, t.MIME.Value), nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.KindInvalidInput, "cannot read input file", errors.Wrap(err, path))
	}
	if !utf8.Valid(data) {
		return nil, models.NewError(models.KindUpstreamServiceUnavailable, path+" is not UTF-8 text", nil)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if m := headingLine.FindStringSubmatch(text); m != nil {
		title = strings.TrimSpace(m[1])
	}
	return &Document{Title: title, Text: text, Source: path}, nil
}

func (i *Ingestor) fetch(ctx context.Context, rawURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, models.NewError(models.KindInvalidInput, "bad URL", err)
	}
	req.Header.Set("User-Agent", "notebookwing/1.0")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := i.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewError(models.KindAborted, "fetch "+rawURL, ctx.Err())
		}
		return nil, models.NewError(models.KindUpstreamServiceUnavailable, "fetch "+rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, models.NewError(models.KindUpstreamServiceUnavailable, fmt.Sprintf("fetch %s: HTTP %d", rawURL, resp.StatusCode), nil)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, i.maxBytes))
	if err != nil {
		return nil, models.NewError(models.KindUpstreamServiceUnavailable, "parse "+rawURL, err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = rawURL
	}
	return &Document{Title: title, Text: pageText(doc), Source: rawURL}, nil
}

var spaces = regexp.MustCompile(`\s+`)

// pageText 正文文字，标题转成 markdown 标题以便按标题拆分
func pageText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var blocks []string
	root.Find("h1, h2, h3, p, li, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(spaces.ReplaceAllString(s.Text(), " "))
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1":
			text = "# " + text
		case "h2":
			text = "## " + text
		case "h3":
			text = "### " + text
		case "li":
			text = "- " + text
		}
		blocks = append(blocks, text)
	})
	if len(blocks) == 0 {
		return strings.TrimSpace(spaces.ReplaceAllString(root.Text(), " "))
	}
	return strings.Join(blocks, "\n\n")
}
