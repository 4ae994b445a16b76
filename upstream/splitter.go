package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/pkg/errors"
)

const splitPrompt = `Analyze the following educational content and split it into distinct topics.
Each topic should be self-contained enough to create a short educational video (5-10 minutes).
Return at most %d topics.

Return the result as a JSON object with this structure:
{
    "overview": "Brief overview of the entire content",
    "topics": [
        {"title": "Topic Title", "summary": "Brief summary", "content": "The actual content for this topic"}
    ]
}

Content to analyze:

%s

Return ONLY valid JSON, no additional text.`

// maxPromptChars 发给模型的内容上限
const maxPromptChars = 30000

// Splitter 把一篇内容拆成若干主题，每个主题对应一个笔记本
type Splitter struct {
	gen       Generator
	maxTopics int
	retry     RetryOptions
}

// NewSplitter gen 为 nil 时只用本地规则拆分
func NewSplitter(gen Generator, maxTopics int, retry RetryOptions) *Splitter {
	if maxTopics <= 0 {
		maxTopics = 10
	}
	return &Splitter{gen: gen, maxTopics: maxTopics, retry: retry}
}

// Split 优先用模型拆分，模型不可用或返回无法解析时退回本地规则
func (s *Splitter) Split(ctx context.Context, doc *Document) ([]models.Topic, error) {
	if s.gen != nil {
		topics, err := s.splitWithModel(ctx, doc)
		if err == nil && len(topics) > 0 {
			logger.Info(ctx, "Split %q into %d topics with the model", doc.Title, len(topics))
			return topics, nil
		}
		if models.KindOf(err) == models.KindAborted {
			return nil, err
		}
		logger.Warn(ctx, "Model topic split unavailable, using local split: %v", err)
	}
	topics := LocalSplit(doc.Text, s.maxTopics)
	if len(topics) == 0 {
		return nil, models.NewError(models.KindInvalidInput, "nothing to split in "+doc.Source, nil)
	}
	logger.Info(ctx, "Split %q into %d topics locally", doc.Title, len(topics))
	return topics, nil
}

type splitResponse struct {
	Overview string `json:"overview"`
	Topics   []struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
		Content string `json:"content"`
	} `json:"topics"`
}

func (s *Splitter) splitWithModel(ctx context.Context, doc *Document) ([]models.Topic, error) {
	text := doc.Text
	if utf8.RuneCountInString(text) > maxPromptChars {
		text = string([]rune(text)[:maxPromptChars])
	}
	raw, err := GenerateWithRetry(ctx, s.gen, fmt.Sprintf(splitPrompt, s.maxTopics, text), s.retry)
	if err != nil {
		return nil, err
	}
	var resp splitResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, errors.Wrap(err, "parse topic split")
	}
	var topics []models.Topic
	for i, t := range resp.Topics {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			content = strings.TrimSpace(t.Summary)
		}
		if content == "" {
			continue
		}
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = fmt.Sprintf("Topic %d", i+1)
		}
		topics = append(topics, models.Topic{Title: title, Text: content})
		if len(topics) == s.maxTopics {
			break
		}
	}
	return topics, nil
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ExtractJSON 去掉代码块围栏和前后说明文字，只保留最外层对象
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	}
	if first, last := strings.Index(text, "{"), strings.LastIndex(text, "}"); first >= 0 && last > first {
		text = text[first : last+1]
	}
	return trailingComma.ReplaceAllString(text, "$1")
}

var sectionStart = regexp.MustCompile(`(?m)^#{1,3}\s+`)

// LocalSplit 有 markdown 标题时按标题拆分，否则把段落平均分成不超过 max 组
func LocalSplit(text string, max int) []models.Topic {
	if max <= 0 {
		max = 10
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}

	if sections, headed := splitSections(text); headed {
		var topics []models.Topic
		for i, section := range sections {
			if len(topics) == max {
				break
			}
			title, body := fmt.Sprintf("Section %d", i+1), section
			if m := headingLine.FindStringSubmatchIndex(section); m != nil && m[0] == 0 {
				title = strings.TrimSpace(section[m[2]:m[3]])
				body = section[m[1]:]
			}
			body = strings.TrimSpace(body)
			if body == "" {
				continue
			}
			topics = append(topics, models.Topic{Title: title, Text: body})
		}
		return topics
	}

	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	size := len(paragraphs) / max
	if size < 1 {
		size = 1
	}
	var topics []models.Topic
	for i := 0; i < len(paragraphs) && len(topics) < max; i += size {
		end := min(i+size, len(paragraphs))
		// 最后一组收下剩余的段落
		if len(topics) == max-1 {
			end = len(paragraphs)
		}
		chunk := strings.Join(paragraphs[i:end], "\n\n")
		topics = append(topics, models.Topic{
			Title: fmt.Sprintf("Part %d: %s", len(topics)+1, firstSentence(chunk)),
			Text:  chunk,
		})
		if end == len(paragraphs) {
			break
		}
	}
	return topics
}

// splitSections 按标题切分，没有标题时 headed 为 false
func splitSections(text string) (sections []string, headed bool) {
	idx := sectionStart.FindAllStringIndex(text, -1)
	if len(idx) == 0 {
		return nil, false
	}
	var out []string
	if pre := strings.TrimSpace(text[:idx[0][0]]); pre != "" {
		out = append(out, pre)
	}
	for i, loc := range idx {
		end := len(text)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		out = append(out, strings.TrimSpace(text[loc[0]:end]))
	}
	return out, true
}

// firstSentence 第一句，句号或换行结束，最多 100 个字符
func firstSentence(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.IndexAny(s, ".\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > 100 {
		s = string([]rune(s)[:100])
	}
	return s
}
