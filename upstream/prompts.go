package upstream

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/notebookwing/notebookwing/models"
)

// 对话预设，在笔记本的对话框里发送
const (
	PresetFlashcards = "flashcards"
	PresetSummary    = "summary"
	PresetQuiz       = "quiz"
	PresetStudyGuide = "study-guide"
	PresetBriefing   = "briefing"
	PresetFAQ        = "faq"
	PresetTimeline   = "timeline"
)

var presets = map[string]string{
	PresetFlashcards: "Create flashcards (question and answer pairs) for studying this content. " +
		"Format each card as 'Q: [question]' followed by 'A: [answer]'. " +
		"Create at least 15 flashcards covering the main concepts.",
	PresetSummary: "Summarize the sources in a few paragraphs. Start with the central idea, " +
		"then cover the main points in the order they appear.",
	PresetQuiz: "Create a quiz with 10 questions based on this content. " +
		"Mix multiple choice, true/false and short answer questions and give the correct answer with a short explanation after each question.",
	PresetStudyGuide: "Create a comprehensive study guide for this content. Include key concepts, " +
		"definitions, and important points to remember.",
	PresetBriefing: "Create a detailed briefing document summarizing this content. " +
		"Include executive summary, main points, and conclusions.",
	PresetFAQ: "Generate a comprehensive FAQ (Frequently Asked Questions) based on this content. " +
		"Include at least 10 questions and detailed answers.",
	PresetTimeline: "Create a timeline of events or key milestones mentioned in this content.",
}

// Presets 所有预设名，按字母排序
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetPrompt 预设对应的提示词
func PresetPrompt(name string) (string, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", models.NewError(models.KindInvalidInput,
			fmt.Sprintf("unknown chat preset %q (available: %s)", name, strings.Join(Presets(), ", ")), nil)
	}
	return p, nil
}

// Flashcard 一张问答卡片
type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

var cardLine = regexp.MustCompile(`^\s*(?:[-*]\s*|\d+[.)]\s*)?(?:\*\*)?([QA])(?:\*\*)?\s*[:：]\s*(?:\*\*)?\s*(.*?)\s*(?:\*\*)?\s*$`)

// ParseFlashcards 解析 "Q: ..." / "A: ..." 格式的回复，答案可以跨多行
func ParseFlashcards(text string) []Flashcard {
	var (
		cards []Flashcard
		cur   *Flashcard
		inA   bool
	)
	flush := func() {
		if cur != nil && cur.Question != "" && cur.Answer != "" {
			cards = append(cards, *cur)
		}
		cur, inA = nil, false
	}
	for _, line := range strings.Split(text, "\n") {
		m := cardLine.FindStringSubmatch(line)
		switch {
		case m != nil && m[1] == "Q":
			flush()
			cur = &Flashcard{Question: m[2]}
		case m != nil && m[1] == "A" && cur != nil:
			cur.Answer = m[2]
			inA = true
		case inA && strings.TrimSpace(line) != "":
			cur.Answer += " " + strings.TrimSpace(line)
		default:
			inA = false
		}
	}
	flush()
	return cards
}
