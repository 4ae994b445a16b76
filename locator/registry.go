package locator

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/notebookwing/notebookwing/driver"
	"github.com/notebookwing/notebookwing/models"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

//go:embed targets.toml
var defaultTargets []byte

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Target 一个逻辑目标及其有序的定位策略
type Target struct {
	ID         TargetID
	Strategies []driver.Locator
}

// Vars 绑定到 {name} 占位符的值
type Vars map[string]string

// Bind 把占位符替换成具体值。css 中替换为转义后的字符串内容，
// xpath 中替换为完整的 XPath 字面量，其余方式替换为原文。
func (t Target) Bind(vars Vars) (Target, error) {
	out := Target{ID: t.ID, Strategies: make([]driver.Locator, len(t.Strategies))}
	for i, s := range t.Strategies {
		var missing string
		expr := placeholderRe.ReplaceAllStringFunc(s.Expr, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := vars[key]
			if !ok {
				missing = key
				return m
			}
			switch s.Method {
			case driver.MethodCSS:
				return cssEscape(v)
			case driver.MethodXPath:
				return driver.XPathLiteral(v)
			}
			return v
		})
		if missing != "" {
			return Target{}, fmt.Errorf("target %s strategy %d: no value for {%s}", t.ID, i, missing)
		}
		out.Strategies[i] = driver.Locator{Method: s.Method, Expr: expr}
	}
	return out, nil
}

func cssEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `'`, `\'`, "\n", " ")
	return r.Replace(s)
}

type targetEntry struct {
	ID         string           `toml:"id"`
	Strategies []driver.Locator `toml:"strategies"`
}

type materialEntry struct {
	Kind     string   `toml:"kind"`
	Keywords []string `toml:"keywords"`
}

type localeEntry struct {
	Lang       string          `toml:"lang"`
	Generating []string        `toml:"generating"`
	Targets    []targetEntry   `toml:"target"`
	Materials  []materialEntry `toml:"material"`
}

type registryFile struct {
	Targets   []targetEntry   `toml:"target"`
	Materials []materialEntry `toml:"material"`
	Status    struct {
		Generating []string `toml:"generating"`
	} `toml:"status"`
	Locales []localeEntry `toml:"locale"`
}

type locale struct {
	targets    map[TargetID][]driver.Locator
	keywords   map[models.MaterialKind][]string
	generating []string
}

// Registry 逻辑目标注册表，加载后只读
type Registry struct {
	base    locale
	locales map[string]locale
}

// Default 解析内嵌的默认注册表
func Default() (*Registry, error) {
	return Parse(defaultTargets)
}

// MustDefault 内嵌注册表解析失败属于编程错误
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Load 在默认注册表之上合并 path 中的覆盖配置，path 为空时只用默认值
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read registry %s", path)
	}
	var base, override registryFile
	if err := toml.Unmarshal(defaultTargets, &base); err != nil {
		return nil, errors.Wrap(err, "parse embedded registry")
	}
	if err := toml.Unmarshal(data, &override); err != nil {
		return nil, errors.Wrapf(err, "parse registry %s", path)
	}
	return build(merge(base, override))
}

// Parse 解析一份完整的注册表
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse registry")
	}
	return build(f)
}

// merge 覆盖文件按 id 整体替换目标，locale 按语言整体替换
func merge(base, override registryFile) registryFile {
	idx := map[string]int{}
	for i, t := range base.Targets {
		idx[t.ID] = i
	}
	for _, t := range override.Targets {
		if i, ok := idx[t.ID]; ok {
			base.Targets[i] = t
		} else {
			base.Targets = append(base.Targets, t)
		}
	}
	if len(override.Materials) > 0 {
		base.Materials = override.Materials
	}
	if len(override.Status.Generating) > 0 {
		base.Status.Generating = override.Status.Generating
	}
	for _, l := range override.Locales {
		replaced := false
		for i := range base.Locales {
			if base.Locales[i].Lang == l.Lang {
				base.Locales[i] = l
				replaced = true
			}
		}
		if !replaced {
			base.Locales = append(base.Locales, l)
		}
	}
	return base
}

func build(f registryFile) (*Registry, error) {
	r := &Registry{locales: map[string]locale{}}
	var problems []string

	base, errs := buildLocale("", f.Targets, f.Materials, f.Status.Generating)
	problems = append(problems, errs...)
	r.base = base
	for _, id := range AllTargets {
		if len(base.targets[id]) == 0 {
			problems = append(problems, fmt.Sprintf("target %s: no strategies", id))
		}
	}

	for _, l := range f.Locales {
		lang := normalizeLang(l.Lang)
		if lang == "" {
			problems = append(problems, "locale without lang")
			continue
		}
		loc, errs := buildLocale(lang, l.Targets, l.Materials, l.Generating)
		problems = append(problems, errs...)
		r.locales[lang] = loc
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("invalid target registry: %s", strings.Join(problems, "; "))
	}
	return r, nil
}

func buildLocale(lang string, targets []targetEntry, materials []materialEntry, generating []string) (locale, []string) {
	var problems []string
	where := "base"
	if lang != "" {
		where = "locale " + lang
	}
	loc := locale{
		targets:    map[TargetID][]driver.Locator{},
		keywords:   map[models.MaterialKind][]string{},
		generating: lowerAll(generating),
	}
	for _, t := range targets {
		id := TargetID(t.ID)
		if !id.Known() {
			problems = append(problems, fmt.Sprintf("%s: unknown target %q", where, t.ID))
			continue
		}
		if _, dup := loc.targets[id]; dup {
			problems = append(problems, fmt.Sprintf("%s: duplicate target %s", where, id))
			continue
		}
		if len(t.Strategies) == 0 {
			problems = append(problems, fmt.Sprintf("%s: target %s: empty strategy list", where, id))
			continue
		}
		for i, s := range t.Strategies {
			if err := validateStrategy(s); err != nil {
				problems = append(problems, fmt.Sprintf("%s: target %s strategy %d: %v", where, id, i, err))
			}
		}
		loc.targets[id] = t.Strategies
	}
	for _, m := range materials {
		kind, err := models.ParseMaterialKind(m.Kind)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
			continue
		}
		loc.keywords[kind] = append(loc.keywords[kind], lowerAll(m.Keywords)...)
	}
	return loc, problems
}

func validateStrategy(s driver.Locator) error {
	if !s.Method.Valid() {
		return fmt.Errorf("unknown method %q", s.Method)
	}
	if strings.TrimSpace(s.Expr) == "" {
		return fmt.Errorf("empty expression")
	}
	rest := placeholderRe.ReplaceAllString(s.Expr, "")
	if strings.ContainsAny(rest, "{}") {
		return fmt.Errorf("malformed placeholder in %q", s.Expr)
	}
	return nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalizeLang "de-DE" → "de"
func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// Target 返回目标的策略：基础策略在前，语言的本地化策略追加在后
func (r *Registry) Target(id TargetID, lang string) (Target, error) {
	base, ok := r.base.targets[id]
	if !ok {
		return Target{}, fmt.Errorf("unknown target %s", id)
	}
	strategies := append([]driver.Locator(nil), base...)
	if loc, ok := r.locales[normalizeLang(lang)]; ok {
		strategies = append(strategies, loc.targets[id]...)
	}
	return Target{ID: id, Strategies: strategies}, nil
}

// Languages 注册表中有本地化配置的语言
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.locales))
	for lang := range r.locales {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// ClassifyMaterial 根据 Studio 条目文字判断材料类型
func (r *Registry) ClassifyMaterial(text, lang string) (models.MaterialKind, bool) {
	lower := strings.ToLower(text)
	check := func(kws map[models.MaterialKind][]string) (models.MaterialKind, bool) {
		for _, kind := range models.AllMaterialKinds {
			for _, kw := range kws[kind] {
				if strings.Contains(lower, kw) {
					return kind, true
				}
			}
		}
		return "", false
	}
	if loc, ok := r.locales[normalizeLang(lang)]; ok {
		if kind, ok := check(loc.keywords); ok {
			return kind, true
		}
	}
	return check(r.base.keywords)
}

// IsGenerating 条目文字是否带有“生成中”标记
func (r *Registry) IsGenerating(text, lang string) bool {
	lower := strings.ToLower(text)
	markers := r.base.generating
	if loc, ok := r.locales[normalizeLang(lang)]; ok {
		markers = append(append([]string(nil), markers...), loc.generating...)
	}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
