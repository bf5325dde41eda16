package intent

import (
	"regexp"
	"strings"
)

// Rule 将一组模式映射到路径，任一模式命中即视为匹配。
type Rule struct {
	Path     Path
	Patterns []*regexp.Regexp
}

// Blacklist 列出不能与某个路径同时出现的关键词，以及冲突时建议的路径。
type Blacklist struct {
	Patterns []*regexp.Regexp
	Suggest  Path
}

// Mismatch 描述分类与黑名单的冲突，由调用方反馈给用户。
type Mismatch struct {
	DetectedPath        Path     `json:"detected_path"`
	ConflictingKeywords []string `json:"conflicting_keywords"`
	SuggestedPath       Path     `json:"suggested_path"`
}

// Classification 是 ClassifyWithValidation 的结果。
type Classification struct {
	Path     Path      `json:"path"`
	Mismatch *Mismatch `json:"mismatch,omitempty"`
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

var leverageVocabulary = []string{
	`\b\d+(\.\d+)?\s?x\b`,
	`\bleverag(e|ed|ing)\b`,
	`\bperps?\b`,
	`\bperpetuals?\b`,
	`\blong\b`,
	`\bshort\b`,
	`\bmargin\b`,
}

// DefaultRules 返回按优先级排序的规则：creation > event_betting > execution > planning。
func DefaultRules() []Rule {
	return []Rule{
		{Path: PathCreation, Patterns: compile(
			`\b(create|launch|deploy|issue)\b[\w\s$-]{0,40}?\b(token|coin|market|pool|vault|nft|collection)s?\b`,
			`\bnew (token|market|pool)\b`,
		)},
		{Path: PathEventBetting, Patterns: compile(
			`\bbet(s|ting)?\s+(on|that|against)\b`,
			`\bprediction markets?\b`,
			`\bpolymarket\b`,
			`\bkalshi\b`,
			`\bevent (contract|market)s?\b`,
			`\b(yes|no) shares?\b`,
		)},
		{Path: PathExecution, Patterns: compile(
			`\b(swap|buy|sell|long|short|deposit|withdraw|lend|borrow|stake|supply|bridge|execute|trade)\b`,
			`\b(open|close)\s+(a\s+)?(position|long|short|trade)\b`,
		)},
		{Path: PathPlanning, Patterns: compile(
			`\b(plan|planning|strategy|allocate|allocation|rebalance|hedge|simulate|backtest)\b`,
			`\bwhat if\b`,
			`\bshould i\b`,
		)},
	}
}

// DefaultBlacklists 返回各路径不允许同时出现的关键词。
func DefaultBlacklists() map[Path]Blacklist {
	return map[Path]Blacklist{
		PathEventBetting: {Patterns: compile(leverageVocabulary...), Suggest: PathPlanning},
		PathExecution: {Patterns: compile(
			`\bbet(s|ting)?\b`,
			`\bwager(s|ing)?\b`,
			`\bodds\b`,
			`\bparlay\b`,
			`\bsportsbook\b`,
			`\bprediction markets?\b`,
			`\bpolymarket\b`,
			`\bkalshi\b`,
		), Suggest: PathEventBetting},
		PathCreation: {Patterns: compile(leverageVocabulary...), Suggest: PathPlanning},
	}
}

// Classifier 按规则表对动作文本分级。
type Classifier struct {
	rules      []Rule
	blacklists map[Path]Blacklist
}

// NewClassifier 构造 Classifier；rules 为空时使用默认规则。
func NewClassifier(rules []Rule, blacklists map[Path]Blacklist) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if blacklists == nil {
		blacklists = DefaultBlacklists()
	}
	return &Classifier{rules: rules, blacklists: blacklists}
}

// Classify 返回第一条命中规则的路径，未命中时返回最安全的 research。
func (c *Classifier) Classify(text string) Path {
	text = strings.TrimSpace(text)
	if text == "" {
		return PathResearch
	}
	for _, rule := range c.rules {
		for _, pattern := range rule.Patterns {
			if pattern.MatchString(text) {
				return rule.Path
			}
		}
	}
	return PathResearch
}

// ClassifyWithValidation 在分类后执行黑名单校验。冲突时不做猜测，
// 返回 research 以及冲突详情。
func (c *Classifier) ClassifyWithValidation(text string) Classification {
	detected := c.Classify(text)
	blacklist, ok := c.blacklists[detected]
	if !ok {
		return Classification{Path: detected}
	}

	var keywords []string
	seen := make(map[string]struct{})
	for _, pattern := range blacklist.Patterns {
		for _, match := range pattern.FindAllString(text, -1) {
			keyword := strings.ToLower(strings.TrimSpace(match))
			if _, dup := seen[keyword]; dup || keyword == "" {
				continue
			}
			seen[keyword] = struct{}{}
			keywords = append(keywords, keyword)
		}
	}
	if len(keywords) == 0 {
		return Classification{Path: detected}
	}
	return Classification{
		Path: PathResearch,
		Mismatch: &Mismatch{
			DetectedPath:        detected,
			ConflictingKeywords: keywords,
			SuggestedPath:       blacklist.Suggest,
		},
	}
}
