package routing

import (
	"regexp"
	"strings"
	"unicode"
)

// 规则分类器输出的原因。
const (
	ReasonEmpty        = "empty"
	ReasonBlacklist    = "blacklist keyword"
	ReasonBusiness     = "business pattern"
	ReasonQuestion     = "question marker"
	ReasonSimpleChat   = "simple chat keyword"
	ReasonShortChinese = "short chinese"
	ReasonShortASCII   = "short ascii"
	ReasonDefault      = "default"
)

// RuleClassifier 通过词表与长度判断输入是否属于无需工作流的闲聊。
type RuleClassifier struct {
	maxChinese int
	maxASCII   int
	blacklist  []string
	patterns   []*regexp.Regexp
	questions  []string
	simple     []string
}

// NewRuleClassifier 根据词表构建分类器。
func NewRuleClassifier(lex *Lexicon) (*RuleClassifier, error) {
	if lex == nil {
		lex = DefaultLexicon()
	}
	patterns, err := compilePatterns(lex.BusinessPatterns)
	if err != nil {
		return nil, err
	}
	maxChinese := lex.MaxChineseChars
	if maxChinese <= 0 {
		maxChinese = DefaultMaxChineseChars
	}
	maxASCII := lex.MaxASCIIChars
	if maxASCII <= 0 {
		maxASCII = DefaultMaxASCIIChars
	}
	return &RuleClassifier{
		maxChinese: maxChinese,
		maxASCII:   maxASCII,
		blacklist:  normalizeTerms(lex.Blacklist),
		patterns:   patterns,
		questions:  normalizeTerms(lex.QuestionMarkers),
		simple:     normalizeTerms(lex.SimpleChat),
	}, nil
}

// Classify 按固定优先级判断，第一条命中的规则生效。
func (c *RuleClassifier) Classify(text string) RuleMatch {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return RuleMatch{IsSimple: true, Reason: ReasonEmpty}
	}
	if containsAny(normalized, c.blacklist) {
		return RuleMatch{Reason: ReasonBlacklist}
	}
	for _, re := range c.patterns {
		if re.MatchString(normalized) {
			return RuleMatch{Reason: ReasonBusiness}
		}
	}
	if containsAny(normalized, c.questions) {
		return RuleMatch{Reason: ReasonQuestion}
	}
	if containsAny(normalized, c.simple) {
		return RuleMatch{IsSimple: true, Reason: ReasonSimpleChat}
	}

	chinese, ascii := countChars(normalized)
	if chinese > 0 && chinese <= c.maxChinese {
		return RuleMatch{IsSimple: true, Reason: ReasonShortChinese}
	}
	if chinese == 0 && ascii > 0 && ascii <= c.maxASCII {
		return RuleMatch{IsSimple: true, Reason: ReasonShortASCII}
	}
	return RuleMatch{Reason: ReasonDefault}
}

// countChars 分别统计汉字与 ASCII 字母数字的数量。
func countChars(text string) (chinese, ascii int) {
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			chinese++
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			ascii++
		}
	}
	return chinese, ascii
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
