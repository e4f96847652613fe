package routing

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxChineseChars = 6
	DefaultMaxASCIIChars   = 12
)

// KeywordRoute 描述一组指向同一工作流的关键词，列表顺序即匹配优先级。
type KeywordRoute struct {
	Workflow WorkflowID `yaml:"workflow"`
	Terms    []string   `yaml:"terms"`
}

// Lexicon 汇总规则分类与关键词路由使用的全部词表。
type Lexicon struct {
	MaxChineseChars  int            `yaml:"max_chinese_chars"`
	MaxASCIIChars    int            `yaml:"max_ascii_chars"`
	Blacklist        []string       `yaml:"blacklist"`
	BusinessPatterns []string       `yaml:"business_patterns"`
	QuestionMarkers  []string       `yaml:"question_markers"`
	SimpleChat       []string       `yaml:"simple_chat"`
	KeywordRoutes    []KeywordRoute `yaml:"keyword_routes"`
}

// DefaultLexicon 返回内置词表。
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		MaxChineseChars: DefaultMaxChineseChars,
		MaxASCIIChars:   DefaultMaxASCIIChars,
		Blacklist: []string{
			"退货", "退款", "取消订单", "机票", "航班", "订票", "知识库", "文档", "支付", "转账", "钱包",
			"refund", "return", "flight", "cancel", "order", "payment", "wallet",
		},
		BusinessPatterns: []string{
			`\d{6,}`,
			`订单号`,
			`(?i)order\s*#?\d+`,
			`(?i)\b[a-z]{2}\d{3,4}\b`,
			`\d{4}-\d{2}-\d{2}`,
			`(?i)\d+(\.\d+)?\s*(元|块|usd|usdc)`,
		},
		QuestionMarkers: []string{
			"?", "？", "吗", "呢", "什么", "怎么", "如何", "为什么", "多少",
			"what", "why", "how",
		},
		SimpleChat: []string{
			"你好", "您好", "谢谢", "再见", "早上好", "晚上好", "哈哈",
			"hello", "thanks", "thank you", "good morning",
		},
		KeywordRoutes: []KeywordRoute{
			{
				Workflow: WorkflowReturnRequest,
				Terms:    []string{"退货", "退款", "退换", "取消订单", "return", "refund", "cancel order"},
			},
			{
				Workflow: WorkflowFlightBooking,
				Terms:    []string{"机票", "航班", "订票", "订机票", "flight", "book a flight", "airline"},
			},
		},
	}
}

// LoadLexicon 从 YAML 文件加载词表，未填写的部分使用内置默认值。
// path 为空时直接返回默认词表。
func LoadLexicon(path string) (*Lexicon, error) {
	lex := DefaultLexicon()
	if strings.TrimSpace(path) == "" {
		return lex, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取路由词表失败: %w", err)
	}

	var loaded Lexicon
	if err := yaml.Unmarshal(content, &loaded); err != nil {
		return nil, fmt.Errorf("解析路由词表失败: %w", err)
	}
	lex.merge(&loaded)

	if err := lex.Validate(); err != nil {
		return nil, err
	}
	return lex, nil
}

func (l *Lexicon) merge(other *Lexicon) {
	if other.MaxChineseChars > 0 {
		l.MaxChineseChars = other.MaxChineseChars
	}
	if other.MaxASCIIChars > 0 {
		l.MaxASCIIChars = other.MaxASCIIChars
	}
	if len(other.Blacklist) > 0 {
		l.Blacklist = other.Blacklist
	}
	if len(other.BusinessPatterns) > 0 {
		l.BusinessPatterns = other.BusinessPatterns
	}
	if len(other.QuestionMarkers) > 0 {
		l.QuestionMarkers = other.QuestionMarkers
	}
	if len(other.SimpleChat) > 0 {
		l.SimpleChat = other.SimpleChat
	}
	if len(other.KeywordRoutes) > 0 {
		l.KeywordRoutes = other.KeywordRoutes
	}
}

// Validate 检查正则能否编译以及关键词路由指向的工作流是否合法。
func (l *Lexicon) Validate() error {
	if _, err := compilePatterns(l.BusinessPatterns); err != nil {
		return err
	}
	for _, route := range l.KeywordRoutes {
		if _, ok := ParseWorkflowID(string(route.Workflow)); !ok {
			return fmt.Errorf("关键词路由指向未知工作流: %s", route.Workflow)
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("编译业务正则 %q 失败: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			out = append(out, term)
		}
	}
	return out
}
