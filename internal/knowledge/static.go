package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry 是静态知识库中的一条记录。
type Entry struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	URL      string   `json:"url"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticRetriever 通过加载 JSON 文件提供静态知识检索能力。
type StaticRetriever struct {
	items      []Entry
	maxResults int
}

// NewStaticRetriever 创建静态知识库实例。
func NewStaticRetriever(items []Entry, maxResults int) *StaticRetriever {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticRetriever{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticRetriever 从 JSON 文件加载知识条目。
func LoadStaticRetriever(path string, maxResults int) (*StaticRetriever, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticRetriever(entries, maxResults), nil
}

type scored struct {
	entry Entry
	hits  int
}

// Query 按关键词与标签的命中数排序，距离取 1/(1+命中数)。
func (r *StaticRetriever) Query(ctx context.Context, text string) (*Answer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer := &Answer{Sources: []Source{}}
	if r == nil {
		return answer, nil
	}

	query := strings.ToLower(strings.TrimSpace(text))
	var matches []scored
	for _, item := range r.items {
		if hits := countHits(item, query); hits > 0 {
			matches = append(matches, scored{entry: item, hits: hits})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].hits > matches[j].hits
	})
	if len(matches) > r.maxResults {
		matches = matches[:r.maxResults]
	}
	if len(matches) == 0 {
		return answer, nil
	}

	contents := make([]string, 0, len(matches))
	for _, match := range matches {
		distance := 1 / float64(1+match.hits)
		answer.Snippets = append(answer.Snippets, Snippet{
			Title:    match.entry.Title,
			URL:      match.entry.URL,
			Content:  match.entry.Content,
			Distance: distance,
		})
		answer.Sources = append(answer.Sources, Source{Title: match.entry.Title, URL: match.entry.URL})
		contents = append(contents, strings.TrimSpace(match.entry.Content))
	}
	best := answer.Snippets[0].Distance
	answer.Distance = &best
	answer.Text = strings.Join(contents, "\n")
	return answer, nil
}

func countHits(entry Entry, query string) int {
	if query == "" {
		return 0
	}
	hits := 0
	for _, list := range [][]string{entry.Keywords, entry.Tags} {
		for _, keyword := range list {
			normalized := strings.ToLower(strings.TrimSpace(keyword))
			if normalized != "" && strings.Contains(query, normalized) {
				hits++
			}
		}
	}
	return hits
}

var _ Retriever = (*StaticRetriever)(nil)
