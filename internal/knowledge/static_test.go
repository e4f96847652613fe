package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticRetrieverRanksByHits(t *testing.T) {
	r := NewStaticRetriever([]Entry{
		{Title: "退货政策", Content: "七天无理由退货", URL: "https://kb/returns", Keywords: []string{"退货"}},
		{Title: "退款时效", Content: "退款三个工作日到账", Keywords: []string{"退款", "退货"}, Tags: []string{"到账"}},
		{Title: "航班改签", Content: "起飞前两小时可改签", Keywords: []string{"航班"}},
	}, 5)

	answer, err := r.Query(context.Background(), "退货以后退款多久到账")
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(answer.Snippets) != 2 {
		t.Fatalf("expected two snippets, got %+v", answer.Snippets)
	}
	if answer.Snippets[0].Title != "退款时效" {
		t.Fatalf("best match should come first: %+v", answer.Snippets)
	}
	if answer.Distance == nil || *answer.Distance != answer.Snippets[0].Distance {
		t.Fatalf("answer distance should be the best snippet distance")
	}
	if answer.Sources[1].URL != "https://kb/returns" {
		t.Fatalf("unexpected sources: %+v", answer.Sources)
	}
}

func TestStaticRetrieverNoMatch(t *testing.T) {
	r := NewStaticRetriever([]Entry{{Title: "a", Keywords: []string{"钱包"}}}, 3)
	answer, err := r.Query(context.Background(), "天气")
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if answer.Distance != nil || len(answer.Sources) != 0 || answer.Text != "" {
		t.Fatalf("expected empty answer, got %+v", answer)
	}
}

func TestLoadStaticRetriever(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.json")
	if err := os.WriteFile(path, []byte(`[{"title":"钱包","content":"支持 USDC","keywords":["usdc"]}]`), 0o600); err != nil {
		t.Fatalf("write kb: %v", err)
	}
	r, err := LoadStaticRetriever(path, 0)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	answer, _ := r.Query(context.Background(), "USDC 能用吗")
	if answer.Text != "支持 USDC" {
		t.Fatalf("unexpected text: %q", answer.Text)
	}
	if _, err := LoadStaticRetriever("", 0); err == nil {
		t.Fatalf("empty path should fail")
	}
}
