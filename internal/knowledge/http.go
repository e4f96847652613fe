package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "wallets-quickstart/internal/errors"
)

// HTTPRetriever 调用外部检索服务。服务接收 {"query","topK"}，
// 返回与 Answer 相同结构的 JSON。
type HTTPRetriever struct {
	endpoint   string
	topK       int
	httpClient *http.Client
}

// NewHTTPRetriever 创建远程检索客户端。
func NewHTTPRetriever(endpoint string, topK int, timeout time.Duration) (*HTTPRetriever, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "检索服务地址不能为空")
	}
	if topK <= 0 {
		topK = 3
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRetriever{
		endpoint:   endpoint,
		topK:       topK,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Query 实现 Retriever 接口，任何失败都以 UPSTREAM_FAILURE 返回。
func (r *HTTPRetriever) Query(ctx context.Context, text string) (*Answer, error) {
	payload, err := json.Marshal(map[string]any{"query": text, "topK": r.topK})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码检索请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建检索请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求检索服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("检索服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var answer Answer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析检索响应失败")
	}
	if answer.Sources == nil {
		answer.Sources = []Source{}
	}
	return &answer, nil
}

var _ Retriever = (*HTTPRetriever)(nil)
