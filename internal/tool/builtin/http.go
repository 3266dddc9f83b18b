// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"task-orchestrator/internal/pipeline"
	"task-orchestrator/pkg/secrets"
)

// HTTPTool 实现 http.request：出站 HTTP 调用。5xx/408/429 与传输错误按可
// 重试处理，其余 4xx 为确定性失败。参数树里的 {"$secret": "KEY"} 在发送前
// 经 secret store 解析，secret 值不落 run 记录（step 只存输入摘要）。
type HTTPTool struct {
	client  *resty.Client
	secrets secrets.Store
}

// NewHTTPTool 创建 http.request 工具；store 为 nil 时 $secret 引用报错
func NewHTTPTool(store secrets.Store) *HTTPTool {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	return &HTTPTool{client: client, secrets: store}
}

// Name 实现 tool.Tool
func (t *HTTPTool) Name() string { return "http.request" }

// Description 实现 tool.Tool
func (t *HTTPTool) Description() string {
	return "发送 HTTP 请求。传入 url，可选 method、headers、query、body。"
}

// InputSchema 实现 tool.Tool
func (t *HTTPTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"method":  map[string]any{"type": "string"},
			"url":     map[string]any{"type": "string"},
			"headers": map[string]any{"type": "object"},
			"query":   map[string]any{"type": "object"},
			"body":    map[string]any{},
		},
		"required": []any{"url"},
	}
}

// OutputSchema 实现 tool.Tool
func (t *HTTPTool) OutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status":  map[string]any{"type": "integer"},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{},
		},
		"required": []any{"status"},
	}
}

// Invoke 实现 tool.Tool
func (t *HTTPTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	resolved, err := resolveSecrets(ctx, t.secrets, args)
	if err != nil {
		return nil, err
	}
	in, _ := resolved.(map[string]any)

	urlStr, _ := in["url"].(string)
	if urlStr == "" {
		return nil, fmt.Errorf("%w: url 不能为空", pipeline.ErrPermanent)
	}
	method, _ := in["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	req := t.client.R().SetContext(ctx)
	if h, ok := in["headers"].(map[string]any); ok {
		for k, v := range h {
			req.SetHeader(k, fmt.Sprint(v))
		}
	}
	if q, ok := in["query"].(map[string]any); ok {
		for k, v := range q {
			req.SetQueryParam(k, fmt.Sprint(v))
		}
	}
	if body, ok := in["body"]; ok && body != nil {
		if s, ok := body.(string); ok {
			req.SetBody(s)
		} else {
			req.SetHeader("Content-Type", "application/json")
			req.SetBody(body)
		}
	}

	resp, err := req.Execute(method, urlStr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http request: %w", err)
	}

	status := resp.StatusCode()
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: 上游返回 %d: %s", pipeline.ErrRetryable, status, snippet(resp.String()))
	}
	if status >= 400 {
		return nil, fmt.Errorf("%w: 上游返回 %d: %s", pipeline.ErrPermanent, status, snippet(resp.String()))
	}

	headers := make(map[string]any, len(resp.Header()))
	for k, vals := range resp.Header() {
		headers[k] = strings.Join(vals, ", ")
	}
	return map[string]any{
		"status":  status,
		"headers": headers,
		"body":    decodeBody(resp.Body()),
	}, nil
}

// resolveSecrets 深度遍历参数树，把 {"$secret": "KEY"} 替换为 store 中的值
func resolveSecrets(ctx context.Context, store secrets.Store, v any) (any, error) {
	switch tv := v.(type) {
	case map[string]any:
		if key, ok := tv["$secret"].(string); ok && len(tv) == 1 {
			if store == nil {
				return nil, fmt.Errorf("%w: secret store 未配置，无法解析 %q", pipeline.ErrPermanent, key)
			}
			val, err := store.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("%w: 解析 secret %q: %v", pipeline.ErrPermanent, key, err)
			}
			return val, nil
		}
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			r, err := resolveSecrets(ctx, store, item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			r, err := resolveSecrets(ctx, store, item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// decodeBody 响应体按 JSON 解析，失败则原样返回字符串
func decodeBody(data []byte) any {
	if len(data) == 0 {
		return ""
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err == nil {
		return decoded
	}
	return string(data)
}

func snippet(s string) string {
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
