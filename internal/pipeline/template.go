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

package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// 模板语法：with 对象的字符串值中以 ${path} 引用变量环境；$${ 转义为字面 ${。
// 整串恰为一个占位符时按原生 JSON 类型代入，嵌入位置按规范字符串拼接。
// 路径为点号分段加可选数组下标（steps.fetch.body.items[0].id）；
// now、now±duration 渲染为 RFC3339 UTC，d 单位按 24h 归一。

// tmplPart 扫描产物：path 非空表示占位符，否则为字面文本
type tmplPart struct {
	lit  string
	path string
}

// scanTemplate 将字符串切分为字面片段与占位符
func scanTemplate(s string) ([]tmplPart, error) {
	var parts []tmplPart
	var lit strings.Builder
	i := 0
	for i < len(s) {
		j := strings.Index(s[i:], "${")
		if j < 0 {
			lit.WriteString(s[i:])
			break
		}
		j += i
		if j > i && s[j-1] == '$' {
			// $${ 转义
			lit.WriteString(s[i : j-1])
			lit.WriteString("${")
			i = j + 2
			continue
		}
		k := strings.IndexByte(s[j+2:], '}')
		if k < 0 {
			return nil, fmt.Errorf("unterminated ${ at offset %d", j)
		}
		path := strings.TrimSpace(s[j+2 : j+2+k])
		if path == "" {
			return nil, fmt.Errorf("empty placeholder at offset %d", j)
		}
		lit.WriteString(s[i:j])
		if lit.Len() > 0 {
			parts = append(parts, tmplPart{lit: lit.String()})
			lit.Reset()
		}
		parts = append(parts, tmplPart{path: path})
		i = j + 2 + k + 1
	}
	if lit.Len() > 0 {
		parts = append(parts, tmplPart{lit: lit.String()})
	}
	return parts, nil
}

// pathToken 路径片段：键名或数组下标
type pathToken struct {
	key     string
	index   int
	isIndex bool
}

func isPathKeyByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// parsePath 解析点号路径
func parsePath(p string) ([]pathToken, error) {
	if p == "" {
		return nil, fmt.Errorf("empty path")
	}
	var toks []pathToken
	i := 0
	for i < len(p) {
		switch {
		case p[i] == '[':
			j := strings.IndexByte(p[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("path %q: missing ']'", p)
			}
			n, err := strconv.Atoi(p[i+1 : i+j])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("path %q: bad index %q", p, p[i+1:i+j])
			}
			if len(toks) == 0 {
				return nil, fmt.Errorf("path %q: index before key", p)
			}
			toks = append(toks, pathToken{index: n, isIndex: true})
			i += j + 1
		case p[i] == '.':
			if i == 0 || i == len(p)-1 {
				return nil, fmt.Errorf("path %q: empty segment", p)
			}
			i++
			if p[i] == '.' || p[i] == '[' {
				return nil, fmt.Errorf("path %q: empty segment", p)
			}
		default:
			j := i
			for j < len(p) && isPathKeyByte(p[j]) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("path %q: unexpected character %q", p, string(p[i]))
			}
			if p[i] >= '0' && p[i] <= '9' {
				return nil, fmt.Errorf("path %q: segment starts with digit", p)
			}
			toks = append(toks, pathToken{key: p[i:j]})
			i = j
		}
	}
	return toks, nil
}

func isNowPath(p string) bool {
	return p == "now" || strings.HasPrefix(p, "now+") || strings.HasPrefix(p, "now-")
}

var dayChunk = regexp.MustCompile(`(\d+(?:\.\d+)?)d`)

// parseNowOffset 解析 now 之后的 ±duration 部分；d 归一为 24h 后交给 time.ParseDuration
func parseNowOffset(expr string) (time.Duration, error) {
	if len(expr) < 2 || (expr[0] != '+' && expr[0] != '-') {
		return 0, fmt.Errorf("bad now offset %q", expr)
	}
	body := dayChunk.ReplaceAllStringFunc(expr[1:], func(m string) string {
		n, err := strconv.ParseFloat(strings.TrimSuffix(m, "d"), 64)
		if err != nil {
			return m
		}
		return strconv.FormatFloat(n*24, 'f', -1, 64) + "h"
	})
	d, err := time.ParseDuration(body)
	if err != nil {
		return 0, fmt.Errorf("bad now offset %q", expr)
	}
	if expr[0] == '-' {
		d = -d
	}
	return d, nil
}

// resolvePath 在变量环境中解析路径；任何失败都是确定性错误
func resolvePath(path string, vars map[string]any) (any, error) {
	if isNowPath(path) {
		raw, ok := vars["now"].(string)
		if !ok {
			return nil, fmt.Errorf("path %q: variable now is not set", path)
		}
		if path == "now" {
			return raw, nil
		}
		base, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("path %q: %v", path, err)
		}
		off, err := parseNowOffset(path[3:])
		if err != nil {
			return nil, err
		}
		return base.Add(off).UTC().Format(time.RFC3339), nil
	}

	toks, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cur := any(vars)
	for _, tok := range toks {
		if tok.isIndex {
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("path %q: index into non-array", path)
			}
			if tok.index >= len(arr) {
				return nil, fmt.Errorf("path %q: index %d out of range", path, tok.index)
			}
			cur = arr[tok.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: segment %q traverses a non-object", path, tok.key)
		}
		v, ok := m[tok.key]
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not defined", path, tok.key)
		}
		cur = v
	}
	return cur, nil
}

// canonicalString 嵌入位置的规范字符串化：null 为空串，布尔与数字用最小
// JSON 形式，对象和数组用紧凑 JSON
func canonicalString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	case json.Number:
		return x.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("value not JSON-serializable: %v", err)
		}
		return string(b), nil
	}
}

// renderString 渲染单个字符串值
func renderString(s string, vars map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	parts, err := scanTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 && parts[0].path != "" {
		return resolvePath(parts[0].path, vars)
	}
	var b strings.Builder
	for _, part := range parts {
		if part.path == "" {
			b.WriteString(part.lit)
			continue
		}
		v, err := resolvePath(part.path, vars)
		if err != nil {
			return nil, err
		}
		cs, err := canonicalString(v)
		if err != nil {
			return nil, err
		}
		b.WriteString(cs)
	}
	return b.String(), nil
}

func renderValue(v any, vars map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		return renderString(x, vars)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			r, err := renderValue(val, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			r, err := renderValue(val, vars)
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

// RenderWith 渲染 step 的 with 对象
func RenderWith(with map[string]any, vars map[string]any) (map[string]any, error) {
	if with == nil {
		return map[string]any{}, nil
	}
	out, err := renderValue(with, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// collectTemplatePaths 遍历值树收集全部占位符路径；语法错误立即返回
func collectTemplatePaths(v any) ([]string, error) {
	var paths []string
	var walk func(v any) error
	walk = func(v any) error {
		switch x := v.(type) {
		case string:
			if !strings.Contains(x, "${") {
				return nil
			}
			parts, err := scanTemplate(x)
			if err != nil {
				return err
			}
			for _, p := range parts {
				if p.path != "" {
					paths = append(paths, p.path)
				}
			}
		case map[string]any:
			for _, val := range x {
				if err := walk(val); err != nil {
					return err
				}
			}
		case []any:
			for _, val := range x {
				if err := walk(val); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return paths, nil
}

// containsTemplate 值树中任意字符串含 ${ 即视为非字面
func containsTemplate(v any) bool {
	switch x := v.(type) {
	case string:
		return strings.Contains(x, "${")
	case map[string]any:
		for _, val := range x {
			if containsTemplate(val) {
				return true
			}
		}
	case []any:
		for _, val := range x {
			if containsTemplate(val) {
				return true
			}
		}
	}
	return false
}
