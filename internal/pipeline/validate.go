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
	"fmt"
	"regexp"
	"time"

	"task-orchestrator/internal/tool"
)

// ValidationError 字段级校验错误，API 层渲染为 422 响应体
type ValidationError struct {
	Field string `json:"field"`
	Msg   string `json:"msg"`
}

func (e ValidationError) Error() string { return e.Field + ": " + e.Msg }

// Catalog 工具目录查询接口；*tool.Registry 直接满足
type Catalog interface {
	Get(address string) (tool.Tool, bool)
}

var (
	stepIDPattern  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	addressPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)
)

const (
	maxStepTimeout   = time.Hour
	maxRetryAttempts = 10
)

// 变量环境的根名；模板只能从这些根出发
var varRoots = map[string]bool{
	"now": true, "params": true, "steps": true,
	"task": true, "run": true, "trigger": true,
}

// ValidateSpec 创建期校验 pipeline 结构。catalog 提供工具解析；
// 完全字面的 with（不含 ${）同时按工具输入 schema 预校验。
func ValidateSpec(spec *Spec, catalog Catalog) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)})
	}

	if spec == nil || len(spec.Steps) == 0 {
		add("pipeline.steps", "pipeline must contain at least one step")
		return errs
	}

	seen := make(map[string]bool, len(spec.Steps))
	bound := make(map[string]bool, len(spec.Steps))
	for i := range spec.Steps {
		st := &spec.Steps[i]
		field := fmt.Sprintf("pipeline.steps[%d]", i)

		if !stepIDPattern.MatchString(st.ID) {
			add(field+".id", "must match [a-z][a-z0-9_]* and be at most 64 chars")
		} else if seen[st.ID] {
			add(field+".id", "duplicate step id %q", st.ID)
		}
		seen[st.ID] = true

		var tl tool.Tool
		if !addressPattern.MatchString(st.Uses) {
			add(field+".uses", "bad tool address %q, want namespace.name", st.Uses)
		} else if catalog != nil {
			var ok bool
			tl, ok = catalog.Get(st.Uses)
			if !ok {
				add(field+".uses", "unknown tool %q", st.Uses)
			}
		}

		if st.If != "" {
			if _, err := CompilePredicate(st.If); err != nil {
				add(field+".if", "%v", err)
			}
		}

		name := st.BindName()
		if st.SaveAs != "" && !stepIDPattern.MatchString(st.SaveAs) {
			add(field+".save_as", "must match [a-z][a-z0-9_]* and be at most 64 chars")
		}
		if bound[name] {
			add(field+".save_as", "rebinds %q already bound by an earlier step", name)
		}

		paths, err := collectTemplatePaths(st.With)
		if err != nil {
			add(field+".with", "%v", err)
		}
		for _, p := range paths {
			root, ref, perr := refTarget(p)
			if perr != nil {
				add(field+".with", "%v", perr)
				continue
			}
			if !varRoots[root] {
				add(field+".with", "path %q: unknown variable root %q", p, root)
				continue
			}
			if root == "steps" && ref != "" && !bound[ref] {
				add(field+".with", "path %q references %q before it is bound", p, ref)
			}
		}

		if tl != nil && !containsTemplate(st.With) {
			if doc := tl.InputSchema(); doc != nil {
				if verr := validateSchema(doc, st.With); verr != nil {
					add(field+".with", "%v", verr)
				}
			}
		}

		if st.Timeout != "" {
			d, derr := time.ParseDuration(st.Timeout)
			if derr != nil || d <= 0 || d > maxStepTimeout {
				add(field+".timeout", "must be a duration in (0, %s]", maxStepTimeout)
			}
		}

		if st.Retry != nil {
			validateRetry(st.Retry, field+".retry", add)
		}

		bound[name] = true
	}
	return errs
}

// refTarget 解析模板路径，返回根变量名与 steps 引用的绑定名。
// now±duration 的偏移语法也在此校验。
func refTarget(path string) (root, stepRef string, err error) {
	if isNowPath(path) {
		if path != "now" {
			if _, oerr := parseNowOffset(path[3:]); oerr != nil {
				return "", "", oerr
			}
		}
		return "now", "", nil
	}
	toks, err := parsePath(path)
	if err != nil {
		return "", "", err
	}
	root = toks[0].key
	if root == "steps" && len(toks) > 1 && !toks[1].isIndex {
		stepRef = toks[1].key
	}
	return root, stepRef, nil
}

func validateRetry(r *RetrySpec, field string, add func(field, format string, args ...any)) {
	if r.MaxAttempts < 0 || r.MaxAttempts > maxRetryAttempts {
		add(field+".max_attempts", "must be in [1, %d]", maxRetryAttempts)
	}
	var base, max time.Duration
	if r.BaseDelay != "" {
		d, err := time.ParseDuration(r.BaseDelay)
		if err != nil || d <= 0 {
			add(field+".base_delay", "must be a positive duration")
		} else {
			base = d
		}
	}
	if r.MaxDelay != "" {
		d, err := time.ParseDuration(r.MaxDelay)
		if err != nil || d <= 0 {
			add(field+".max_delay", "must be a positive duration")
		} else {
			max = d
		}
	}
	if base > 0 && max > 0 && base > max {
		add(field+".base_delay", "must not exceed max_delay")
	}
	if r.Jitter != nil && (*r.Jitter < 0 || *r.Jitter > 1) {
		add(field+".jitter", "must be in [0, 1]")
	}
}
