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
	"context"
	"fmt"

	"github.com/itchyny/gojq"
)

// if 谓词是 jq 表达式，以变量环境为输入求值。结果必须恰好是一个布尔值，
// 其余情况（出错、非布尔、多个输出）一律视为确定性失败。

// CompilePredicate 编译 if 谓词；创建期校验与执行期共用
func CompilePredicate(expr string) (*gojq.Code, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse predicate: %v", err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %v", err)
	}
	return code, nil
}

// EvalPredicate 对变量环境求值
func EvalPredicate(ctx context.Context, code *gojq.Code, vars map[string]any) (bool, error) {
	iter := code.RunWithContext(ctx, map[string]any(vars))
	v, ok := iter.Next()
	if !ok {
		return false, fmt.Errorf("predicate produced no result")
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("predicate error: %v", err)
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("predicate result is %T, want boolean", v)
	}
	if _, more := iter.Next(); more {
		return false, fmt.Errorf("predicate produced multiple results")
	}
	return b, nil
}
