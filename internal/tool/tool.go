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

package tool

import "context"

// Tool 可被 pipeline step 调用的工具；地址形如 namespace.name（如 http.request）
type Tool interface {
	Name() string
	Description() string
	// InputSchema 返回输入的 JSON Schema (Draft 2020-12) 文档；nil 表示不校验
	InputSchema() map[string]any
	// OutputSchema 返回输出的 JSON Schema 文档；nil 表示不校验
	OutputSchema() map[string]any
	Invoke(ctx context.Context, args map[string]any) (any, error)
}
