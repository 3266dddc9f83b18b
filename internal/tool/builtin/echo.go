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

import "context"

// EchoTool 实现 util.echo：原样返回输入，用于冒烟与联调
type EchoTool struct{}

// NewEchoTool 创建 util.echo 工具
func NewEchoTool() *EchoTool { return &EchoTool{} }

// Name 实现 tool.Tool
func (t *EchoTool) Name() string { return "util.echo" }

// Description 实现 tool.Tool
func (t *EchoTool) Description() string { return "原样返回输入参数。" }

// InputSchema 实现 tool.Tool
func (t *EchoTool) InputSchema() map[string]any { return nil }

// OutputSchema 实现 tool.Tool
func (t *EchoTool) OutputSchema() map[string]any { return nil }

// Invoke 实现 tool.Tool
func (t *EchoTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args}, nil
}
